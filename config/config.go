// Package config describes how an edge events connection reports to the
// server and which server events make it look for a new cloudlet.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edgexr/edge-events/model"
	"github.com/edgexr/edge-events/netprobe"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("config: invalid edge events config")

// UpdatePattern selects when client events are sent.
type UpdatePattern string

// Update patterns.
const (
	// OnStart sends a single update once the connection is ready.
	OnStart = UpdatePattern("ON_START")
	// OnTrigger never sends automatically; the application posts updates.
	OnTrigger = UpdatePattern("ON_TRIGGER")
	// OnInterval sends an update every UpdateInterval.
	OnInterval = UpdatePattern("ON_INTERVAL")
)

// Defaults.
const (
	DefaultUpdateInterval   = 30 * time.Second
	DefaultLatencyThreshold = 50.0
	DefaultStartTimeout     = 10 * time.Second
)

// ClientEventsConfig is the schedule of one kind of client event.
type ClientEventsConfig struct {
	UpdatePattern UpdatePattern `yaml:"update_pattern"`
	// UpdateInterval is used by OnInterval.
	UpdateInterval time.Duration `yaml:"update_interval"`
	// MaxNumberOfUpdates stops OnInterval after that many updates. Zero or
	// less means until the connection closes.
	MaxNumberOfUpdates int `yaml:"max_number_of_updates"`
}

// Validate checks the schedule.
func (c ClientEventsConfig) Validate() error {
	switch c.UpdatePattern {
	case OnStart, OnTrigger:
	case OnInterval:
		if c.UpdateInterval <= 0 {
			return fmt.Errorf("%w: update interval must be positive, got %v", ErrInvalidConfig, c.UpdateInterval)
		}
	default:
		return fmt.Errorf("%w: unknown update pattern %q", ErrInvalidConfig, c.UpdatePattern)
	}
	return nil
}

// Config is the edge events configuration.
type Config struct {
	// NewFindCloudletEventTriggers are the events that start a search for
	// a new cloudlet.
	NewFindCloudletEventTriggers []model.FindCloudletEventTrigger `yaml:"new_find_cloudlet_event_triggers"`
	// LatencyThresholdTrigger, in milliseconds, is the server side average
	// above which LatencyTooHigh triggers.
	LatencyThresholdTrigger float64 `yaml:"latency_threshold_trigger_ms"`
	// LatencyTestType is the probe type of latency updates.
	LatencyTestType netprobe.TestType `yaml:"latency_test_type"`
	// LatencyTestPort is the app port probed. Zero means the first TCP port.
	LatencyTestPort int32 `yaml:"latency_test_port"`
	// LatencyUpdateConfig schedules latency updates.
	LatencyUpdateConfig ClientEventsConfig `yaml:"latency_update_config"`
	// LocationUpdateConfig schedules location updates.
	LocationUpdateConfig ClientEventsConfig `yaml:"location_update_config"`
	// AutoMigrate restarts the connection against a newly found cloudlet.
	// Otherwise the application calls SwitchedToNewCloudlet once it moved.
	AutoMigrate bool `yaml:"auto_migrate"`
	// StartTimeout bounds the wait for the server acknowledgement.
	StartTimeout time.Duration `yaml:"start_timeout"`
}

// Default returns a configuration triggering on every event and sending
// latency and location updates every 30 seconds.
func Default() *Config {
	return &Config{
		NewFindCloudletEventTriggers: append([]model.FindCloudletEventTrigger(nil), model.Triggers...),
		LatencyThresholdTrigger:      DefaultLatencyThreshold,
		LatencyTestType:              netprobe.Connect,
		LatencyUpdateConfig: ClientEventsConfig{
			UpdatePattern:  OnInterval,
			UpdateInterval: DefaultUpdateInterval,
		},
		LocationUpdateConfig: ClientEventsConfig{
			UpdatePattern:  OnInterval,
			UpdateInterval: DefaultUpdateInterval,
		},
		AutoMigrate:  true,
		StartTimeout: DefaultStartTimeout,
	}
}

// HasTrigger tells whether t is one of the configured triggers.
func (c *Config) HasTrigger(t model.FindCloudletEventTrigger) bool {
	for _, k := range c.NewFindCloudletEventTriggers {
		if k == t {
			return true
		}
	}
	return false
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: missing config", ErrInvalidConfig)
	}
	for _, t := range c.NewFindCloudletEventTriggers {
		if !t.Valid() {
			return fmt.Errorf("%w: unknown trigger %q", ErrInvalidConfig, t)
		}
	}
	if c.HasTrigger(model.TriggerLatencyTooHigh) && c.LatencyThresholdTrigger <= 0 {
		return fmt.Errorf("%w: latency threshold required by %s", ErrInvalidConfig, model.TriggerLatencyTooHigh)
	}
	switch c.LatencyTestType {
	case "", netprobe.Connect, netprobe.Ping:
	default:
		return fmt.Errorf("%w: unknown latency test type %q", ErrInvalidConfig, c.LatencyTestType)
	}
	if c.LatencyTestPort < 0 || c.LatencyTestPort > 65535 {
		return fmt.Errorf("%w: latency test port %d", ErrInvalidConfig, c.LatencyTestPort)
	}
	if c.StartTimeout < 0 {
		return fmt.Errorf("%w: negative start timeout", ErrInvalidConfig)
	}
	if err := c.LatencyUpdateConfig.Validate(); err != nil {
		return fmt.Errorf("latency update: %w", err)
	}
	if err := c.LocationUpdateConfig.Validate(); err != nil {
		return fmt.Errorf("location update: %w", err)
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.NewFindCloudletEventTriggers = append([]model.FindCloudletEventTrigger(nil), c.NewFindCloudletEventTriggers...)
	return &out
}

// Load reads a YAML configuration. Fields absent from the file keep their
// Default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
