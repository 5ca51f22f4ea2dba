// Package platformx reports what the current platform lets latency probes do.
package platformx

import (
	"net"

	"github.com/apex/log"

	"github.com/edgexr/edge-events/logging"
)

// CanBindToDevice tells whether probes can be bound to a local interface.
const CanBindToDevice = canBindToDevice

// WarnIfNotFullySupported logs a warning when probes were asked to use
// device but the platform or the host cannot honor it. It returns whether
// probes will be bound to device.
func WarnIfNotFullySupported(device string) bool {
	if device == "" {
		return false
	}
	fields := log.Fields{"interface": device}
	if !CanBindToDevice {
		logging.Logger.WithFields(fields).Warn("This platform is not officially supported. Latency probes cannot be bound to a local interface and use the default route.")
		return false
	}
	if _, err := net.InterfaceByName(device); err != nil {
		logging.Logger.WithError(err).WithFields(fields).Warn("platformx: probe interface not found, probes will fail to bind")
		return false
	}
	return true
}
