package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidLatitude is returned when a latitude is outside [-90, 90].
var ErrInvalidLatitude = errors.New("invalid latitude")

// ErrInvalidLongitude is returned when a longitude is outside [-180, 180].
var ErrInvalidLongitude = errors.New("invalid longitude")

// Location is a GPS fix. This structure is serialised as JSON both in the
// discovery requests and in the edge events stream.
type Location struct {
	// Latitude in degrees, within [-90, 90].
	Latitude float64 `json:"latitude"`

	// Longitude in degrees, within [-180, 180].
	Longitude float64 `json:"longitude"`

	// HorizontalAccuracy is the radius of uncertainty in meters.
	HorizontalAccuracy float64 `json:"horizontal_accuracy,omitempty"`

	// VerticalAccuracy is the altitude uncertainty in meters.
	VerticalAccuracy float64 `json:"vertical_accuracy,omitempty"`

	// Altitude in meters.
	Altitude float64 `json:"altitude,omitempty"`

	// Course in degrees from true north.
	Course float64 `json:"course,omitempty"`

	// Speed in meters per second.
	Speed float64 `json:"speed,omitempty"`

	// Timestamp is when the fix was obtained.
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Validate checks the latitude and longitude ranges.
func (l Location) Validate() error {
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("%w: %f", ErrInvalidLatitude, l.Latitude)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("%w: %f", ErrInvalidLongitude, l.Longitude)
	}
	return nil
}

// ValidateLocation is a helper that validates a possibly nil location.
func ValidateLocation(l *Location) error {
	if l == nil {
		return fmt.Errorf("%w: missing location", ErrInvalidLatitude)
	}
	return l.Validate()
}
