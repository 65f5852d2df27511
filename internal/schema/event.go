// Package schema defines the canonical login event for authguard.
// All ingested events are normalized to this structure before evaluation.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// LoginEvent represents a single authentication attempt.
// Events are immutable once created; detectors consume them read-only.
type LoginEvent struct {
	// Required fields
	EventID   uuid.UUID `json:"event_id"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	SourceIP  string    `json:"source_ip" validate:"required,ip"`
	Username  string    `json:"username" validate:"required,max=256,username_format"`
	Host      string    `json:"host" validate:"required,max=256"`
	Outcome   Outcome   `json:"outcome" validate:"required,oneof=success failure"`

	// Optional fields
	Port int          `json:"port,omitempty" validate:"omitempty,min=0,max=65535"`
	Geo  *GeoLocation `json:"geo,omitempty"`
	Raw  string       `json:"raw,omitempty" validate:"max=65536"`

	// Internal fields (set by the ingestion boundary)
	SchemaVersion string    `json:"schema_version"`
	ReceivedAt    time.Time `json:"received_at"`
}

// GeoLocation holds the geolocation supplied by the upstream enrichment step.
type GeoLocation struct {
	Country   string  `json:"country,omitempty" validate:"max=64"`
	City      string  `json:"city,omitempty" validate:"max=128"`
	Latitude  float64 `json:"latitude" validate:"min=-90,max=90"`
	Longitude float64 `json:"longitude" validate:"min=-180,max=180"`
	Timezone  string  `json:"timezone,omitempty" validate:"max=64"`
}

// Outcome represents the result of a login attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// IsValid checks if the outcome is a valid value.
func (o Outcome) IsValid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// Failed reports whether the attempt was rejected.
func (e *LoginEvent) Failed() bool {
	return e.Outcome == OutcomeFailure
}

// HasGeo reports whether the event carries usable coordinates.
func (e *LoginEvent) HasGeo() bool {
	return e.Geo != nil && (e.Geo.Latitude != 0 || e.Geo.Longitude != 0)
}

// SchemaVersionCurrent is the current version of the event schema.
const SchemaVersionCurrent = "1.0.0"
