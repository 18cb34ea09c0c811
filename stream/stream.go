// Package stream implements the keep-alive tracker for outbound media
// streams. Each tracked stream runs an acknowledged heartbeat state machine:
// periodic keep_alive frames to the device, per-heartbeat ack timeouts, and
// a consecutive-miss threshold that moves the stream to TIMEOUT.
//
// Every timer is a cancellable deadline owned by the tracked stream; every
// path that removes a stream cancels its heartbeat timer and all outstanding
// ack timers.
package stream

import (
	"time"
)

// Status is the lifecycle state of a tracked stream.
type Status int

const (
	StatusInitializing Status = iota
	StatusActive
	StatusStopping
	StatusStopped
	StatusTimeout
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusActive:
		return "active"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// terminal reports whether no further heartbeats may be sent in this state.
func (s Status) terminal() bool {
	return s == StatusStopped || s == StatusTimeout
}

// Config holds the keep-alive timing parameters.
type Config struct {
	HeartbeatInterval time.Duration
	AckTimeout        time.Duration
	MaxMissed         int
	InactivityCeiling time.Duration
}

// DefaultConfig returns the production keep-alive timings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		AckTimeout:        5 * time.Second,
		MaxMissed:         3,
		InactivityCeiling: 60 * time.Second,
	}
}

// Sender delivers a keep_alive frame for a stream. Delivery is best effort;
// an undeliverable heartbeat simply goes unacknowledged.
type Sender func(streamID, heartbeatID string)

// Stream is the tracked state of one outbound media stream. All fields are
// guarded by the owning Tracker's lock.
type Stream struct {
	ID      string
	Package string

	status       Status
	createdAt    time.Time
	lastActivity time.Time
	missed       int

	hbTimer     *time.Timer
	outstanding map[string]*time.Timer
}
