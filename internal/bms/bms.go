// Package bms defines the common capability set of the building
// management system adapters and the shared value types.
package bms

import (
	"context"
	"errors"
	"time"
)

// ErrUnauthorized indicates a rejected or expired session. Workers react
// by performing one full re-authentication within the iteration.
var ErrUnauthorized = errors.New("bms: unauthorized")

// ErrNoSession indicates a read attempted before authentication.
var ErrNoSession = errors.New("bms: no active session")

// Standard adapter timeouts.
const (
	AuthTimeout    = 30 * time.Second
	ReadTimeout    = 60 * time.Second
	HistoryTimeout = 300 * time.Second
)

// Value is one live signal value, either numeric or boolean.
type Value struct {
	Float  float64
	Bool   bool
	IsBool bool
}

// AsFloat flattens the value for storage: booleans become 0/1.
func (v Value) AsFloat() float64 {
	if v.IsBool {
		if v.Bool {
			return 1
		}
		return 0
	}
	return v.Float
}

// Point is one historical sample.
type Point struct {
	Time  time.Time
	Value float64
}

// SignalInfo describes one discoverable signal, used at onboarding only.
type SignalInfo struct {
	ID    string
	Name  string
	Unit  string
	Value Value
}

// Adapter is the capability set shared by all BMS protocol variants.
// Implementations keep their own session state; no state is shared
// across variants.
type Adapter interface {
	// Authenticate establishes or refreshes the upstream session.
	Authenticate(ctx context.Context) error

	// ReadCurrentValues fetches the live values for the given
	// protocol-specific signal identifiers.
	ReadCurrentValues(ctx context.Context, signalIDs []string) (map[string]Value, error)

	// ReadHistory fetches historical samples per signal for [from, to).
	ReadHistory(ctx context.Context, signalIDs []string, from, to time.Time, resolution time.Duration) (map[string][]Point, error)

	// Close releases the upstream session.
	Close(ctx context.Context) error
}

// AlarmReader is implemented by adapters whose upstream exposes alarms.
type AlarmReader interface {
	GetAlarms(ctx context.Context) ([]Alarm, error)
}

// SignalLister enumerates available signals with current values and
// units. Used by onboarding tooling, not by the polling loop.
type SignalLister interface {
	ListSignals(ctx context.Context) ([]SignalInfo, error)
}

// Alarm is re-exported for adapter implementations.
type Alarm struct {
	ID       string
	Path     string
	Message  string
	Priority int
	Raised   time.Time
}
