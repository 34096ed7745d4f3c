// Package config loads and persists entity configuration records from the
// profiles/ (houses) and buildings/ (commercial) directories.
package config

import (
	"fmt"
	"time"

	"github.com/heatpilot/heatpilot/internal/types"
)

// Default poll intervals per entity kind, in minutes.
const (
	DefaultHousePollMinutes    = 15
	DefaultBuildingPollMinutes = 5
)

// Location is the entity's geographic position.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Connection describes how to reach the entity's BMS.
type Connection struct {
	System        string `json:"system"` // "portal", "direct" or "ebo"
	Host          string `json:"host,omitempty"`
	BaseURL       string `json:"base_url,omitempty"`
	CredentialRef string `json:"credential_ref,omitempty"`
	Domain        string `json:"domain,omitempty"`
}

// Signal maps a canonical field name to a protocol-specific signal.
type Signal struct {
	SignalID      string `json:"signal_id"`
	FieldName     string `json:"field_name"`
	Fetch         bool   `json:"fetch"`
	Category      string `json:"category,omitempty"`
	Unit          string `json:"unit,omitempty"`
	WriteOnChange bool   `json:"write_on_change,omitempty"`
}

// EnergySeparation configures the daily heating/DHW split and k calibration.
type EnergySeparation struct {
	Enabled           bool              `json:"enabled"`
	Method            string            `json:"method,omitempty"` // "k_calibration" or "dhw_on_demand"
	HeatLossK         float64           `json:"heat_loss_k,omitempty"`
	KPercentile       float64           `json:"k_percentile,omitempty"`
	CalibrationDate   string            `json:"calibration_date,omitempty"`
	CalibrationDays   int               `json:"calibration_days,omitempty"`
	AssumedIndoorTemp float64           `json:"assumed_indoor_temp,omitempty"`
	FieldMapping      map[string]string `json:"field_mapping,omitempty"`
}

// WeatherCoefficients holds the ML2-learned weather model coefficients.
type WeatherCoefficients struct {
	SolarCoefficientML2   float64   `json:"solar_coefficient_ml2"`
	WindCoefficientML2    float64   `json:"wind_coefficient_ml2"`
	SolarConfidenceML2    float64   `json:"solar_confidence_ml2"`
	TotalSolarEvents      int       `json:"total_solar_events"`
	EventsSinceLastUpdate int       `json:"events_since_last_update"`
	NextUpdateAtEvents    int       `json:"next_update_at_events"`
	UpdatedAt             time.Time `json:"updated_at,omitempty"`
}

// ThermalTiming holds the learned building response lags.
type ThermalTiming struct {
	HeatUpLagMinutes   float64   `json:"heat_up_lag_minutes"`
	CoolDownLagMinutes float64   `json:"cool_down_lag_minutes"`
	Confidence         float64   `json:"confidence"`
	TransitionCount    int       `json:"transition_count"`
	UpdatedAt          time.Time `json:"updated_at,omitempty"`
}

// Learned groups everything the online learners persist back to the record.
type Learned struct {
	WeatherCoefficients          WeatherCoefficients `json:"weather_coefficients"`
	ThermalTiming                ThermalTiming       `json:"thermal_timing"`
	HourlyBias                   []float64           `json:"hourly_bias,omitempty"`
	ThermalCoefficient           float64             `json:"thermal_coefficient,omitempty"`
	ThermalCoefficientConfidence float64             `json:"thermal_coefficient_confidence,omitempty"`
}

// Entity is one configured house or building.
type Entity struct {
	SchemaVersion       int               `json:"schema_version"`
	EntityID            string            `json:"entity_id,omitempty"`
	BuildingID          string            `json:"building_id,omitempty"`
	FriendlyName        string            `json:"friendly_name"`
	Location            Location          `json:"location"`
	Connection          Connection        `json:"connection"`
	PollIntervalMinutes int               `json:"poll_interval_minutes,omitempty"`
	SignalMap           map[string]Signal `json:"signal_map"`
	EnergySeparation    EnergySeparation  `json:"energy_separation"`
	Learned             Learned           `json:"learned"`
	MeterIDs            []string          `json:"meter_ids,omitempty"`

	// Kind is derived from which directory the record was loaded from,
	// not serialized.
	Kind types.EntityKind `json:"-"`
}

// ID returns the entity identifier regardless of which legacy field carries it.
func (e *Entity) ID() string {
	if e.EntityID != "" {
		return e.EntityID
	}
	return e.BuildingID
}

// PollInterval returns the effective poll interval.
func (e *Entity) PollInterval() time.Duration {
	if e.PollIntervalMinutes > 0 {
		return time.Duration(e.PollIntervalMinutes) * time.Minute
	}
	if e.Kind == types.KindBuilding {
		return DefaultBuildingPollMinutes * time.Minute
	}
	return DefaultHousePollMinutes * time.Minute
}

// FetchSignals returns the signals the worker polls each iteration,
// keyed by canonical field name.
func (e *Entity) FetchSignals() map[string]Signal {
	out := make(map[string]Signal, len(e.SignalMap))
	for name, sig := range e.SignalMap {
		if !sig.Fetch {
			continue
		}
		field := sig.FieldName
		if field == "" {
			field = name
		}
		out[field] = sig
	}
	return out
}

// Validate checks the fields the supervisor requires before spawning a worker.
func (e *Entity) Validate() error {
	if e.ID() == "" {
		return fmt.Errorf("entity record has no entity_id or building_id")
	}
	if e.Connection.System == "" {
		return fmt.Errorf("entity [%s] has no connection.system", e.ID())
	}
	if e.Location.Latitude == 0 && e.Location.Longitude == 0 {
		return fmt.Errorf("entity [%s] has no location", e.ID())
	}
	if len(e.SignalMap) == 0 {
		return fmt.Errorf("entity [%s] has an empty signal_map", e.ID())
	}
	return nil
}

// KPercentile returns the calibration percentile, defaulting to 0.15.
func (e *Entity) KPercentile() float64 {
	if e.EnergySeparation.KPercentile > 0 {
		return e.EnergySeparation.KPercentile
	}
	return 0.15
}

// CalibrationDays returns the calibration window, defaulting to 30 days.
func (e *Entity) CalibrationDays() int {
	if e.EnergySeparation.CalibrationDays > 0 {
		return e.EnergySeparation.CalibrationDays
	}
	return 30
}
