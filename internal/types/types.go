// Package types holds the domain types shared between the entity workers,
// the learning components and the storage layer.
package types

import "time"

// EntityKind discriminates houses (portal-relayed) from commercial
// buildings (direct BMS connection).
type EntityKind string

const (
	KindHouse    EntityKind = "house"
	KindBuilding EntityKind = "building"
)

// Measurement returns the time-series measurement live readings for this
// kind of entity are written to.
func (k EntityKind) Measurement() string {
	if k == KindBuilding {
		return "building_system"
	}
	return "heating_system"
}

// Reading is one normalized snapshot of an entity's live signals, keyed by
// canonical field name. Values are rounded to 4 decimals; booleans are 0/1.
type Reading struct {
	EntityID  string
	Timestamp time.Time
	Fields    map[string]float64
}

// Observation is the per-tick input to the solar-event detector and the
// thermal-lag tracker.
type Observation struct {
	Time       time.Time
	Supply     float64
	Return     float64
	Indoor     float64
	Outdoor    float64
	CloudOctas float64
	WindSpeed  float64
}

// Delta returns the supply-return temperature difference.
func (o Observation) Delta() float64 {
	return o.Supply - o.Return
}

// WeatherObservation is one observed weather sample for a location.
type WeatherObservation struct {
	Time        time.Time
	Temperature float64
	WindSpeed   float64
	Humidity    float64
	CloudOctas  float64
	StationID   string
	DistanceKM  float64
}

// WeatherForecastPoint is one predicted hour of weather for a location.
type WeatherForecastPoint struct {
	Target      time.Time
	Temperature float64
	WindSpeed   float64
	Humidity    float64
	CloudOctas  float64
}

// LeadTimeHours returns the forecast lead time relative to now, in hours.
func (p WeatherForecastPoint) LeadTimeHours(now time.Time) float64 {
	return p.Target.Sub(now).Hours()
}

// EffectiveTemperature is the derived outdoor temperature with its
// component breakdown, stored alongside the raw observation.
type EffectiveTemperature struct {
	Value          float64
	WindEffect     float64
	HumidityEffect float64
	SolarEffect    float64
	SunElevation   float64
}

// SolarEvent is a finalized interval during which solar gain displaced the
// building's heating demand.
type SolarEvent struct {
	ID              string
	EntityID        string
	Start           time.Time
	End             time.Time
	MeanOutdoor     float64
	MeanBaseline    float64
	MeanIndoor      float64
	MeanCloudOctas  float64
	MeanSunElev     float64
	SensorDetected  bool
	ImpliedSolarML2 float64
}

// Duration returns the event length.
func (e SolarEvent) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// EnergyForecastPoint is one predicted hour of heating demand.
type EnergyForecastPoint struct {
	Target         time.Time
	HeatingPowerKW float64
	HeatingKWH     float64
	OutdoorTemp    float64
	EffectiveTemp  float64
	WindEffect     float64
	SolarEffect    float64
	LeadTimeHours  float64
}

// SeparatedDay is one Swedish-local calendar day of energy separated into
// heating and domestic hot water.
type SeparatedDay struct {
	Day          time.Time
	TotalKWH     float64
	HeatingKWH   float64
	DHWKWH       float64
	NoBreakdown  bool
	DataCoverage float64
	Confidence   float64
}

// CalibrationResult is the output of one k-value calibration run.
type CalibrationResult struct {
	KValue     float64
	KMedian    float64
	KStddev    float64
	DaysUsed   int
	Confidence float64
	AvgOutdoor float64
	Method     string
	RunAt      time.Time
}

// Alarm is one active alarm reported by a BMS.
type Alarm struct {
	ID       string
	Path     string
	Message  string
	Priority int
	Raised   time.Time
}
