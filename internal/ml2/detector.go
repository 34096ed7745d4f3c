package ml2

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heatpilot/heatpilot/internal/model"
	"github.com/heatpilot/heatpilot/internal/types"
)

// DetectorConfig holds the solar-event detection thresholds.
type DetectorConfig struct {
	BufferHours          int           // observation ring span, default 24
	MinEventDuration     time.Duration // default 30 min
	MaxDelta             float64       // supply-return delta ceiling, default 0.5
	MinIndoorAboveBase   float64       // cold-weather indicator, default 5
	MinSunElevation      float64       // degrees, default 10
	MaxCloudOctas        float64       // forecast-grid cloud ceiling, default 3
	BaselineMaxElevation float64       // accept baseline samples below, default 5
	BaselineWindow       int           // baseline median window, default 8
	SensorAnomalyAbs     float64       // outdoor above baseline, default 4
	SensorAnomalyRise    float64       // outdoor rise over 30 min, default 3
	WindCoefficient      float64       // for the physics fallback, default 0.15

	// EffectiveCloudOverride replaces the reported cloud cover during
	// coefficient back-calculation when the sensor triggered the event
	// but the forecast grid claimed overcast. Empirical; default 1.5.
	EffectiveCloudOverride float64
}

// DefaultDetectorConfig returns the production thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		BufferHours:            24,
		MinEventDuration:       30 * time.Minute,
		MaxDelta:               0.5,
		MinIndoorAboveBase:     5,
		MinSunElevation:        10,
		MaxCloudOctas:          3,
		BaselineMaxElevation:   5,
		BaselineWindow:         8,
		SensorAnomalyAbs:       4,
		SensorAnomalyRise:      3,
		WindCoefficient:        0.15,
		EffectiveCloudOverride: 1.5,
	}
}

// Coefficient clamps per implied-coefficient method.
const (
	impliedMinPrimary  = 15.0
	impliedMaxPrimary  = 80.0
	impliedMinFallback = 15.0
	impliedMaxFallback = 60.0
)

// Detector consumes one observation per worker tick and emits finalized
// solar events. It owns the outdoor baseline tracker, the observation
// ring and the in-flight event accumulator.
type Detector struct {
	entityID string
	lat, lon float64
	cfg      DetectorConfig
	logger   *zap.SugaredLogger

	buffer   *ringBuffer
	baseline *baselineTracker
	current  *eventAccumulator

	earlyWarning bool
}

// NewDetector creates a detector for one entity.
func NewDetector(entityID string, lat, lon float64, cfg DetectorConfig, logger *zap.SugaredLogger) *Detector {
	return &Detector{
		entityID: entityID,
		lat:      lat,
		lon:      lon,
		cfg:      cfg,
		logger:   logger.Named("ml2").With("entity", entityID),
		buffer:   newRingBuffer(cfg.BufferHours * 4),
		baseline: newBaselineTracker(cfg.BaselineWindow),
	}
}

// eventAccumulator is the running "current event".
type eventAccumulator struct {
	start          time.Time
	last           time.Time
	observations   []types.Observation
	sunElevations  []float64
	sensorDetected bool
}

// Feed processes one observation. When the observation closes an event of
// sufficient duration, the finalized event is returned; otherwise nil.
func (d *Detector) Feed(obs types.Observation) *types.SolarEvent {
	sunElev := model.SunElevation(obs.Time, d.lat, d.lon)

	// Night readings feed the outdoor baseline.
	if sunElev < d.cfg.BaselineMaxElevation {
		d.baseline.accept(obs.Outdoor)
	}

	d.buffer.push(obs)
	d.updateEarlyWarning(obs, sunElev)

	if d.satisfiesSolarCondition(obs, sunElev) {
		if d.current == nil {
			d.current = &eventAccumulator{start: obs.Time}
			d.logger.Debugw("Solar event opened", "start", obs.Time)
		}
		d.current.last = obs.Time
		d.current.observations = append(d.current.observations, obs)
		d.current.sunElevations = append(d.current.sunElevations, sunElev)
		if d.sensorAnomaly(obs) {
			d.current.sensorDetected = true
		}
		return nil
	}

	// First non-satisfying observation closes the event.
	if d.current == nil {
		return nil
	}
	event := d.finalize()
	d.current = nil
	return event
}

// EarlyWarningActive reports the predictive solar-reduction hint,
// independent of event finalization.
func (d *Detector) EarlyWarningActive() bool {
	return d.earlyWarning
}

func (d *Detector) satisfiesSolarCondition(obs types.Observation, sunElev float64) bool {
	baseline, ok := d.baseline.value()
	if !ok {
		return false
	}
	if obs.Delta() >= d.cfg.MaxDelta {
		return false
	}
	if obs.Indoor-baseline < d.cfg.MinIndoorAboveBase {
		return false
	}
	if sunElev <= d.cfg.MinSunElevation {
		return false
	}
	return obs.CloudOctas < d.cfg.MaxCloudOctas || d.sensorAnomaly(obs)
}

// sensorAnomaly is true when the outdoor sensor itself indicates direct
// sun: reading well above the night baseline, or a rapid recent rise.
func (d *Detector) sensorAnomaly(obs types.Observation) bool {
	if baseline, ok := d.baseline.value(); ok && obs.Outdoor-baseline >= d.cfg.SensorAnomalyAbs {
		return true
	}
	return d.buffer.outdoorRise(obs.Time, 30*time.Minute) >= d.cfg.SensorAnomalyRise
}

func (d *Detector) updateEarlyWarning(obs types.Observation, sunElev float64) {
	baseline, ok := d.baseline.value()
	if !ok {
		return
	}
	anomaly := obs.Outdoor - baseline
	if sunElev >= d.cfg.BaselineMaxElevation &&
		(anomaly >= 3 || d.buffer.outdoorRise(obs.Time, 15*time.Minute) >= 2) {
		d.earlyWarning = true
	} else if anomaly < 2 {
		d.earlyWarning = false
	}
}

func (d *Detector) finalize() *types.SolarEvent {
	acc := d.current
	duration := acc.last.Sub(acc.start)
	if duration < d.cfg.MinEventDuration {
		d.logger.Debugw("Solar event discarded", "duration", duration)
		return nil
	}

	var sumOutdoor, sumIndoor, sumCloud, sumWind, sumElev float64
	for _, obs := range acc.observations {
		sumOutdoor += obs.Outdoor
		sumIndoor += obs.Indoor
		sumCloud += obs.CloudOctas
		sumWind += obs.WindSpeed
	}
	for _, elev := range acc.sunElevations {
		sumElev += elev
	}
	n := float64(len(acc.observations))
	meanOutdoor := sumOutdoor / n
	meanIndoor := sumIndoor / n
	meanCloud := sumCloud / n
	meanWind := sumWind / n
	meanElev := sumElev / n

	// Believe the sensor over the forecast grid: if the sensor triggered
	// the event under reported overcast, back-calculate with the
	// effective cloud override instead.
	effectiveCloud := meanCloud
	if acc.sensorDetected && meanCloud >= d.cfg.MaxCloudOctas {
		effectiveCloud = d.cfg.EffectiveCloudOverride
	}

	baseline, haveBaseline := d.baseline.value()
	implied := d.impliedCoefficient(meanOutdoor, meanIndoor, meanWind, meanElev, effectiveCloud, baseline, haveBaseline)

	event := &types.SolarEvent{
		ID:              uuid.NewString(),
		EntityID:        d.entityID,
		Start:           acc.start,
		End:             acc.last,
		MeanOutdoor:     meanOutdoor,
		MeanBaseline:    baseline,
		MeanIndoor:      meanIndoor,
		MeanCloudOctas:  meanCloud,
		MeanSunElev:     meanElev,
		SensorDetected:  acc.sensorDetected,
		ImpliedSolarML2: implied,
	}
	d.logger.Infow("Solar event finalized",
		"duration", duration, "implied", implied, "sensorDetected", acc.sensorDetected)
	return event
}

// impliedCoefficient back-calculates the solar coefficient that explains
// the event. Primary method uses the outdoor-sensor excursion above the
// night baseline; the physics fallback runs when no baseline exists yet.
func (d *Detector) impliedCoefficient(meanOutdoor, meanIndoor, meanWind, meanElev, effectiveCloud, baseline float64, haveBaseline bool) float64 {
	intensity := math.Sin(meanElev * math.Pi / 180)
	transmission := model.CloudTransmission(effectiveCloud)
	combined := intensity * transmission
	if combined <= 0 {
		return impliedMinPrimary
	}

	if haveBaseline {
		implied := (meanOutdoor - baseline) / combined
		return clamp(implied, impliedMinPrimary, impliedMaxPrimary)
	}

	windEffect := d.cfg.WindCoefficient * math.Sqrt(math.Max(0, meanWind))
	implied := (meanIndoor - meanOutdoor + windEffect) / combined
	return clamp(implied, impliedMinFallback, impliedMaxFallback)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// baselineTracker keeps the night-time outdoor readings and reports their
// median as the sensor baseline.
type baselineTracker struct {
	window  int
	samples []float64
}

func newBaselineTracker(window int) *baselineTracker {
	if window < 1 {
		window = 8
	}
	return &baselineTracker{window: window}
}

func (b *baselineTracker) accept(outdoor float64) {
	b.samples = append(b.samples, outdoor)
	if len(b.samples) > b.window {
		b.samples = b.samples[len(b.samples)-b.window:]
	}
}

func (b *baselineTracker) value() (float64, bool) {
	if len(b.samples) == 0 {
		return 0, false
	}
	sorted := append([]float64(nil), b.samples...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], true
	}
	return (sorted[mid-1] + sorted[mid]) / 2, true
}
