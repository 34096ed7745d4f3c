package ml2

import (
	"math"
	"time"

	"github.com/heatpilot/heatpilot/pkg/config"
)

// Thermal-lag detection thresholds.
const (
	lagWindow          = 4 * time.Hour
	lagLookback        = 2 * time.Hour
	lagMinStep         = 3.0 // °C change in effective temperature
	lagMinResponse     = 0.5 // °C indoor movement in the same direction
	lagBlendBaseWeight = 0.3
	lagPendingLifetime = 4 * time.Hour
)

type lagSample struct {
	time   time.Time
	tEff   float64
	indoor float64
}

type pendingTransition struct {
	time      time.Time
	direction float64 // +1 warming, -1 cooling
	indoorAt  float64
}

// LagTracker learns the building's heat-up and cool-down response lags
// from effective-temperature steps followed by indoor movement.
type LagTracker struct {
	state   config.ThermalTiming
	samples []lagSample
	pending *pendingTransition
}

// NewLagTracker resumes a tracker from persisted entity state.
func NewLagTracker(state config.ThermalTiming) *LagTracker {
	return &LagTracker{state: state}
}

// State returns the learned timing for persistence.
func (t *LagTracker) State() config.ThermalTiming {
	return t.state
}

// Record feeds one tick. Returns true when a transition resolved and the
// learned lags changed.
func (t *LagTracker) Record(now time.Time, tEff, indoor float64) bool {
	t.samples = append(t.samples, lagSample{time: now, tEff: tEff, indoor: indoor})
	t.trim(now)

	if t.pending != nil && now.Sub(t.pending.time) > lagPendingLifetime {
		t.pending = nil
	}

	if t.pending == nil {
		if past, ok := t.sampleNear(now.Add(-lagLookback)); ok {
			step := tEff - past.tEff
			if math.Abs(step) >= lagMinStep {
				t.pending = &pendingTransition{
					time:      now,
					direction: math.Copysign(1, step),
					indoorAt:  indoor,
				}
			}
		}
		return false
	}

	// Resolve when indoor has moved far enough in the step's direction.
	indoorChange := (indoor - t.pending.indoorAt) * t.pending.direction
	if indoorChange < lagMinResponse {
		return false
	}

	lagMinutes := now.Sub(t.pending.time).Minutes()
	confidence := math.Min(1, math.Abs(indoor-t.pending.indoorAt))
	weight := lagBlendBaseWeight * confidence

	if t.pending.direction > 0 {
		t.state.HeatUpLagMinutes = blendLag(t.state.HeatUpLagMinutes, lagMinutes, weight)
	} else {
		t.state.CoolDownLagMinutes = blendLag(t.state.CoolDownLagMinutes, lagMinutes, weight)
	}
	t.state.TransitionCount++
	t.state.Confidence = math.Min(1, t.state.Confidence+0.1*confidence)
	t.state.UpdatedAt = now
	t.pending = nil
	return true
}

func blendLag(current, observed, weight float64) float64 {
	if current == 0 {
		return observed
	}
	return (1-weight)*current + weight*observed
}

func (t *LagTracker) trim(now time.Time) {
	cutoff := now.Add(-lagWindow)
	idx := 0
	for idx < len(t.samples) && t.samples[idx].time.Before(cutoff) {
		idx++
	}
	t.samples = t.samples[idx:]
}

// sampleNear finds the buffered sample closest to target, requiring it to
// be within half a lookback of the target.
func (t *LagTracker) sampleNear(target time.Time) (lagSample, bool) {
	var best lagSample
	bestDiff := time.Duration(math.MaxInt64)
	for _, s := range t.samples {
		diff := s.time.Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff {
			best, bestDiff = s, diff
		}
	}
	if bestDiff > lagLookback/2 {
		return lagSample{}, false
	}
	return best, true
}
