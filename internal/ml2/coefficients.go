package ml2

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/heatpilot/heatpilot/pkg/config"
)

// Update schedule: first after 3 events, then after 6 more, then every 12.
var updateSchedule = []int{3, 6, 12}

const (
	// blendNewWeight is the weight of the fresh implied median when
	// blending with the running coefficient.
	blendNewWeight = 0.7

	// saturationEvents is the event count at which the count component
	// of the confidence saturates.
	saturationEvents = 20

	// heldWindCoefficient is kept for modern building envelopes.
	heldWindCoefficient = 0.15
)

// Learner maintains one entity's ML2 weather coefficients and applies the
// scheduled updates from finalized solar events.
type Learner struct {
	state   config.WeatherCoefficients
	implied []float64 // implied coefficients since the last update
}

// NewLearner resumes a learner from the persisted entity state.
func NewLearner(state config.WeatherCoefficients) *Learner {
	if state.SolarCoefficientML2 == 0 {
		state.SolarCoefficientML2 = 6.0
	}
	if state.WindCoefficientML2 == 0 {
		state.WindCoefficientML2 = heldWindCoefficient
	}
	if state.NextUpdateAtEvents == 0 {
		state.NextUpdateAtEvents = updateSchedule[0]
	}
	return &Learner{state: state}
}

// State returns the current coefficients for persistence.
func (l *Learner) State() config.WeatherCoefficients {
	return l.state
}

// RecordEvent registers one finalized event's implied coefficient and
// reports whether a scheduled update is now due.
func (l *Learner) RecordEvent(implied float64, at time.Time) bool {
	l.implied = append(l.implied, implied)
	l.state.TotalSolarEvents++
	l.state.EventsSinceLastUpdate++
	return l.state.EventsSinceLastUpdate >= l.state.NextUpdateAtEvents
}

// Update blends the recent implied coefficients into the running solar
// coefficient and advances the schedule. No-op when no events are queued.
func (l *Learner) Update(at time.Time) config.WeatherCoefficients {
	if len(l.implied) == 0 {
		return l.state
	}

	fresh := centralValue(l.implied)
	l.state.SolarCoefficientML2 = blendNewWeight*fresh + (1-blendNewWeight)*l.state.SolarCoefficientML2
	l.state.SolarConfidenceML2 = l.confidence()
	l.state.UpdatedAt = at
	l.state.EventsSinceLastUpdate = 0
	l.state.NextUpdateAtEvents = nextThreshold(l.state.NextUpdateAtEvents)
	l.implied = nil
	return l.state
}

// confidence blends inter-event stability with event-count saturation.
func (l *Learner) confidence() float64 {
	countComponent := math.Min(1, float64(l.state.TotalSolarEvents)/saturationEvents)

	stability := 1.0
	if len(l.implied) >= 2 {
		mean, stddev := stat.MeanStdDev(l.implied, nil)
		if mean > 0 {
			stability = math.Max(0, 1-stddev/mean)
		}
	}
	return 0.5*stability + 0.5*countComponent
}

// centralValue is the median of the implied values, or the mean when
// fewer than 3 events are available.
func centralValue(values []float64) float64 {
	if len(values) < 3 {
		return stat.Mean(values, nil)
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

func nextThreshold(current int) int {
	for i, threshold := range updateSchedule {
		if current == threshold && i+1 < len(updateSchedule) {
			return updateSchedule[i+1]
		}
	}
	return updateSchedule[len(updateSchedule)-1]
}
