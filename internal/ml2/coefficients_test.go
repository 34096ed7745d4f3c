package ml2

import (
	"math"
	"testing"
	"time"

	"github.com/heatpilot/heatpilot/pkg/config"
)

func TestLearnerDefaults(t *testing.T) {
	l := NewLearner(config.WeatherCoefficients{})
	state := l.State()
	if state.SolarCoefficientML2 != 6.0 {
		t.Errorf("expected default solar coefficient 6.0, got %f", state.SolarCoefficientML2)
	}
	if state.WindCoefficientML2 != 0.15 {
		t.Errorf("expected held wind coefficient 0.15, got %f", state.WindCoefficientML2)
	}
	if state.NextUpdateAtEvents != 3 {
		t.Errorf("expected first update after 3 events, got %d", state.NextUpdateAtEvents)
	}
}

func TestUpdateScheduleAdvances(t *testing.T) {
	l := NewLearner(config.WeatherCoefficients{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// First two events do not trigger an update.
	if l.RecordEvent(30, now) {
		t.Error("update due after 1 event")
	}
	if l.RecordEvent(32, now) {
		t.Error("update due after 2 events")
	}
	if !l.RecordEvent(34, now) {
		t.Fatal("update not due after 3 events")
	}

	state := l.Update(now)
	if state.NextUpdateAtEvents != 6 {
		t.Errorf("expected next threshold 6, got %d", state.NextUpdateAtEvents)
	}
	if state.EventsSinceLastUpdate != 0 {
		t.Errorf("expected reset event counter, got %d", state.EventsSinceLastUpdate)
	}
	if state.TotalSolarEvents != 3 {
		t.Errorf("expected 3 total events, got %d", state.TotalSolarEvents)
	}

	// Second round: 6 more events.
	for i := 0; i < 5; i++ {
		if l.RecordEvent(30, now) {
			t.Fatalf("update due after %d events of 6", i+1)
		}
	}
	if !l.RecordEvent(30, now) {
		t.Fatal("update not due after 6 more events")
	}
	state = l.Update(now)
	if state.NextUpdateAtEvents != 12 {
		t.Errorf("expected next threshold 12, got %d", state.NextUpdateAtEvents)
	}

	// The schedule then stays at 12.
	for i := 0; i < 12; i++ {
		l.RecordEvent(30, now)
	}
	state = l.Update(now)
	if state.NextUpdateAtEvents != 12 {
		t.Errorf("expected threshold to stay at 12, got %d", state.NextUpdateAtEvents)
	}
}

func TestUpdateBlendsMedianWithCurrent(t *testing.T) {
	l := NewLearner(config.WeatherCoefficients{SolarCoefficientML2: 10})
	now := time.Now()
	for _, implied := range []float64{28, 30, 70} { // median 30
		l.RecordEvent(implied, now)
	}
	state := l.Update(now)
	expected := 0.7*30 + 0.3*10
	if math.Abs(state.SolarCoefficientML2-expected) > 1e-9 {
		t.Errorf("expected blended coefficient %f, got %f", expected, state.SolarCoefficientML2)
	}
	if state.UpdatedAt != now {
		t.Error("expected UpdatedAt set")
	}
}

func TestUpdateUsesMeanForFewEvents(t *testing.T) {
	l := NewLearner(config.WeatherCoefficients{SolarCoefficientML2: 20})
	now := time.Now()
	l.RecordEvent(30, now)
	l.RecordEvent(40, now)
	state := l.Update(now)
	expected := 0.7*35 + 0.3*20
	if math.Abs(state.SolarCoefficientML2-expected) > 1e-9 {
		t.Errorf("expected %f, got %f", expected, state.SolarCoefficientML2)
	}
}

func TestConfidenceGrowsWithTightEvents(t *testing.T) {
	now := time.Now()

	tight := NewLearner(config.WeatherCoefficients{})
	for _, v := range []float64{30, 30.5, 29.5} {
		tight.RecordEvent(v, now)
	}
	tightState := tight.Update(now)

	loose := NewLearner(config.WeatherCoefficients{})
	for _, v := range []float64{15, 45, 75} {
		loose.RecordEvent(v, now)
	}
	looseState := loose.Update(now)

	if tightState.SolarConfidenceML2 <= looseState.SolarConfidenceML2 {
		t.Errorf("tight events should yield higher confidence: tight=%f loose=%f",
			tightState.SolarConfidenceML2, looseState.SolarConfidenceML2)
	}
	if tightState.SolarConfidenceML2 < 0 || tightState.SolarConfidenceML2 > 1 {
		t.Errorf("confidence out of [0,1]: %f", tightState.SolarConfidenceML2)
	}
}

func TestConfidenceSaturatesByTwentyEvents(t *testing.T) {
	l := NewLearner(config.WeatherCoefficients{})
	now := time.Now()
	for i := 0; i < 20; i++ {
		l.RecordEvent(30, now)
	}
	state := l.Update(now)
	if state.SolarConfidenceML2 < 0.99 {
		t.Errorf("expected saturated confidence, got %f", state.SolarConfidenceML2)
	}
}

func TestUpdateWithoutEventsIsNoOp(t *testing.T) {
	l := NewLearner(config.WeatherCoefficients{SolarCoefficientML2: 12})
	state := l.Update(time.Now())
	if state.SolarCoefficientML2 != 12 {
		t.Errorf("no-op update changed coefficient to %f", state.SolarCoefficientML2)
	}
}
