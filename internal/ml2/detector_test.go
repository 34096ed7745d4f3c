package ml2

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/heatpilot/heatpilot/internal/types"
)

const (
	testLat = 59.33
	testLon = 18.07
)

func newTestDetector() *Detector {
	return NewDetector("villa-eriksson", testLat, testLon, DefaultDetectorConfig(), zap.NewNop().Sugar())
}

// seedBaseline feeds night observations so the outdoor baseline settles
// at the given temperature. Returns the last fed time.
func seedBaseline(d *Detector, start time.Time, outdoor float64) time.Time {
	t := start
	for i := 0; i < 8; i++ {
		d.Feed(types.Observation{
			Time:    t,
			Supply:  45,
			Return:  40,
			Indoor:  21,
			Outdoor: outdoor,
		})
		t = t.Add(15 * time.Minute)
	}
	return t
}

// A summer morning in Stockholm where the sun is comfortably above 10°.
func brightMorning() time.Time {
	return time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)
}

// Night before the bright morning; sun far below the baseline threshold.
func nightBefore() time.Time {
	return time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
}

func solarObservation(t time.Time) types.Observation {
	return types.Observation{
		Time:       t,
		Supply:     35.3,
		Return:     35.0, // delta 0.3
		Indoor:     22,
		Outdoor:    -5,
		CloudOctas: 1,
	}
}

func TestClearMorningEmitsOneEvent(t *testing.T) {
	d := newTestDetector()
	seedBaseline(d, nightBefore(), -5)

	// Four satisfying observations at 15-minute spacing: first to last
	// spans 45 minutes.
	start := brightMorning()
	var events []*types.SolarEvent
	for i := 0; i < 4; i++ {
		if ev := d.Feed(solarObservation(start.Add(time.Duration(i) * 15 * time.Minute))); ev != nil {
			events = append(events, ev)
		}
	}

	// Heating resumes: delta rises, event closes.
	closing := solarObservation(start.Add(60 * time.Minute))
	closing.Supply = 45
	closing.Return = 40
	if ev := d.Feed(closing); ev != nil {
		events = append(events, ev)
	}

	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Duration() != 45*time.Minute {
		t.Errorf("expected 45 min duration, got %v", ev.Duration())
	}
	if ev.ImpliedSolarML2 < 15 || ev.ImpliedSolarML2 > 80 {
		t.Errorf("implied coefficient %f out of [15, 80]", ev.ImpliedSolarML2)
	}
	if ev.EntityID != "villa-eriksson" {
		t.Errorf("unexpected entity %s", ev.EntityID)
	}
}

func TestShortEventIsDiscarded(t *testing.T) {
	d := newTestDetector()
	seedBaseline(d, nightBefore(), -5)

	start := brightMorning()
	d.Feed(solarObservation(start))
	d.Feed(solarObservation(start.Add(15 * time.Minute)))

	closing := solarObservation(start.Add(30 * time.Minute))
	closing.Supply = 45
	closing.Return = 40
	if ev := d.Feed(closing); ev != nil {
		t.Errorf("15-minute event should be discarded, got %+v", ev)
	}
}

func TestNoEventsAtNight(t *testing.T) {
	d := newTestDetector()
	end := seedBaseline(d, nightBefore(), -5)

	// Perfect solar conditions except the sun is below the horizon.
	obs := solarObservation(end)
	obs.Time = time.Date(2026, 1, 10, 23, 0, 0, 0, time.UTC)
	if ev := d.Feed(obs); ev != nil {
		t.Error("no event should open at night")
	}
	if d.current != nil {
		t.Error("no event accumulator should exist at night")
	}
}

func TestNoEventWithoutBaseline(t *testing.T) {
	d := newTestDetector()
	if d.Feed(solarObservation(brightMorning())); d.current != nil {
		t.Error("event opened before any baseline existed")
	}
}

func TestOvercastRequiresSensorAnomaly(t *testing.T) {
	d := newTestDetector()
	seedBaseline(d, nightBefore(), -5)

	start := brightMorning()
	overcast := solarObservation(start)
	overcast.CloudOctas = 6
	d.Feed(overcast)
	if d.current != nil {
		t.Fatal("overcast observation without sensor anomaly opened an event")
	}

	// Outdoor sensor 4 above baseline: the sensor overrides the grid.
	sunny := solarObservation(start.Add(15 * time.Minute))
	sunny.CloudOctas = 6
	sunny.Outdoor = -1
	d.Feed(sunny)
	if d.current == nil {
		t.Fatal("sensor anomaly under reported overcast should open an event")
	}
	if !d.current.sensorDetected {
		t.Error("event should be marked sensor-detected")
	}
}

func TestSensorDetectedOvercastUsesCloudOverride(t *testing.T) {
	d := newTestDetector()
	seedBaseline(d, nightBefore(), -8)

	// Sensor-driven event under reported octas 6: finalize substitutes
	// effective cloud 1.5, giving higher transmission and therefore a
	// lower implied coefficient than octas 6 would.
	start := brightMorning()
	for i := 0; i < 4; i++ {
		obs := solarObservation(start.Add(time.Duration(i) * 15 * time.Minute))
		obs.CloudOctas = 6
		obs.Outdoor = -2 // 6 above baseline
		d.Feed(obs)
	}
	closing := solarObservation(start.Add(60 * time.Minute))
	closing.Supply = 45
	closing.Return = 40
	closing.CloudOctas = 6
	closing.Outdoor = -2
	ev := d.Feed(closing)
	if ev == nil {
		t.Fatal("expected finalized event")
	}

	if !ev.SensorDetected {
		t.Fatal("expected sensor-detected event")
	}
	// With override 1.5: transmission 0.83; excursion 6 → implied ≈
	// 6/(sin(elev)·0.83), comfortably within the clamp for a summer
	// morning elevation.
	if ev.ImpliedSolarML2 < 15 || ev.ImpliedSolarML2 > 80 {
		t.Errorf("implied %f out of range", ev.ImpliedSolarML2)
	}
}

func TestEarlyWarningFlag(t *testing.T) {
	d := newTestDetector()
	seedBaseline(d, nightBefore(), -5)

	morning := brightMorning()
	warm := types.Observation{
		Time:    morning,
		Supply:  45,
		Return:  40,
		Indoor:  21,
		Outdoor: -1.5, // 3.5 above baseline
	}
	d.Feed(warm)
	if !d.EarlyWarningActive() {
		t.Error("expected early-warning flag after outdoor anomaly")
	}

	cooled := warm
	cooled.Time = morning.Add(15 * time.Minute)
	cooled.Outdoor = -4 // anomaly 1, below the clear threshold
	d.Feed(cooled)
	if d.EarlyWarningActive() {
		t.Error("expected early-warning flag cleared")
	}
}

func TestBaselineIsMedianOfNightWindow(t *testing.T) {
	b := newBaselineTracker(8)
	for _, v := range []float64{-5, -5, -4, -20, -5, -6, -5, -5} {
		b.accept(v)
	}
	median, ok := b.value()
	if !ok {
		t.Fatal("expected baseline")
	}
	if median != -5 {
		t.Errorf("expected median -5 despite outlier, got %f", median)
	}

	// Window slides: old samples drop off.
	for i := 0; i < 8; i++ {
		b.accept(-10)
	}
	median, _ = b.value()
	if median != -10 {
		t.Errorf("expected slid window median -10, got %f", median)
	}
}

func TestRingBufferDropsOldEntries(t *testing.T) {
	r := newRingBuffer(4)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		r.push(types.Observation{Time: base.Add(time.Duration(i) * time.Minute), Outdoor: float64(i)})
	}
	all := r.since(base)
	if len(all) != 4 {
		t.Fatalf("expected 4 retained observations, got %d", len(all))
	}
	if all[0].Outdoor != 2 || all[3].Outdoor != 5 {
		t.Errorf("unexpected retained window: %+v", all)
	}

	rise := r.outdoorRise(base.Add(5*time.Minute), 3*time.Minute)
	if rise != 3 { // from value 2 at t+2min to value 5 at t+5min
		t.Errorf("expected rise 3, got %f", rise)
	}
}
