package energy

import (
	"math"
	"sort"
	"testing"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/heatpilot/heatpilot/internal/tsdb"
)

func TestCalibrateFifteenUniformDays(t *testing.T) {
	// 15 days whose per-day k values span 0.040..0.090 uniformly.
	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	const n = 15
	step := 0.050 / float64(n-1)

	kDays := make([]float64, n)
	days := make([]DaySample, n)
	for i := 0; i < n; i++ {
		k := 0.040 + float64(i)*step
		kDays[i] = k
		days[i] = DaySample{
			Day:         now.AddDate(0, 0, -n+i),
			HeatingKWH:  k * 20 * 24, // ΔT = 20
			IndoorMean:  20,
			OutdoorMean: 0,
		}
	}

	result, err := CalibrateDays(days, 0.15, now)
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}

	sort.Float64s(kDays)
	if math.Abs(result.KValue-kDays[2]) > 1e-9 {
		t.Errorf("expected 15th percentile sorted[2]=%f, got %f", kDays[2], result.KValue)
	}
	if result.DaysUsed != n {
		t.Errorf("expected 15 days used, got %d", result.DaysUsed)
	}

	median := stat.Quantile(0.5, stat.Empirical, kDays, nil)
	stddev := stat.StdDev(kDays, nil)
	expected := math.Min(1, float64(n)/14) * math.Max(0.5, 1-stddev/median)
	if math.Abs(result.Confidence-expected) > 1e-3 {
		t.Errorf("expected confidence %f, got %f", expected, result.Confidence)
	}
}

func TestCalibrateSkipsNonPositiveDeltaT(t *testing.T) {
	now := time.Now()
	days := []DaySample{
		{HeatingKWH: 24, IndoorMean: 20, OutdoorMean: 10}, // k = 0.1
		{HeatingKWH: 24, IndoorMean: 20, OutdoorMean: 15}, // k = 0.2
		{HeatingKWH: 24, IndoorMean: 20, OutdoorMean: 18}, // k = 0.5
		{HeatingKWH: 24, IndoorMean: 20, OutdoorMean: 22}, // ΔT < 0: skipped
		{HeatingKWH: 24, IndoorMean: 20, OutdoorMean: 20}, // ΔT = 0: skipped
	}
	result, err := CalibrateDays(days, 0.15, now)
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if result.DaysUsed != 3 {
		t.Errorf("expected 3 usable days, got %d", result.DaysUsed)
	}
}

func TestCalibrateRequiresThreeDays(t *testing.T) {
	now := time.Now()
	days := []DaySample{
		{HeatingKWH: 24, IndoorMean: 20, OutdoorMean: 10},
		{HeatingKWH: 24, IndoorMean: 20, OutdoorMean: 12},
	}
	if _, err := CalibrateDays(days, 0.15, now); err == nil {
		t.Fatal("expected error with only 2 usable days")
	}
}

func TestCalibrateIgnoresZeroHeatingDays(t *testing.T) {
	now := time.Now()
	days := []DaySample{
		{HeatingKWH: 0, IndoorMean: 20, OutdoorMean: 0},
		{HeatingKWH: 48, IndoorMean: 20, OutdoorMean: 0},
		{HeatingKWH: 48, IndoorMean: 20, OutdoorMean: 10},
		{HeatingKWH: 48, IndoorMean: 20, OutdoorMean: 15},
	}
	result, err := CalibrateDays(days, 0.15, now)
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if result.DaysUsed != 3 {
		t.Errorf("zero-heating day should not count, got %d days", result.DaysUsed)
	}
}

func TestCalibrationWindowExcludesCurrentDay(t *testing.T) {
	loc := stockholm()
	// 23:30 UTC on March 9 is already 00:30 local on March 10: the window
	// must end at the local midnight that opened the in-progress day.
	now := time.Date(2026, 3, 9, 23, 30, 0, 0, time.UTC)
	from, to := calibrationWindow(now, 30, loc)

	wantTo := time.Date(2026, 3, 10, 0, 0, 0, 0, loc)
	if !to.Equal(wantTo) {
		t.Errorf("expected window end %v, got %v", wantTo, to)
	}
	if !from.Equal(wantTo.AddDate(0, 0, -30)) {
		t.Errorf("expected 30 complete days, got from=%v", from)
	}
	if to.After(now) {
		t.Errorf("window end %v reaches past now %v", to, now)
	}
}

func TestSamplesByDayKeysWindowStarts(t *testing.T) {
	loc := stockholm()
	samples := []tsdb.Sample{
		{Time: time.Date(2026, 3, 8, 0, 0, 0, 0, loc), Value: 120},
		{Time: time.Date(2026, 3, 9, 0, 0, 0, 0, loc), Value: 130},
	}
	byDay := samplesByDay(samples, loc)
	if len(byDay) != 2 {
		t.Fatalf("start-stamped aggregates from consecutive days must not collide, got %d keys", len(byDay))
	}
	if got := byDay[time.Date(2026, 3, 9, 0, 0, 0, 0, loc)]; got != 130 {
		t.Errorf("expected March 9 value 130, got %f", got)
	}
}

func TestConfidenceFloorsAtHalfStability(t *testing.T) {
	now := time.Now()
	// Wildly scattered k values push stddev/median far past 1; the
	// stability term floors at 0.5.
	days := []DaySample{
		{HeatingKWH: 4.8, IndoorMean: 20, OutdoorMean: 0},   // k = 0.01
		{HeatingKWH: 480, IndoorMean: 20, OutdoorMean: 0},   // k = 1.0
		{HeatingKWH: 960, IndoorMean: 20, OutdoorMean: 0},   // k = 2.0
		{HeatingKWH: 0.48, IndoorMean: 20, OutdoorMean: 0},  // k = 0.001
		{HeatingKWH: 2400, IndoorMean: 20, OutdoorMean: 0},  // k = 5.0
	}
	result, err := CalibrateDays(days, 0.15, now)
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	expected := math.Min(1, 5.0/14) * 0.5
	if math.Abs(result.Confidence-expected) > 1e-9 {
		t.Errorf("expected floored confidence %f, got %f", expected, result.Confidence)
	}
}
