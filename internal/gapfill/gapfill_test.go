package gapfill

import (
	"testing"
	"time"
)

func TestDetectGapsFindsHole(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	interval := 15 * time.Minute

	// Regular samples, with two hours missing mid-morning.
	var timestamps []time.Time
	for ts := now.Add(-24 * time.Hour); ts.Before(now); ts = ts.Add(interval) {
		if ts.After(now.Add(-5*time.Hour)) && ts.Before(now.Add(-3*time.Hour)) {
			continue
		}
		timestamps = append(timestamps, ts)
	}

	gaps := DetectGaps(timestamps, interval, now)
	if len(gaps) != 1 {
		t.Fatalf("expected 1 gap, got %d: %v", len(gaps), gaps)
	}
	if gaps[0].To.Sub(gaps[0].From) < 2*time.Hour {
		t.Errorf("gap too short: %v", gaps[0])
	}
}

func TestDetectGapsToleratesJitter(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	interval := 15 * time.Minute

	// Up to 2x the interval between samples is not a gap.
	var timestamps []time.Time
	for ts := now.Add(-24 * time.Hour); ts.Before(now); ts = ts.Add(interval + 10*time.Minute) {
		timestamps = append(timestamps, ts)
	}

	if gaps := DetectGaps(timestamps, interval, now); len(gaps) != 0 {
		t.Errorf("25-minute spacing on a 15-minute interval is not a gap: %v", gaps)
	}
}

func TestDetectGapsTrailingSilence(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	interval := 15 * time.Minute

	timestamps := []time.Time{
		now.Add(-4 * time.Hour),
		now.Add(-3*time.Hour - 45*time.Minute),
	}
	gaps := DetectGaps(timestamps, interval, now)
	if len(gaps) == 0 {
		t.Fatal("silence since last sample should be a gap")
	}
	last := gaps[len(gaps)-1]
	if !last.To.Equal(now) {
		t.Errorf("trailing gap should end at now, got %v", last.To)
	}
}

func TestDetectGapsEmptyHistory(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	gaps := DetectGaps(nil, 15*time.Minute, now)
	if len(gaps) != 1 {
		t.Fatalf("no data at all is one 24h gap, got %d", len(gaps))
	}
	if got := gaps[0].To.Sub(gaps[0].From); got != 24*time.Hour {
		t.Errorf("expected 24h gap, got %v", got)
	}
}

func TestDetectGapsIgnoresOldSamples(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	interval := 15 * time.Minute

	// Dense data older than 24h must not mask the in-window hole.
	var timestamps []time.Time
	for ts := now.Add(-48 * time.Hour); ts.Before(now.Add(-30 * time.Hour)); ts = ts.Add(interval) {
		timestamps = append(timestamps, ts)
	}
	for ts := now.Add(-2 * time.Hour); ts.Before(now); ts = ts.Add(interval) {
		timestamps = append(timestamps, ts)
	}

	gaps := DetectGaps(timestamps, interval, now)
	if len(gaps) != 1 {
		t.Fatalf("expected 1 gap covering the first 22h of the window, got %d", len(gaps))
	}
	if gaps[0].To.Sub(gaps[0].From) < 20*time.Hour {
		t.Errorf("gap should span the empty window start: %v", gaps[0])
	}
}
