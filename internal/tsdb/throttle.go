package tsdb

import (
	"sync"
	"time"
)

// throttle enforces minimum inter-write intervals for a small set of
// measurements, keyed by (measurement, entity_id). It protects the store
// against write storms from abnormal restarts. The first write after
// process start is always allowed.
type throttle struct {
	mu    sync.Mutex
	rules map[string]time.Duration
	last  map[throttleKey]time.Time
}

type throttleKey struct {
	measurement string
	entityID    string
}

func defaultThrottleRules() map[string]time.Duration {
	return map[string]time.Duration{
		MeasKCalibrationHistory: time.Hour,
		MeasWeatherCoeffsML2:    10 * time.Minute,
	}
}

func newThrottle(rules map[string]time.Duration) *throttle {
	return &throttle{
		rules: rules,
		last:  make(map[throttleKey]time.Time),
	}
}

// allow reports whether a write at ts may proceed, recording it if so.
func (t *throttle) allow(measurement, entityID string, ts time.Time) bool {
	minInterval, throttled := t.rules[measurement]
	if !throttled {
		return true
	}

	key := throttleKey{measurement, entityID}
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, seen := t.last[key]; seen {
		if ts.Sub(prev) < minInterval {
			return false
		}
	}
	t.last[key] = ts
	return true
}
