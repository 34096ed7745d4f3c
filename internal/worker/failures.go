package worker

import "time"

// escalateAfter is how long an entity may fail consecutively before the
// failure level escalates from warning to error.
const escalateAfter = 120 * time.Minute

// FailureTracker keeps the consecutive-failure wall clock for one
// entity. It tracks elapsed time, not iteration counts, so a slow poll
// interval escalates on the same schedule as a fast one.
type FailureTracker struct {
	failingSince time.Time
	escalated    bool
}

// Fail records a failed iteration. The first failure starts the clock.
func (f *FailureTracker) Fail(now time.Time) {
	if f.failingSince.IsZero() {
		f.failingSince = now
	}
}

// Succeed records a successful iteration. It returns how long the entity
// had been failing, and whether this success ends a failure streak.
func (f *FailureTracker) Succeed(now time.Time) (failedFor time.Duration, recovered bool) {
	if f.failingSince.IsZero() {
		return 0, false
	}
	failedFor = now.Sub(f.failingSince)
	f.failingSince = time.Time{}
	f.escalated = false
	return failedFor, true
}

// Failing reports whether a failure streak is active.
func (f *FailureTracker) Failing() bool {
	return !f.failingSince.IsZero()
}

// FailingSince returns the start of the current streak.
func (f *FailureTracker) FailingSince() time.Time {
	return f.failingSince
}

// Escalated reports whether the streak has crossed the escalation
// threshold. The first call past the threshold returns a transition so
// the caller emits the level change exactly once.
func (f *FailureTracker) Escalated(now time.Time) (escalated, transition bool) {
	if f.failingSince.IsZero() {
		return false, false
	}
	if now.Sub(f.failingSince) < escalateAfter {
		return false, false
	}
	if !f.escalated {
		f.escalated = true
		return true, true
	}
	return true, false
}
