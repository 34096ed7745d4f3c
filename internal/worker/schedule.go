package worker

import (
	"hash/fnv"
	"time"
)

// maxJitter bounds the deterministic per-entity tick stagger.
const maxJitter = 30 * time.Second

// Jitter returns the entity's fixed tick stagger, derived from its id so
// restarts keep the same offset and co-located entities spread out.
func Jitter(entityID string) time.Duration {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return time.Duration(h.Sum32()%uint32(maxJitter/time.Millisecond)) * time.Millisecond
}

// NextTick returns the next boundary-aligned tick strictly after now.
// Boundaries are wall-clock minutes where minute % interval == 0; the
// returned fire time adds the global offset plus the entity jitter. A
// worker that overruns simply computes its next tick from the later
// time and thereby skips forward; ticks never fire retroactively.
func NextTick(now time.Time, interval time.Duration, jitter, offset time.Duration) (boundary, fireAt time.Time) {
	boundary = now.Truncate(interval)
	if !boundary.After(now) {
		boundary = boundary.Add(interval)
	}
	return boundary, boundary.Add(offset + jitter)
}
