// Package ml2 implements the second-generation learned-weather-coefficient
// track: the solar-event detector, the coefficient update loop and the
// thermal-lag tracker. All state is per-worker and in-memory.
package ml2

import (
	"time"

	"github.com/heatpilot/heatpilot/internal/types"
)

// ringBuffer keeps the most recent observations in a fixed-size ring so
// old entries drop implicitly. Pre-sized at creation (buffer_hours × 4).
type ringBuffer struct {
	items []types.Observation
	head  int
	count int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{items: make([]types.Observation, capacity)}
}

func (r *ringBuffer) push(obs types.Observation) {
	r.items[r.head] = obs
	r.head = (r.head + 1) % len(r.items)
	if r.count < len(r.items) {
		r.count++
	}
}

// since returns the buffered observations at or after t, oldest first.
func (r *ringBuffer) since(t time.Time) []types.Observation {
	out := make([]types.Observation, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += len(r.items)
	}
	for i := 0; i < r.count; i++ {
		obs := r.items[(start+i)%len(r.items)]
		if !obs.Time.Before(t) {
			out = append(out, obs)
		}
	}
	return out
}

// outdoorRise returns how much the outdoor reading rose between the oldest
// buffered observation within the window and the newest one. Returns 0
// when fewer than two observations are in the window.
func (r *ringBuffer) outdoorRise(now time.Time, window time.Duration) float64 {
	obs := r.since(now.Add(-window))
	if len(obs) < 2 {
		return 0
	}
	return obs[len(obs)-1].Outdoor - obs[0].Outdoor
}
