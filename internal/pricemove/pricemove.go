// Package pricemove measures percentage price movement over a sliding time
// window.
package pricemove

import (
	"sync"
	"time"
)

const maxSamples = 500

// Direction renders the sign of a movement as a word: "up", "down", or ""
// for flat.
func Direction(delta float64) string {
	switch {
	case delta > 0:
		return "up"
	case delta < 0:
		return "down"
	default:
		return ""
	}
}

type sample struct {
	at    time.Time
	price float64
}

// Tracker accumulates timestamped prices and reports the percentage
// movement across the configured window, anchored at the newest sample.
// It keeps at most 500 samples, dropping the oldest.
type Tracker struct {
	mu      sync.Mutex
	window  time.Duration
	samples []sample
}

// NewTracker builds a Tracker over the given window.
func NewTracker(window time.Duration) *Tracker {
	return &Tracker{window: window}
}

// Add records one price observation.
func (t *Tracker) Add(at time.Time, price float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, sample{at: at, price: price})
	if len(t.samples) > maxSamples {
		t.samples = t.samples[1:]
	}
}

// Clear drops all samples.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = nil
}

// Len reports the number of retained samples.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.samples)
}

// Percent returns the movement from the first to the last sample inside the
// window ending at the newest sample, as a percentage of the first. Fewer
// than two samples, an empty window or a zero start price all yield 0.
func (t *Tracker) Percent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) < 2 {
		return 0
	}
	cutoff := t.samples[len(t.samples)-1].at.Add(-t.window)
	start := -1
	for i, s := range t.samples {
		if s.at.After(cutoff) {
			start = i
			break
		}
	}
	if start < 0 {
		return 0
	}
	first := t.samples[start].price
	last := t.samples[len(t.samples)-1].price
	if first == 0 {
		return 0
	}
	return (last - first) / first * 100
}
