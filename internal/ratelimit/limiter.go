// Package ratelimit bounds email throughput with two sliding windows: sends
// per minute and sends per hour. State is in-memory and process-local; it is
// authoritative only for the current process lifetime.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultMaxPerMinute = 10
	DefaultMaxPerHour   = 100

	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// Window reports occupancy of one sliding window for stats display.
type Window struct {
	Used int `json:"used"`
	Max  int `json:"max"`
}

// Occupancy is a point-in-time snapshot of both windows.
type Occupancy struct {
	Minute Window `json:"minute"`
	Hour   Window `json:"hour"`
}

// Limiter tracks send timestamps inside a one-minute and a one-hour window.
// Both windows are pruned lazily before each capacity check and periodically
// via Cleanup so idle periods do not hold memory.
type Limiter struct {
	mu           sync.Mutex
	maxPerMinute int
	maxPerHour   int
	minute       []time.Time
	hour         []time.Time

	now func() time.Time
}

func New(maxPerMinute, maxPerHour int) *Limiter {
	return &Limiter{
		maxPerMinute: maxPerMinute,
		maxPerHour:   maxPerHour,
		now:          time.Now,
	}
}

// WithClock replaces the limiter's time source and returns the limiter.
// Tests use it to drive window expiry without sleeping.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	return l
}

// CanSend prunes both windows and reports whether one more send fits under
// both caps. It has no side effect beyond pruning; pair it with RecordSent
// once the send actually happens.
func (l *Limiter) CanSend() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.minute) < l.maxPerMinute && len(l.hour) < l.maxPerHour
}

// RecordSent counts one send against both windows.
func (l *Limiter) RecordSent() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.minute = append(l.minute, now)
	l.hour = append(l.hour, now)
}

// Cleanup prunes both windows. Called on a timer so memory stays bounded even
// when no sends are attempted for a long stretch.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
}

// UpdateLimits merges new caps; nil means keep the current value. Takes effect
// on the next CanSend, without rewriting already-recorded timestamps.
func (l *Limiter) UpdateLimits(maxPerMinute, maxPerHour *int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if maxPerMinute != nil {
		l.maxPerMinute = *maxPerMinute
	}
	if maxPerHour != nil {
		l.maxPerHour = *maxPerHour
	}
}

// Limits returns the current caps (minute, hour).
func (l *Limiter) Limits() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxPerMinute, l.maxPerHour
}

// Occupancy returns used/max for both windows after pruning.
func (l *Limiter) Occupancy() Occupancy {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return Occupancy{
		Minute: Window{Used: len(l.minute), Max: l.maxPerMinute},
		Hour:   Window{Used: len(l.hour), Max: l.maxPerHour},
	}
}

func (l *Limiter) prune(now time.Time) {
	l.minute = pruneBefore(l.minute, now.Add(-minuteWindow))
	l.hour = pruneBefore(l.hour, now.Add(-hourWindow))
}

// pruneBefore drops timestamps at or before the cutoff. Timestamps are
// appended in order, so the suffix after the first survivor is the window.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
