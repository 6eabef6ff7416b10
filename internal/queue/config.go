package queue

import (
	"time"

	"github.com/wishwell/birthday-mailer/internal/ratelimit"
)

// Config is the processing and rate-limit policy for the queue. These are
// policy knobs, not protocol requirements; callers may override any of them
// at runtime through UpdateConfig.
type Config struct {
	MaxPerMinute    int           // sliding-window cap on sends per minute
	MaxPerHour      int           // sliding-window cap on sends per hour
	ProcessInterval time.Duration // cadence of the recurring drain cycle
	SendInterval    time.Duration // pause between messages within one cycle
	BatchSize       int           // eligible messages pulled per cycle
	CleanupInterval time.Duration // cadence of rate-limiter window pruning
}

func DefaultConfig() Config {
	return Config{
		MaxPerMinute:    ratelimit.DefaultMaxPerMinute,
		MaxPerHour:      ratelimit.DefaultMaxPerHour,
		ProcessInterval: 6 * time.Second,
		SendInterval:    time.Second,
		BatchSize:       5,
		CleanupInterval: time.Minute,
	}
}

// ConfigUpdate is a partial config change; nil fields keep their current
// value. Limits apply on the next capacity check, batch size and send pacing
// on the next cycle, intervals on the next StartProcessing.
type ConfigUpdate struct {
	MaxPerMinute    *int
	MaxPerHour      *int
	ProcessInterval *time.Duration
	SendInterval    *time.Duration
	BatchSize       *int
	CleanupInterval *time.Duration
}
