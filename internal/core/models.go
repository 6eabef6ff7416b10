package core

import (
	"time"
)

// Status of a queued message. Transitions are pending->sent, pending->pending
// (retry, with retry_count incremented) or pending->failed (retries exhausted);
// sent and failed are terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// DefaultMaxRetries is the total number of delivery attempts a message gets
// before it is marked failed.
const DefaultMaxRetries = 3

// Contact is the denormalized recipient snapshot stored with each queued
// message, so the message outlives later contact edits or deletion.
type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type QueuedMessage struct {
	ID          string     `json:"id"`
	Contact     Contact    `json:"contact"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	Status      Status     `json:"status"`
	Priority    int        `json:"priority"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
