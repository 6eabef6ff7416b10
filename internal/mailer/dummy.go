package mailer

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Dummy is a stand-in transport for local runs: simulated latency and
// occasional transient failures, no real delivery.
type Dummy struct{}

func NewDummy() *Dummy { return &Dummy{} }

func (d *Dummy) Send(ctx context.Context, to, subject, body string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	if rand.Intn(100) < 3 { // ~3% failure
		return errors.New("transport_temporary_error")
	}
	return nil
}
