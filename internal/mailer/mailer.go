// Package mailer abstracts the outbound email transport. Implementations make
// exactly one delivery attempt per call; retry policy lives in the queue.
package mailer

import (
	"context"
)

type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}
