// Package notify carries user-facing delivery outcomes out of the queue.
// Notifications are best-effort; the queue ignores notifier failures.
package notify

import (
	"log/slog"
)

type Notifier interface {
	Notify(title, body string)
}

// LogNotifier writes notifications to the structured log. It stands in for
// the desktop toast layer, which lives outside this service.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: slog.Default().With("component", "notify")}
}

func (n *LogNotifier) Notify(title, body string) {
	n.log.Info(title, "detail", body)
}
