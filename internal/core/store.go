package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists queued messages in Postgres. The queue processor is the only
// writer of the status/retry_count columns; producers insert rows and readers
// aggregate counts. Status transitions are guarded with "AND status='pending'"
// so a stray second writer cannot double-transition a row.
type Store struct{ DB *pgxpool.Pool }

// ErrNotPending is returned by the Mark* operations when the row was not in
// the pending state (already transitioned, or unknown id).
var ErrNotPending = errors.New("message_not_pending")

// InsertQueued inserts a new pending message and returns the store-assigned id.
func (s *Store) InsertQueued(ctx context.Context, contact Contact, subject, body string, priority int) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO email_queue(contact_id, contact_name, contact_email, subject, body, status, priority, max_retries)
		VALUES($1,$2,$3,$4,$5,'pending',$6,$7)
		RETURNING id
	`, contact.ID, contact.Name, contact.Email, subject, body, priority, DefaultMaxRetries).Scan(&id)
	return id, err
}

const messageColumns = `id, contact_id, contact_name, contact_email, subject, body,
	status, priority, retry_count, max_retries, scheduled_at, sent_at, error, created_at`

// SelectEligible returns up to limit messages that are still deliverable:
// status=pending AND retry_count < max_retries, highest priority first, FIFO
// within a priority band.
func (s *Store) SelectEligible(ctx context.Context, limit int) ([]QueuedMessage, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+messageColumns+`
		FROM email_queue
		WHERE status='pending' AND retry_count < max_retries
		ORDER BY priority DESC, created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkSent transitions a pending message to sent and stamps sent_at.
func (s *Store) MarkSent(ctx context.Context, id string) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE email_queue SET status='sent', sent_at=now(), error=NULL
		WHERE id=$1 AND status='pending'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

// MarkRetry increments retry_count and keeps the message pending so a later
// cycle picks it up again.
func (s *Store) MarkRetry(ctx context.Context, id string, reason string) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE email_queue SET retry_count=retry_count+1, error=$2
		WHERE id=$1 AND status='pending'
	`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

// MarkFailed transitions a pending message to the terminal failed state.
// Like MarkSent it stamps the transition time, so retention cleanup and
// reports can treat both terminal states uniformly.
func (s *Store) MarkFailed(ctx context.Context, id string, reason string) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE email_queue SET status='failed', error=$2, sent_at=now()
		WHERE id=$1 AND status='pending'
	`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.DB.Query(ctx, `SELECT status, COUNT(*) FROM email_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[Status]int{StatusPending: 0, StatusSent: 0, StatusFailed: 0}
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// DeleteOlderThan removes terminal rows older than the given number of days
// and reports how many were deleted. Retention housekeeping only; pending rows
// are never touched.
func (s *Store) DeleteOlderThan(ctx context.Context, days int, statuses []Status) (int64, error) {
	if days < 0 {
		return 0, fmt.Errorf("invalid days: %d", days)
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	sts := make([]string, len(statuses))
	for i, st := range statuses {
		sts[i] = string(st)
	}
	tag, err := s.DB.Exec(ctx, `
		DELETE FROM email_queue WHERE status = ANY($1) AND created_at < $2
	`, sts, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListMessages is a basic listing for inspection/reports.
func (s *Store) ListMessages(ctx context.Context, status *Status, limit, offset int) ([]QueuedMessage, error) {
	q := `SELECT ` + messageColumns + ` FROM email_queue`
	args := []any{}
	if status != nil {
		q += ` WHERE status=$1`
		args = append(args, string(*status))
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanMessages(rows rowScanner) ([]QueuedMessage, error) {
	var out []QueuedMessage
	for rows.Next() {
		var m QueuedMessage
		if err := rows.Scan(
			&m.ID, &m.Contact.ID, &m.Contact.Name, &m.Contact.Email, &m.Subject, &m.Body,
			&m.Status, &m.Priority, &m.RetryCount, &m.MaxRetries, &m.ScheduledAt, &m.SentAt, &m.Error, &m.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
