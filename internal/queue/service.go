// Package queue implements the email delivery pipeline: a producer API that
// enqueues outbound messages into the persistent store, and a processor that
// drains them under sliding-window rate control with per-message retry.
//
// Enqueue and drain are deliberately decoupled: the daily birthday sweep may
// find dozens of birthdays at once and must never block on, or be rate
// limited by, actual mail delivery.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wishwell/birthday-mailer/internal/core"
	"github.com/wishwell/birthday-mailer/internal/mailer"
	"github.com/wishwell/birthday-mailer/internal/metrics"
	"github.com/wishwell/birthday-mailer/internal/notify"
	"github.com/wishwell/birthday-mailer/internal/ratelimit"
)

// Store is the persistence the queue needs. *core.Store satisfies it; tests
// substitute an in-memory fake.
//
// Contract: the processor owned by this Service is the sole writer of the
// status and retry_count columns. Producers only insert, readers only
// aggregate. The Mark* operations are conditional on status=pending so the
// store stays consistent even if that contract is ever broken.
type Store interface {
	InsertQueued(ctx context.Context, contact core.Contact, subject, body string, priority int) (string, error)
	SelectEligible(ctx context.Context, limit int) ([]core.QueuedMessage, error)
	MarkSent(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, reason string) error
	MarkFailed(ctx context.Context, id string, reason string) error
	CountByStatus(ctx context.Context) (map[core.Status]int, error)
	DeleteOlderThan(ctx context.Context, days int, statuses []core.Status) (int64, error)
}

// Service owns the delivery queue: producer API, inspection API and the
// recurring processor. Construct one per deployment; the single-writer
// invariant on the store assumes exactly one processor instance.
type Service struct {
	store    Store
	mailer   mailer.Mailer
	notifier notify.Notifier
	limiter  *ratelimit.Limiter
	log      *slog.Logger

	mu      sync.Mutex
	cfg     Config
	pace    *rate.Limiter
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// cycleMu serializes cycles. The ticker and ProcessNow can fire
	// concurrently, but the store's single-writer contract and the
	// limiter's check-then-record both assume at most one in-flight
	// delivery at any instant.
	cycleMu sync.Mutex
}

func New(store Store, m mailer.Mailer, n notify.Notifier, cfg Config) *Service {
	return NewWithLimiter(store, m, n, cfg, ratelimit.New(cfg.MaxPerMinute, cfg.MaxPerHour))
}

// NewWithLimiter is New with a caller-supplied rate limiter, typically one
// whose clock has been overridden with ratelimit.Limiter.WithClock.
func NewWithLimiter(store Store, m mailer.Mailer, n notify.Notifier, cfg Config, l *ratelimit.Limiter) *Service {
	return &Service{
		store:    store,
		mailer:   m,
		notifier: n,
		limiter:  l,
		log:      slog.Default().With("component", "queue"),
		cfg:      cfg,
		pace:     newPacer(cfg.SendInterval),
	}
}

func newPacer(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Enqueue inserts a new pending message with a snapshot of the contact and
// returns the store-assigned id. It does not trigger processing; the
// processor's own schedule (or ProcessNow) picks the message up.
func (s *Service) Enqueue(ctx context.Context, contact core.Contact, subject, body string, priority int) (string, error) {
	id, err := s.store.InsertQueued(ctx, contact, subject, body, priority)
	if err != nil {
		metrics.EnqueueTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("enqueue: %w", err)
	}
	metrics.EnqueueTotal.WithLabelValues("ok").Inc()
	s.log.Info("email queued", "id", id, "contact", contact.Name, "priority", priority)
	return id, nil
}

// StartProcessing launches the recurring drain cycle and the limiter cleanup
// timer. Idempotent: calling while already running logs and returns.
func (s *Service) StartProcessing() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Info("queue processor already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	interval := s.cfg.ProcessInterval
	cleanupEvery := s.cfg.CleanupInterval
	s.mu.Unlock()

	s.log.Info("queue processor started", "interval", interval)
	s.wg.Add(2)
	go s.processLoop(ctx, interval)
	go s.cleanupLoop(ctx, cleanupEvery)
}

// StopProcessing cancels the recurring schedule and waits for the loop
// goroutines to exit. A cycle already in flight completes; its sends use
// their own context and are not interrupted.
func (s *Service) StopProcessing() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("queue processor stopped")
}

// ProcessNow runs one cycle immediately, independent of the recurring
// schedule and of running state. If a cycle is already in flight the call
// returns without doing anything; that cycle is draining the same queue.
func (s *Service) ProcessNow(ctx context.Context) {
	s.log.Info("manual queue processing triggered")
	s.runCycle(ctx)
}

// Running reports whether the recurring processor is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) processLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	// Immediate first cycle, then the ticker cadence. The cycle itself runs
	// on a background context so stopping the schedule never aborts sends
	// already in progress.
	s.runCycle(context.Background())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(context.Background())
		}
	}
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Cleanup()
		}
	}
}

// runCycle drains one bounded batch. Messages are attempted strictly in
// (priority desc, created_at asc) order, one at a time; the rate gate is
// re-checked before every send because earlier messages in the same cycle
// consume quota.
func (s *Service) runCycle(ctx context.Context) {
	// At most one cycle at a time. A manual trigger landing while the
	// scheduled cycle holds the batch would select the same rows and
	// deliver them twice; skipping is correct because the running cycle
	// is already draining the very messages the caller wants processed.
	if !s.cycleMu.TryLock() {
		s.log.Debug("cycle skipped, another cycle in progress")
		metrics.CycleTotal.WithLabelValues("busy").Inc()
		return
	}
	defer s.cycleMu.Unlock()

	if !s.limiter.CanSend() {
		// Backpressure, not an error: skip before even querying the store.
		s.log.Debug("cycle skipped, rate limit reached")
		metrics.CycleTotal.WithLabelValues("rate_limited").Inc()
		return
	}

	msgs, err := s.store.SelectEligible(ctx, s.batchSize())
	if err != nil {
		s.log.Error("select eligible messages", "error", err)
		metrics.CycleTotal.WithLabelValues("error").Inc()
		return
	}
	if len(msgs) == 0 {
		metrics.CycleTotal.WithLabelValues("empty").Inc()
		return
	}

	s.log.Info("processing queued emails", "count", len(msgs))
	for i, msg := range msgs {
		if !s.limiter.CanSend() {
			s.log.Debug("rate limit reached mid-cycle", "deferred", len(msgs)-i)
			break
		}
		if err := s.pacer().Wait(ctx); err != nil {
			return
		}
		if err := s.sendOne(ctx, msg); err != nil {
			// Store write failed; already-committed updates stand, the rest
			// of the batch waits for the next cycle.
			s.log.Error("cycle aborted", "error", err)
			metrics.CycleTotal.WithLabelValues("error").Inc()
			return
		}
	}
	metrics.CycleTotal.WithLabelValues("ok").Inc()
}

// sendOne makes a single delivery attempt and records the outcome. Transport
// errors are absorbed into the message's retry lifecycle; only store errors
// propagate, so the cycle can end early without losing applied updates.
func (s *Service) sendOne(ctx context.Context, msg core.QueuedMessage) error {
	start := time.Now()
	sendErr := s.mailer.Send(ctx, msg.Contact.Email, msg.Subject, msg.Body)
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	if sendErr != nil {
		return s.handleFailure(ctx, msg, sendErr)
	}

	if err := s.store.MarkSent(ctx, msg.ID); err != nil {
		return fmt.Errorf("mark sent %s: %w", msg.ID, err)
	}
	// Only successful sends count against quota; failed attempts do not
	// consume it.
	s.limiter.RecordSent()
	metrics.SendTotal.WithLabelValues("sent").Inc()
	s.log.Info("email sent", "id", msg.ID, "contact", msg.Contact.Name, "to", msg.Contact.Email)
	s.notifier.Notify("Email sent", fmt.Sprintf("Birthday email sent to %s", msg.Contact.Name))
	return nil
}

func (s *Service) handleFailure(ctx context.Context, msg core.QueuedMessage, sendErr error) error {
	if msg.RetryCount < msg.MaxRetries-1 {
		if err := s.store.MarkRetry(ctx, msg.ID, sendErr.Error()); err != nil {
			return fmt.Errorf("mark retry %s: %w", msg.ID, err)
		}
		metrics.SendTotal.WithLabelValues("retry").Inc()
		s.log.Info("delivery failed, will retry",
			"id", msg.ID, "contact", msg.Contact.Name,
			"attempt", msg.RetryCount+1, "max_retries", msg.MaxRetries, "error", sendErr)
		return nil
	}

	if err := s.store.MarkFailed(ctx, msg.ID, sendErr.Error()); err != nil {
		return fmt.Errorf("mark failed %s: %w", msg.ID, err)
	}
	metrics.SendTotal.WithLabelValues("failed").Inc()
	s.log.Warn("delivery failed permanently",
		"id", msg.ID, "contact", msg.Contact.Name, "attempts", msg.MaxRetries, "error", sendErr)
	s.notifier.Notify("Email failed",
		fmt.Sprintf("Failed to send email to %s after %d attempts", msg.Contact.Name, msg.MaxRetries))
	return nil
}

func (s *Service) batchSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.BatchSize
}

func (s *Service) pacer() *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pace
}

// Stats is a read-only snapshot for UI polling: per-status counts plus
// current rate-limiter occupancy.
type Stats struct {
	Counts     map[core.Status]int `json:"counts"`
	RateLimits ratelimit.Occupancy `json:"rate_limits"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count by status: %w", err)
	}
	return Stats{Counts: counts, RateLimits: s.limiter.Occupancy()}, nil
}

// StatusReport is the superset convenience call: running state, effective
// config and stats.
type StatusReport struct {
	Running bool
	Config  Config
	Stats   Stats
}

func (s *Service) Status(ctx context.Context) (StatusReport, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{Running: s.Running(), Config: s.Config(), Stats: stats}, nil
}

// Config returns the current effective configuration.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig merges a partial config change. Rate limits take effect on the
// next capacity check; intervals for the recurring timers apply on the next
// StartProcessing. Values are not validated here; callers own sanity checks.
func (s *Service) UpdateConfig(u ConfigUpdate) Config {
	s.mu.Lock()
	if u.MaxPerMinute != nil {
		s.cfg.MaxPerMinute = *u.MaxPerMinute
	}
	if u.MaxPerHour != nil {
		s.cfg.MaxPerHour = *u.MaxPerHour
	}
	if u.ProcessInterval != nil {
		s.cfg.ProcessInterval = *u.ProcessInterval
	}
	if u.SendInterval != nil {
		s.cfg.SendInterval = *u.SendInterval
		s.pace = newPacer(s.cfg.SendInterval)
	}
	if u.BatchSize != nil {
		s.cfg.BatchSize = *u.BatchSize
	}
	if u.CleanupInterval != nil {
		s.cfg.CleanupInterval = *u.CleanupInterval
	}
	cfg := s.cfg
	s.mu.Unlock()

	s.limiter.UpdateLimits(u.MaxPerMinute, u.MaxPerHour)
	s.log.Info("queue configuration updated",
		"max_per_minute", cfg.MaxPerMinute, "max_per_hour", cfg.MaxPerHour,
		"process_interval", cfg.ProcessInterval, "send_interval", cfg.SendInterval,
		"batch_size", cfg.BatchSize)
	return cfg
}

// CleanupOldItems removes terminal (sent/failed) messages older than daysOld
// days. Retention policy (the usual 30 days) is the caller's choice.
func (s *Service) CleanupOldItems(ctx context.Context, daysOld int) (int64, error) {
	deleted, err := s.store.DeleteOlderThan(ctx, daysOld, []core.Status{core.StatusSent, core.StatusFailed})
	if err != nil {
		return 0, fmt.Errorf("cleanup old items: %w", err)
	}
	if deleted > 0 {
		s.log.Info("queue cleanup completed", "deleted", deleted, "days_old", daysOld)
	}
	return deleted, nil
}
