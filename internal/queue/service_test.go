package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wishwell/birthday-mailer/internal/core"
	"github.com/wishwell/birthday-mailer/internal/queue"
	"github.com/wishwell/birthday-mailer/internal/ratelimit"
)

// memStore is an in-memory queue.Store honoring the same eligibility and
// transition rules as the Postgres store.
type memStore struct {
	mu          sync.Mutex
	msgs        []*core.QueuedMessage
	nextID      int
	selectCalls int
	selectErr   error
}

func (m *memStore) InsertQueued(_ context.Context, contact core.Contact, subject, body string, priority int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("msg-%d", m.nextID)
	now := time.Now()
	m.msgs = append(m.msgs, &core.QueuedMessage{
		ID:          id,
		Contact:     contact,
		Subject:     subject,
		Body:        body,
		Status:      core.StatusPending,
		Priority:    priority,
		MaxRetries:  core.DefaultMaxRetries,
		ScheduledAt: now,
		// strictly increasing created_at so FIFO ties are deterministic
		CreatedAt: now.Add(time.Duration(m.nextID) * time.Microsecond),
	})
	return id, nil
}

func (m *memStore) SelectEligible(_ context.Context, limit int) ([]core.QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selectCalls++
	if m.selectErr != nil {
		return nil, m.selectErr
	}
	var eligible []*core.QueuedMessage
	for _, msg := range m.msgs {
		if msg.Status == core.StatusPending && msg.RetryCount < msg.MaxRetries {
			eligible = append(eligible, msg)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	out := make([]core.QueuedMessage, len(eligible))
	for i, msg := range eligible {
		out[i] = *msg
	}
	return out, nil
}

func (m *memStore) find(id string) *core.QueuedMessage {
	for _, msg := range m.msgs {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

func (m *memStore) MarkSent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.find(id)
	if msg == nil || msg.Status != core.StatusPending {
		return core.ErrNotPending
	}
	now := time.Now()
	msg.Status = core.StatusSent
	msg.SentAt = &now
	msg.Error = nil
	return nil
}

func (m *memStore) MarkRetry(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.find(id)
	if msg == nil || msg.Status != core.StatusPending {
		return core.ErrNotPending
	}
	msg.RetryCount++
	msg.Error = &reason
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.find(id)
	if msg == nil || msg.Status != core.StatusPending {
		return core.ErrNotPending
	}
	msg.Status = core.StatusFailed
	msg.Error = &reason
	return nil
}

func (m *memStore) CountByStatus(_ context.Context) (map[core.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[core.Status]int{core.StatusPending: 0, core.StatusSent: 0, core.StatusFailed: 0}
	for _, msg := range m.msgs {
		counts[msg.Status]++
	}
	return counts, nil
}

func (m *memStore) DeleteOlderThan(_ context.Context, days int, statuses []core.Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().AddDate(0, 0, -days)
	terminal := make(map[core.Status]bool)
	for _, st := range statuses {
		terminal[st] = true
	}
	var kept []*core.QueuedMessage
	var deleted int64
	for _, msg := range m.msgs {
		if terminal[msg.Status] && msg.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, msg)
	}
	m.msgs = kept
	return deleted, nil
}

func (m *memStore) get(t *testing.T, id string) core.QueuedMessage {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.find(id)
	require.NotNil(t, msg, "message %s not in store", id)
	return *msg
}

// scriptMailer fails a configurable number of times per recipient, then
// succeeds. With no script it always succeeds. A nonzero delay makes each
// delivery slow enough for tests to race cycles against each other.
type scriptMailer struct {
	mu         sync.Mutex
	failsLeft  map[string]int
	failAlways bool
	delay      time.Duration
	sent       []string // recipients in send-success order
	attempts   int
}

func (f *scriptMailer) Send(_ context.Context, to, subject, body string) error {
	f.mu.Lock()
	f.attempts++
	fail := f.failAlways
	if !fail && f.failsLeft[to] > 0 {
		f.failsLeft[to]--
		fail = true
	}
	delay := f.delay
	f.mu.Unlock()

	// Sleep outside the lock so concurrent sends overlap instead of
	// accidentally serializing on the fake's own mutex.
	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return errors.New("smtp_unavailable")
	}
	f.mu.Lock()
	f.sent = append(f.sent, to)
	f.mu.Unlock()
	return nil
}

func (f *scriptMailer) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *scriptMailer) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) Notify(title, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, title+": "+body)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func testConfig() queue.Config {
	cfg := queue.DefaultConfig()
	cfg.SendInterval = 0 // no pacing in tests
	cfg.ProcessInterval = 50 * time.Millisecond
	cfg.CleanupInterval = time.Minute
	return cfg
}

func enqueue(t *testing.T, s *queue.Service, name string, priority int) string {
	t.Helper()
	id, err := s.Enqueue(context.Background(),
		core.Contact{ID: "c-" + name, Name: name, Email: name + "@example.com"},
		"Happy Birthday "+name+"!", "Wishing you an amazing day!", priority)
	require.NoError(t, err)
	return id
}

func TestCyclePriorityOrdering(t *testing.T) {
	store := &memStore{}
	ml := &scriptMailer{}
	s := queue.New(store, ml, &recordingNotifier{}, testConfig())

	enqueue(t, s, "alice", 0)
	enqueue(t, s, "bob", 5)
	enqueue(t, s, "carol", 0)

	s.ProcessNow(context.Background())

	// Highest priority first, then FIFO within a band.
	require.Equal(t, []string{"bob@example.com", "alice@example.com", "carol@example.com"}, ml.sentTo())
}

func TestRetryExhaustion(t *testing.T) {
	store := &memStore{}
	ml := &scriptMailer{failAlways: true}
	notif := &recordingNotifier{}
	s := queue.New(store, ml, notif, testConfig())

	id := enqueue(t, s, "dave", 0)

	s.ProcessNow(context.Background())
	msg := store.get(t, id)
	require.Equal(t, core.StatusPending, msg.Status)
	require.Equal(t, 1, msg.RetryCount)

	s.ProcessNow(context.Background())
	msg = store.get(t, id)
	require.Equal(t, core.StatusPending, msg.Status)
	require.Equal(t, 2, msg.RetryCount)

	s.ProcessNow(context.Background())
	msg = store.get(t, id)
	require.Equal(t, core.StatusFailed, msg.Status)
	require.NotNil(t, msg.Error)

	// Terminal: a further cycle must not attempt a 4th delivery.
	s.ProcessNow(context.Background())
	require.Equal(t, 3, ml.attemptCount())

	notifications := notif.all()
	require.Len(t, notifications, 1)
	require.Contains(t, notifications[0], "after 3 attempts")
}

func TestRateGateBoundsOneCycle(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerMinute = 2
	store := &memStore{}
	ml := &scriptMailer{}
	s := queue.New(store, ml, &recordingNotifier{}, cfg)

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		enqueue(t, s, name, 0)
	}

	s.ProcessNow(context.Background())

	counts, err := store.CountByStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, counts[core.StatusSent])
	require.Equal(t, 3, counts[core.StatusPending])

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.RateLimits.Minute.Used)

	// Quota exhausted: another cycle sends nothing.
	s.ProcessNow(context.Background())
	require.Equal(t, 2, ml.attemptCount())

	// Capacity can also open up via a raised cap, not just window expiry
	// (see TestRateWindowReopensNextCycle for that path).
	ten := 10
	s.UpdateConfig(queue.ConfigUpdate{MaxPerMinute: &ten})
	s.ProcessNow(context.Background())
	counts, err = store.CountByStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, counts[core.StatusSent])
	require.Equal(t, 0, counts[core.StatusPending])
}

// fakeClock lets tests move the rate limiter's time forward without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestRateWindowReopensNextCycle(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerMinute = 2
	clk := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	store := &memStore{}
	ml := &scriptMailer{}
	s := queue.NewWithLimiter(store, ml, &recordingNotifier{}, cfg,
		ratelimit.New(cfg.MaxPerMinute, cfg.MaxPerHour).WithClock(clk.now))

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		enqueue(t, s, name, 0)
	}

	s.ProcessNow(context.Background())

	counts, err := store.CountByStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, counts[core.StatusSent])
	require.Equal(t, 3, counts[core.StatusPending])

	// Still inside the minute window: nothing moves.
	clk.advance(30 * time.Second)
	s.ProcessNow(context.Background())
	require.Equal(t, 2, ml.attemptCount())

	// Window expired: the next cycle picks up where the first left off,
	// again bounded by the per-minute cap.
	clk.advance(31 * time.Second)
	s.ProcessNow(context.Background())

	counts, err = store.CountByStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, counts[core.StatusSent])
	require.Equal(t, 1, counts[core.StatusPending])

	clk.advance(61 * time.Second)
	s.ProcessNow(context.Background())
	require.Equal(t, []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com"}, ml.sentTo())
}

func TestOverlappingCyclesDeliverOnce(t *testing.T) {
	store := &memStore{}
	ml := &scriptMailer{delay: 150 * time.Millisecond}
	s := queue.New(store, ml, &recordingNotifier{}, testConfig())

	id := enqueue(t, s, "noah", 0)

	// A manual trigger racing the scheduled cycle must not select the same
	// batch twice. The slow mailer keeps the first cycle in flight long
	// enough for the second trigger to land mid-delivery.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ProcessNow(context.Background())
		}()
	}
	wg.Wait()

	require.Equal(t, 1, ml.attemptCount(), "message delivered more than once")
	require.Equal(t, core.StatusSent, store.get(t, id).Status)
}

func TestStartProcessingIdempotent(t *testing.T) {
	store := &memStore{}
	s := queue.New(store, &scriptMailer{}, &recordingNotifier{}, testConfig())

	s.StartProcessing()
	s.StartProcessing() // no-op, must not double the timers
	require.True(t, s.Running())

	time.Sleep(275 * time.Millisecond)
	s.StopProcessing()
	require.False(t, s.Running())

	store.mu.Lock()
	calls := store.selectCalls
	store.mu.Unlock()
	// One immediate cycle plus ~5 ticks at 50ms. A duplicated ticker would
	// roughly double this.
	require.GreaterOrEqual(t, calls, 4)
	require.LessOrEqual(t, calls, 8)

	// Stopping again is a no-op.
	s.StopProcessing()
}

func TestStopLeavesInFlightWorkConsistent(t *testing.T) {
	store := &memStore{}
	ml := &scriptMailer{}
	s := queue.New(store, ml, &recordingNotifier{}, testConfig())

	id := enqueue(t, s, "erin", 0)
	s.StartProcessing()
	s.StopProcessing()

	// The immediate first cycle ran to completion before Stop returned.
	require.Equal(t, core.StatusSent, store.get(t, id).Status)
}

func TestDeliveryScenario(t *testing.T) {
	store := &memStore{}
	ml := &scriptMailer{failsLeft: map[string]int{"a@example.com": 1}}
	s := queue.New(store, ml, &recordingNotifier{}, testConfig())

	idA, err := s.Enqueue(context.Background(), core.Contact{ID: "1", Name: "A", Email: "a@example.com"}, "s", "b", 1)
	require.NoError(t, err)
	idB, err := s.Enqueue(context.Background(), core.Contact{ID: "2", Name: "B", Email: "b@example.com"}, "s", "b", 0)
	require.NoError(t, err)

	s.ProcessNow(context.Background())
	require.Equal(t, core.StatusPending, store.get(t, idA).Status)
	require.Equal(t, 1, store.get(t, idA).RetryCount)
	require.Equal(t, core.StatusSent, store.get(t, idB).Status)

	s.ProcessNow(context.Background())
	require.Equal(t, core.StatusSent, store.get(t, idA).Status)

	attempts := ml.attemptCount()
	s.ProcessNow(context.Background())
	require.Equal(t, attempts, ml.attemptCount(), "third cycle must be a no-op")
}

func TestStoreErrorEndsCycleQuietly(t *testing.T) {
	store := &memStore{selectErr: errors.New("connection reset")}
	s := queue.New(store, &scriptMailer{}, &recordingNotifier{}, testConfig())

	// Must not panic and must not mark anything.
	s.ProcessNow(context.Background())

	store.mu.Lock()
	store.selectErr = nil
	store.mu.Unlock()

	id := enqueue(t, s, "frank", 0)
	s.ProcessNow(context.Background())
	require.Equal(t, core.StatusSent, store.get(t, id).Status)
}

func TestSuccessNotificationNamesRecipient(t *testing.T) {
	store := &memStore{}
	notif := &recordingNotifier{}
	s := queue.New(store, &scriptMailer{}, notif, testConfig())

	enqueue(t, s, "grace", 0)
	s.ProcessNow(context.Background())

	notifications := notif.all()
	require.Len(t, notifications, 1)
	require.True(t, strings.Contains(notifications[0], "grace"), "notification should name the recipient: %q", notifications[0])
}

func TestUpdateConfigPartialMerge(t *testing.T) {
	s := queue.New(&memStore{}, &scriptMailer{}, &recordingNotifier{}, testConfig())

	three := 3
	cfg := s.UpdateConfig(queue.ConfigUpdate{BatchSize: &three})
	require.Equal(t, 3, cfg.BatchSize)
	// Untouched fields keep their values.
	require.Equal(t, testConfig().MaxPerMinute, cfg.MaxPerMinute)
	require.Equal(t, testConfig().MaxPerHour, cfg.MaxPerHour)
}

func TestCleanupOldItemsForwardsToStore(t *testing.T) {
	store := &memStore{}
	ml := &scriptMailer{}
	s := queue.New(store, ml, &recordingNotifier{}, testConfig())

	enqueue(t, s, "henry", 0)
	enqueue(t, s, "iris", 0)
	s.ProcessNow(context.Background())

	// Both are sent and older than a 0-day cutoff.
	deleted, err := s.CleanupOldItems(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, int64(2), deleted)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, stats.Counts[core.StatusSent])
}
