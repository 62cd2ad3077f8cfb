package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/stepwise/internal/domain"
	"github.com/ashureev/stepwise/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedServer answers with the next status in statuses, repeating the last one.
func scriptedServer(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}
		w.WriteHeader(statuses[n])
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newQueue(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSettings() Settings {
	return Settings{
		Enabled:      true,
		BaseDelay:    4 * time.Second,
		MaxAttempts:  3,
		PollInterval: time.Hour,
		BatchSize:    10,
	}
}

func testEvent(t *testing.T) Event {
	t.Helper()
	sess := domain.NewSession("sess-1", "user-1", "manual-1", time.Now())
	ev, err := NewSessionCreated(sess, 3)
	if err != nil {
		t.Fatalf("NewSessionCreated() error = %v", err)
	}
	return ev
}

func newEngineAndDispatcher(t *testing.T, url string, clock *fakeClock) (*Engine, *Dispatcher, *store.SQLiteStore) {
	t.Helper()
	queue := newQueue(t)
	sender := NewHTTPSender(url, time.Second)
	settings := testSettings()

	engine := NewEngine(sender, queue, settings, NewMetrics(), nil)
	engine.now = clock.Now
	dispatcher := NewDispatcher(queue, sender, settings, NewMetrics(), nil)
	dispatcher.now = clock.Now
	return engine, dispatcher, queue
}

func onlyTask(t *testing.T, queue *store.SQLiteStore) *domain.RetryTask {
	t.Helper()
	tasks, err := queue.ListRetryTasks(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("ListRetryTasks() error = %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 retry task, got %d", len(tasks))
	}
	return tasks[0]
}

func runOnce(t *testing.T, d *Dispatcher) int {
	t.Helper()
	n, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	return n
}

func TestDispatcherGivesUpAfterThreeFailures(t *testing.T) {
	srv, calls := scriptedServer(t, http.StatusServiceUnavailable)
	clock := newFakeClock()
	engine, dispatcher, queue := newEngineAndDispatcher(t, srv.URL, clock)
	ctx := context.Background()

	if got := engine.Deliver(ctx, testEvent(t)); got != OutcomeQueued {
		t.Fatalf("Deliver() = %s, want %s", got, OutcomeQueued)
	}
	task := onlyTask(t, queue)
	if task.AttemptCount != 0 || task.Status != domain.RetryPending {
		t.Fatalf("queued task = %+v, want pending with 0 attempts", task)
	}
	if !task.NextRetryAt.Equal(clock.Now()) {
		t.Errorf("next_retry_at = %v, want now", task.NextRetryAt)
	}

	var attemptTimes []time.Time
	wantDelays := []time.Duration{4 * time.Second, 16 * time.Second}

	// Attempt 1 is due immediately.
	if n := runOnce(t, dispatcher); n != 1 {
		t.Fatalf("pass 1 attempted %d tasks, want 1", n)
	}
	attemptTimes = append(attemptTimes, clock.Now())

	for i, delay := range wantDelays {
		task = onlyTask(t, queue)
		if task.Status != domain.RetryPending || task.AttemptCount != i+1 {
			t.Fatalf("after attempt %d: %+v", i+1, task)
		}
		if got := task.NextRetryAt.Sub(attemptTimes[i]); got != delay {
			t.Errorf("delay after attempt %d = %v, want %v", i+1, got, delay)
		}

		clock.Advance(delay - time.Second)
		if n := runOnce(t, dispatcher); n != 0 {
			t.Fatalf("task retried %v early", time.Second)
		}
		clock.Advance(time.Second)
		if n := runOnce(t, dispatcher); n != 1 {
			t.Fatalf("pass %d attempted %d tasks, want 1", i+2, n)
		}
		attemptTimes = append(attemptTimes, clock.Now())
	}

	task = onlyTask(t, queue)
	if task.Status != domain.RetryFailedPermanent {
		t.Fatalf("status = %s, want %s", task.Status, domain.RetryFailedPermanent)
	}
	if task.AttemptCount != 3 {
		t.Fatalf("attempt_count = %d, want 3", task.AttemptCount)
	}
	if task.LastError == "" {
		t.Error("expected last_error to be recorded")
	}

	clock.Advance(24 * time.Hour)
	if n := runOnce(t, dispatcher); n != 0 {
		t.Fatalf("failed_permanent task was picked up again")
	}

	// One immediate attempt plus three retries.
	if got := atomic.LoadInt32(calls); got != 4 {
		t.Errorf("server saw %d requests, want 4", got)
	}
}

func TestDispatcherSucceededTaskIsNotRetried(t *testing.T) {
	srv, calls := scriptedServer(t, http.StatusBadGateway, http.StatusBadGateway, http.StatusOK)
	clock := newFakeClock()
	engine, dispatcher, queue := newEngineAndDispatcher(t, srv.URL, clock)

	if got := engine.Deliver(context.Background(), testEvent(t)); got != OutcomeQueued {
		t.Fatalf("Deliver() = %s, want queued", got)
	}

	runOnce(t, dispatcher)
	clock.Advance(4 * time.Second)
	runOnce(t, dispatcher)

	task := onlyTask(t, queue)
	if task.Status != domain.RetrySucceeded || task.AttemptCount != 2 {
		t.Fatalf("task = %+v, want succeeded after 2 attempts", task)
	}

	clock.Advance(time.Hour)
	if n := runOnce(t, dispatcher); n != 0 {
		t.Fatal("succeeded task was retried")
	}
	if got := atomic.LoadInt32(calls); got != 3 {
		t.Errorf("server saw %d requests, want 3", got)
	}
}

func TestDispatcherRequeuesAbandonedTasksOnStart(t *testing.T) {
	srv, _ := scriptedServer(t, http.StatusOK)
	clock := newFakeClock()
	_, dispatcher, queue := newEngineAndDispatcher(t, srv.URL, clock)
	ctx := context.Background()

	now := clock.Now()
	if err := queue.EnqueueRetry(ctx, &domain.RetryTask{
		ID: "stranded", EventType: domain.EventSessionCreated, SessionID: "sess-1",
		Body: []byte(`{}`), NextRetryAt: now, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("EnqueueRetry() error = %v", err)
	}
	if _, err := queue.ClaimDueRetries(ctx, now, 10); err != nil {
		t.Fatalf("ClaimDueRetries() error = %v", err)
	}

	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	if n := runOnce(t, dispatcher); n != 1 {
		t.Fatalf("RunOnce() attempted %d, want the requeued task", n)
	}
	if task := onlyTask(t, queue); task.Status != domain.RetrySucceeded {
		t.Fatalf("status = %s, want succeeded", task.Status)
	}
}

func TestDispatcherStopWithoutStart(t *testing.T) {
	d := NewDispatcher(nil, nil, Settings{}, nil, nil)
	d.Stop()
	d.Stop()
}

type failingQueue struct {
	store.RetryQueue
}

func (failingQueue) EnqueueRetry(context.Context, *domain.RetryTask) error {
	return errors.New("disk full")
}

type senderFunc func(ctx context.Context, eventType domain.EventType, body []byte) error

func (f senderFunc) Send(ctx context.Context, eventType domain.EventType, body []byte) error {
	return f(ctx, eventType, body)
}

func TestEngineOutcomes(t *testing.T) {
	ok := senderFunc(func(context.Context, domain.EventType, []byte) error { return nil })
	fail := senderFunc(func(context.Context, domain.EventType, []byte) error { return domain.ErrDeliveryFailure })

	tests := []struct {
		name    string
		enabled bool
		sender  Sender
		queue   store.RetryQueue
		want    Outcome
	}{
		{"disabled", false, ok, nil, OutcomeSkipped},
		{"delivered", true, ok, nil, OutcomeDelivered},
		{"queued", true, fail, newQueue(t), OutcomeQueued},
		{"dropped when enqueue fails", true, fail, failingQueue{}, OutcomeDropped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := testSettings()
			settings.Enabled = tt.enabled
			e := NewEngine(tt.sender, tt.queue, settings, nil, nil)
			if got := e.Deliver(context.Background(), testEvent(t)); got != tt.want {
				t.Errorf("Deliver() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEngineDeliverIgnoresCallerCancellation(t *testing.T) {
	var sawCanceled bool
	sender := senderFunc(func(ctx context.Context, _ domain.EventType, _ []byte) error {
		sawCanceled = ctx.Err() != nil
		return nil
	})
	e := NewEngine(sender, nil, testSettings(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := e.Deliver(ctx, testEvent(t)); got != OutcomeDelivered {
		t.Fatalf("Deliver() = %s, want delivered", got)
	}
	if sawCanceled {
		t.Error("sender saw the caller's cancellation")
	}
}

func TestEngineStats(t *testing.T) {
	srv, _ := scriptedServer(t, http.StatusInternalServerError)
	clock := newFakeClock()
	engine, _, _ := newEngineAndDispatcher(t, srv.URL, clock)
	ctx := context.Background()

	engine.Deliver(ctx, testEvent(t))
	engine.Deliver(ctx, testEvent(t))

	stats, err := engine.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Pending != 2 || stats.MaxAttempts != 3 || stats.BaseDelaySeconds != 4 {
		t.Errorf("Stats() = %+v", stats)
	}
}
