package webhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/stepwise/internal/domain"
	"github.com/ashureev/stepwise/internal/store"
)

// Outcome reports what happened to an event handed to Deliver.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeQueued    Outcome = "queued"
	// OutcomeDropped means both the attempt and the enqueue failed.
	OutcomeDropped Outcome = "dropped"
	OutcomeSkipped Outcome = "skipped"
)

// Accepted reports whether the event was sent or will be retried.
func (o Outcome) Accepted() bool {
	return o == OutcomeDelivered || o == OutcomeQueued
}

// Settings configures the engine and dispatcher.
type Settings struct {
	Enabled      bool
	BaseDelay    time.Duration
	MaxAttempts  int
	PollInterval time.Duration
	BatchSize    int
}

// Engine performs immediate deliveries and queues failures for retry.
type Engine struct {
	sender   Sender
	queue    store.RetryQueue
	settings Settings
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewEngine creates a delivery engine. metrics and logger may be nil.
func NewEngine(sender Sender, queue store.RetryQueue, settings Settings, metrics *Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sender:   sender,
		queue:    queue,
		settings: settings,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Deliver makes one synchronous attempt and falls back to the retry queue.
// It never returns an error; failures surface as the Outcome and in logs.
func (e *Engine) Deliver(ctx context.Context, ev Event) Outcome {
	if !e.settings.Enabled {
		e.logger.Debug("webhook disabled, skipping", "event_type", ev.Type(), "session_id", ev.Session())
		e.metrics.recordDelivery(ev.Type(), OutcomeSkipped)
		return OutcomeSkipped
	}

	body, err := Encode(ev)
	if err != nil {
		e.logger.Error("refusing to deliver invalid webhook payload",
			"event_type", ev.Type(),
			"session_id", ev.Session(),
			"error", err)
		e.metrics.recordDelivery(ev.Type(), OutcomeDropped)
		return OutcomeDropped
	}

	// The request may be finishing; the delivery must not be cut short by it.
	ctx = context.WithoutCancel(ctx)

	start := e.now()
	sendErr := e.sender.Send(ctx, ev.Type(), body)
	e.metrics.observeAttempt(ev.Type(), e.now().Sub(start))
	if sendErr == nil {
		e.logger.Info("webhook delivered", "event_type", ev.Type(), "session_id", ev.Session())
		e.metrics.recordDelivery(ev.Type(), OutcomeDelivered)
		return OutcomeDelivered
	}

	e.logger.Warn("webhook delivery failed, queueing for retry",
		"event_type", ev.Type(),
		"session_id", ev.Session(),
		"error", sendErr)

	now := e.now().UTC()
	task := &domain.RetryTask{
		ID:           e.newID(),
		EventType:    ev.Type(),
		SessionID:    ev.Session(),
		Body:         body,
		Status:       domain.RetryPending,
		AttemptCount: 0,
		NextRetryAt:  now,
		LastError:    sendErr.Error(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.queue.EnqueueRetry(ctx, task); err != nil {
		e.logger.Error("failed to queue webhook for retry",
			"event_type", ev.Type(),
			"session_id", ev.Session(),
			"error", err)
		e.metrics.recordDelivery(ev.Type(), OutcomeDropped)
		return OutcomeDropped
	}

	e.metrics.recordDelivery(ev.Type(), OutcomeQueued)
	return OutcomeQueued
}

// Stats is the retry queue summary exposed to operators.
type Stats struct {
	domain.QueueStats
	Enabled          bool    `json:"enabled"`
	MaxAttempts      int     `json:"max_attempts"`
	BaseDelaySeconds float64 `json:"base_delay_seconds"`
}

// Stats returns queue counts together with the retry settings.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	counts, err := e.queue.RetryQueueStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	b := Backoff{Base: e.settings.BaseDelay, MaxAttempts: e.settings.MaxAttempts}.withDefaults()
	return Stats{
		QueueStats:       counts,
		Enabled:          e.settings.Enabled,
		MaxAttempts:      b.MaxAttempts,
		BaseDelaySeconds: b.Base.Seconds(),
	}, nil
}
