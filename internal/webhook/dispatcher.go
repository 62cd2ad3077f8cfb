package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/stepwise/internal/domain"
	"github.com/ashureev/stepwise/internal/store"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultBatchSize    = 10
	dispatchConcurrency = 4
)

// Dispatcher drains the retry queue in the background.
type Dispatcher struct {
	queue    store.RetryQueue
	sender   Sender
	backoff  Backoff
	interval time.Duration
	batch    int
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewDispatcher creates a dispatcher. metrics and logger may be nil.
func NewDispatcher(queue store.RetryQueue, sender Sender, settings Settings, metrics *Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	interval := settings.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	batch := settings.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Dispatcher{
		queue:    queue,
		sender:   sender,
		backoff:  Backoff{Base: settings.BaseDelay, MaxAttempts: settings.MaxAttempts}.withDefaults(),
		interval: interval,
		batch:    batch,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start requeues tasks abandoned by a previous process and then polls until
// ctx is canceled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	if n, err := d.queue.RequeueInFlight(ctx, d.now().UTC()); err != nil {
		d.logger.Error("webhook dispatcher failed to requeue in-flight tasks", "error", err)
	} else if n > 0 {
		d.logger.Info("webhook dispatcher requeued abandoned tasks", "count", n)
	}

	ticker := time.NewTicker(d.interval)
	go func() {
		defer close(d.done)
		defer ticker.Stop()
		d.logger.Info("webhook dispatcher started", "interval", d.interval, "batch_size", d.batch)

		for {
			select {
			case <-ticker.C:
				if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
					d.logger.Error("webhook dispatcher pass failed", "error", err)
				}
			case <-ctx.Done():
				d.logger.Info("webhook dispatcher shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Stop ends the polling loop and waits for the current pass to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel == nil {
			close(d.done)
			return
		}
		d.cancel()
		<-d.done
	})
}

// RunOnce claims one batch of due tasks and attempts each. It returns the
// number of tasks attempted.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	tasks, err := d.queue.ClaimDueRetries(ctx, d.now().UTC(), d.batch)
	if err != nil {
		return 0, fmt.Errorf("claim due retries: %w", err)
	}

	if len(tasks) > 0 {
		var g errgroup.Group
		g.SetLimit(dispatchConcurrency)
		var mu sync.Mutex
		var errs []error
		for _, task := range tasks {
			g.Go(func() error {
				if err := d.attempt(ctx, task); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		if len(errs) > 0 {
			return len(tasks), errors.Join(errs...)
		}
	}

	if stats, err := d.queue.RetryQueueStats(ctx); err == nil {
		d.metrics.setQueueDepth(stats)
	}
	return len(tasks), nil
}

func (d *Dispatcher) attempt(ctx context.Context, task *domain.RetryTask) error {
	start := d.now()
	sendErr := d.sender.Send(ctx, task.EventType, task.Body)
	d.metrics.observeAttempt(task.EventType, d.now().Sub(start))

	if sendErr != nil && ctx.Err() != nil {
		// Left in_flight; RequeueInFlight hands it back on next start.
		d.logger.Info("webhook retry abandoned at shutdown", "task_id", task.ID, "event_type", task.EventType)
		return nil
	}

	now := d.now().UTC()
	var result domain.AttemptResult
	if sendErr == nil {
		result = d.backoff.Success(task.AttemptCount, now)
	} else {
		result = d.backoff.Failure(task.AttemptCount, now, sendErr)
	}

	if err := d.queue.MarkRetryResult(ctx, task.ID, result); err != nil {
		// The task stays in_flight and is picked up again after a restart.
		return fmt.Errorf("mark retry task %s: %w", task.ID, err)
	}
	d.metrics.recordRetry(task.EventType, result.Status)

	switch result.Status {
	case domain.RetrySucceeded:
		d.logger.Info("webhook retry delivered",
			"task_id", task.ID,
			"event_type", task.EventType,
			"session_id", task.SessionID,
			"attempt", result.AttemptCount)
	case domain.RetryFailedPermanent:
		d.logger.Error("webhook retry gave up",
			"task_id", task.ID,
			"event_type", task.EventType,
			"session_id", task.SessionID,
			"attempts", result.AttemptCount,
			"error", fmt.Errorf("%w: %v", domain.ErrPermanentDeliveryFailure, sendErr))
	default:
		d.logger.Warn("webhook retry failed, rescheduled",
			"task_id", task.ID,
			"event_type", task.EventType,
			"session_id", task.SessionID,
			"attempt", result.AttemptCount,
			"next_retry_at", result.NextRetryAt,
			"error", sendErr)
	}
	return nil
}
