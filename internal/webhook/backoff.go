package webhook

import (
	"time"

	"github.com/ashureev/stepwise/internal/domain"
)

const (
	DefaultBaseDelay   = 4 * time.Second
	DefaultMaxAttempts = 3
	backoffFactor      = 4
)

// Backoff schedules retries at base * 4^(attempt-1): 4s, 16s, 64s with the
// default base.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBaseDelay
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = DefaultMaxAttempts
	}
	return b
}

// Delay returns the wait after the given number of failed attempts.
func (b Backoff) Delay(attempts int) time.Duration {
	b = b.withDefaults()
	if attempts < 1 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		d *= backoffFactor
	}
	return d
}

// Failure computes the task state after a failed attempt. attemptCount is
// the count before this attempt.
func (b Backoff) Failure(attemptCount int, now time.Time, cause error) domain.AttemptResult {
	b = b.withDefaults()
	attempts := attemptCount + 1
	res := domain.AttemptResult{
		Status:       domain.RetryPending,
		AttemptCount: attempts,
		NextRetryAt:  now.Add(b.Delay(attempts)),
		AttemptedAt:  now,
	}
	if cause != nil {
		res.LastError = cause.Error()
	}
	if attempts >= b.MaxAttempts {
		res.Status = domain.RetryFailedPermanent
		res.NextRetryAt = now
	}
	return res
}

// Success computes the task state after a successful attempt.
func (b Backoff) Success(attemptCount int, now time.Time) domain.AttemptResult {
	return domain.AttemptResult{
		Status:       domain.RetrySucceeded,
		AttemptCount: attemptCount + 1,
		NextRetryAt:  now,
		AttemptedAt:  now,
	}
}
