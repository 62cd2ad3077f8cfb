// Package catalog serves manuals to the rest of the service, reading through
// an optional cache in front of the store.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/stepwise/internal/domain"
	"github.com/ashureev/stepwise/internal/store"
)

// Catalog looks up manuals and their steps.
type Catalog struct {
	repo   store.ManualRepository
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// New creates a catalog. cache may be nil.
func New(repo store.ManualRepository, cache Cache, ttl time.Duration, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Catalog{
		repo:   repo,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// CreateManual validates and stores a manual.
func (c *Catalog) CreateManual(ctx context.Context, manual *domain.Manual) error {
	manual.Normalize()
	if err := manual.Validate(); err != nil {
		return err
	}
	if manual.CreatedAt.IsZero() {
		manual.CreatedAt = c.now().UTC()
	}

	if err := c.repo.CreateManual(ctx, manual); err != nil {
		return err
	}

	c.logger.Info("manual created",
		"manual_id", manual.ID,
		"total_steps", manual.TotalSteps())
	c.store(ctx, manual)
	return nil
}

// GetManual returns a manual, preferring the cache. Cache failures fall
// back to the store.
func (c *Catalog) GetManual(ctx context.Context, manualID string) (*domain.Manual, error) {
	if m := c.load(ctx, manualID); m != nil {
		return m, nil
	}

	manual, err := c.repo.GetManual(ctx, manualID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, manual)
	return manual, nil
}

// GetStep returns one step of a manual.
func (c *Catalog) GetStep(ctx context.Context, manualID string, number int) (domain.Step, error) {
	manual, err := c.GetManual(ctx, manualID)
	if err != nil {
		return domain.Step{}, err
	}
	step, ok := manual.Step(number)
	if !ok {
		return domain.Step{}, &domain.InvalidStepError{Step: number, TotalSteps: manual.TotalSteps()}
	}
	return step, nil
}

// ListManuals returns a page of manual headers.
func (c *Catalog) ListManuals(ctx context.Context, offset, limit int) ([]*domain.Manual, int, error) {
	return c.repo.ListManuals(ctx, offset, limit)
}

func (c *Catalog) load(ctx context.Context, manualID string) *domain.Manual {
	if c.cache == nil {
		return nil
	}
	data, err := c.cache.Get(ctx, manualKeyPrefix+manualID)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("manual cache read failed", "manual_id", manualID, "error", err)
		}
		return nil
	}

	var manual domain.Manual
	if err := json.Unmarshal(data, &manual); err != nil {
		c.logger.Warn("discarding corrupt cached manual", "manual_id", manualID, "error", err)
		c.evict(ctx, manualID)
		return nil
	}
	return &manual
}

func (c *Catalog) store(ctx context.Context, manual *domain.Manual) {
	if c.cache == nil {
		return
	}
	data, err := json.Marshal(manual)
	if err != nil {
		c.logger.Warn("encode manual for cache", "manual_id", manual.ID, "error", err)
		return
	}
	if err := c.cache.Set(ctx, manualKeyPrefix+manual.ID, data, c.ttl); err != nil {
		c.logger.Warn("manual cache write failed", "manual_id", manual.ID, "error", err)
	}
}

func (c *Catalog) evict(ctx context.Context, manualID string) {
	if err := c.cache.Delete(ctx, manualKeyPrefix+manualID); err != nil {
		c.logger.Debug("manual cache evict failed", "manual_id", manualID, "error", err)
	}
}
