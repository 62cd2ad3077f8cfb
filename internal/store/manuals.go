package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/stepwise/internal/domain"
	"github.com/ashureev/stepwise/internal/shared"
)

// CreateManual inserts a manual and its steps in one transaction.
func (s *SQLiteStore) CreateManual(ctx context.Context, manual *domain.Manual) error {
	return shared.RetryOnConflict(ctx, busyRetries, busyBaseDelay, "create_manual", func() error {
		return s.createManual(ctx, manual)
	})
}

func (s *SQLiteStore) createManual(ctx context.Context, manual *domain.Manual) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin manual tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back manual tx", "manual_id", manual.ID, "error", rbErr)
			}
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO manuals (manual_id, title, total_steps, created_at) VALUES (?, ?, ?, ?)`,
		manual.ID, manual.Title, manual.TotalSteps(), toMillis(manual.CreatedAt),
	)
	if shared.IsUniqueConstraintError(err) {
		return domain.ErrManualExists
	}
	if err != nil {
		return fmt.Errorf("insert manual: %w", err)
	}

	for _, step := range manual.Steps {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO manual_steps (manual_id, step_number, title, content) VALUES (?, ?, ?, ?)`,
			manual.ID, step.Number, step.Title, step.Content,
		); err != nil {
			return fmt.Errorf("insert manual step %d: %w", step.Number, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit manual tx: %w", err)
	}
	return nil
}

// GetManual retrieves a manual and its ordered steps.
func (s *SQLiteStore) GetManual(ctx context.Context, manualID string) (*domain.Manual, error) {
	var manual domain.Manual
	var totalSteps int
	var createdAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT manual_id, title, total_steps, created_at FROM manuals WHERE manual_id = ?`, manualID,
	).Scan(&manual.ID, &manual.Title, &totalSteps, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrManualNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan manual row: %w", err)
	}
	manual.CreatedAt = fromMillis(createdAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT step_number, title, content FROM manual_steps WHERE manual_id = ? ORDER BY step_number`, manualID,
	)
	if err != nil {
		return nil, fmt.Errorf("query manual steps: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close manual step rows", "error", closeErr)
		}
	}()

	manual.Steps = make([]domain.Step, 0, totalSteps)
	for rows.Next() {
		var step domain.Step
		if err := rows.Scan(&step.Number, &step.Title, &step.Content); err != nil {
			return nil, fmt.Errorf("scan manual step row: %w", err)
		}
		manual.Steps = append(manual.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate manual steps: %w", err)
	}

	if len(manual.Steps) != totalSteps {
		slog.Warn("manual step count mismatch",
			"manual_id", manualID,
			"total_steps", totalSteps,
			"stored_steps", len(manual.Steps))
	}
	return &manual, nil
}

// ListManuals returns manual headers without steps, newest first.
func (s *SQLiteStore) ListManuals(ctx context.Context, offset, limit int) ([]*domain.Manual, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM manuals`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count manuals: %w", err)
	}

	offset, limit = pageBounds(offset, limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT manual_id, title, created_at FROM manuals ORDER BY created_at DESC, manual_id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query manuals: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close manual rows", "error", closeErr)
		}
	}()

	var manuals []*domain.Manual
	for rows.Next() {
		var m domain.Manual
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Title, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("scan manual row: %w", err)
		}
		m.CreatedAt = fromMillis(createdAt)
		manuals = append(manuals, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate manuals: %w", err)
	}
	return manuals, total, nil
}
