package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/stepwise/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testManual(id string, steps int) *domain.Manual {
	m := &domain.Manual{ID: id, Title: "Manual " + id, CreatedAt: time.Now().UTC()}
	for i := 1; i <= steps; i++ {
		m.Steps = append(m.Steps, domain.Step{
			Number:  i,
			Title:   fmt.Sprintf("Step %d", i),
			Content: fmt.Sprintf("Do thing %d", i),
		})
	}
	return m
}

func seedSession(t *testing.T, s *SQLiteStore, manualSteps int) *domain.Session {
	t.Helper()
	ctx := context.Background()
	manualID := "m-" + uuid.NewString()
	require.NoError(t, s.CreateManual(ctx, testManual(manualID, manualSteps)))
	sess := domain.NewSession(uuid.NewString(), "user-1", manualID, time.Now().UTC())
	require.NoError(t, s.CreateSession(ctx, sess))
	return sess
}

func TestManualRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateManual(ctx, testManual("install-router", 3)))

	got, err := s.GetManual(ctx, "install-router")
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalSteps())
	step, ok := got.Step(2)
	require.True(t, ok)
	assert.Equal(t, "Step 2", step.Title)

	err = s.CreateManual(ctx, testManual("install-router", 2))
	assert.ErrorIs(t, err, domain.ErrManualExists)

	_, err = s.GetManual(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrManualNotFound)

	list, total, err := s.ListManuals(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, list, 1)
}

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, 3)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, domain.SessionActive, got.Status)
	assert.Equal(t, int64(1), got.Version)
	assert.Nil(t, got.EndedAt)

	assert.ErrorIs(t, s.CreateSession(ctx, sess), domain.ErrSessionExists)

	list, total, err := s.ListSessions(ctx, SessionFilter{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, list, 1)

	_, total, err = s.ListSessions(ctx, SessionFilter{Status: domain.SessionCompleted})
	require.NoError(t, err)
	assert.Zero(t, total)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err = s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.ErrorIs(t, s.DeleteSession(ctx, sess.ID), domain.ErrSessionNotFound)
}

func TestUpdateSessionVersionCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, 3)

	first, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	second, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)

	first.CurrentStep = 2
	require.NoError(t, s.UpdateSession(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.CurrentStep = 3
	assert.ErrorIs(t, s.UpdateSession(ctx, second), domain.ErrConcurrentUpdate)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentStep)
	assert.Equal(t, int64(2), got.Version)
}

func TestWithSessionLockCommitsAndRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, 3)

	err := s.WithSessionLock(ctx, sess.ID, func(tx SessionTx) error {
		cur := tx.Session()
		require.NoError(t, tx.AppendEvent(ctx, &domain.ProgressEvent{
			ID: uuid.NewString(), StepNumber: 1, StepStatus: domain.StepDone,
			PreviousStep: cur.CurrentStep, Advanced: true, IdempotencyKey: "k1",
			CreatedAt: time.Now(),
		}))
		cur.CurrentStep = 2
		return tx.Save(ctx, cur)
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithSessionLock(ctx, sess.ID, func(tx SessionTx) error {
		cur := tx.Session()
		cur.CurrentStep = 3
		require.NoError(t, tx.Save(ctx, cur))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentStep)
	assert.Equal(t, int64(2), got.Version)

	exists, err := s.ProgressEventExists(ctx, sess.ID, "k1")
	require.NoError(t, err)
	assert.True(t, exists)

	err = s.WithSessionLock(ctx, "missing", func(SessionTx) error { return nil })
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestAppendEventDuplicateKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, 3)

	appendKey := func(key string) error {
		return s.WithSessionLock(ctx, sess.ID, func(tx SessionTx) error {
			return tx.AppendEvent(ctx, &domain.ProgressEvent{
				ID: uuid.NewString(), StepNumber: 1, StepStatus: domain.StepOngoing,
				PreviousStep: 1, IdempotencyKey: key, CreatedAt: time.Now(),
			})
		})
	}

	require.NoError(t, appendKey("same"))
	err := appendKey("same")
	assert.ErrorIs(t, err, domain.ErrDuplicateProgressUpdate)

	// Events without a key never collide.
	require.NoError(t, appendKey(""))
	require.NoError(t, appendKey(""))

	events, err := s.ListProgressEvents(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestWithSessionLockSerializesSameSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, 50)

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.WithSessionLock(ctx, sess.ID, func(tx SessionTx) error {
				cur := tx.Session()
				cur.CurrentStep++
				return tx.Save(ctx, cur)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1+workers, got.CurrentStep)
	assert.Equal(t, int64(1+workers), got.Version)
	assert.Zero(t, s.locks.size())
}

func TestDeleteSessionCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, 3)

	require.NoError(t, s.WithSessionLock(ctx, sess.ID, func(tx SessionTx) error {
		if err := tx.AppendEvent(ctx, &domain.ProgressEvent{
			ID: uuid.NewString(), StepNumber: 1, StepStatus: domain.StepDone,
			PreviousStep: 1, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return tx.AppendMessage(ctx, &domain.Message{
			ID: uuid.NewString(), Sender: domain.SenderUser, Text: "hi",
			StepAtTime: 1, CreatedAt: time.Now(),
		})
	}))

	msgs, total, err := s.ListMessages(ctx, sess.ID, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "hi", msgs[0].Text)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	events, err := s.ListProgressEvents(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
	_, total, err = s.ListMessages(ctx, sess.ID, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestStaleSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, 3)

	stale, err := s.StaleSessions(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, sess.ID, stale[0].ID)

	stale, err = s.StaleSessions(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}
