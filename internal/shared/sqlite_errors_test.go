package shared

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

func TestIsUniqueConstraintError(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := db.Exec(`CREATE TABLE t (id TEXT PRIMARY KEY, k TEXT UNIQUE)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO t VALUES ('a', 'x')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, err = db.Exec(`INSERT INTO t VALUES ('b', 'x')`)
	if !IsUniqueConstraintError(err) {
		t.Errorf("unique violation not detected: %v", err)
	}
	_, err = db.Exec(`INSERT INTO t VALUES ('a', 'y')`)
	if !IsUniqueConstraintError(err) {
		t.Errorf("primary key violation not detected: %v", err)
	}
	if IsUniqueConstraintError(errors.New("disk I/O error")) || IsUniqueConstraintError(nil) {
		t.Error("unrelated errors must not match")
	}
}

func TestRetryOnConflict(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := RetryOnConflict(ctx, 3, time.Millisecond, "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("RetryOnConflict() = %v after %d calls, want nil after 3", err, calls)
	}

	calls = 0
	boom := errors.New("boom")
	err = RetryOnConflict(ctx, 3, time.Millisecond, "test", func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Errorf("non-conflict error retried: %v after %d calls", err, calls)
	}

	calls = 0
	err = RetryOnConflict(ctx, 2, time.Millisecond, "test", func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	if !IsSQLiteBusyError(err) || calls != 2 {
		t.Errorf("exhausted retries = %v after %d calls", err, calls)
	}
}
