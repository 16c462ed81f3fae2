package repo

import (
	"context"
	"errors"
	"testing"

	"groupline/internal/db"
	"groupline/internal/domain"
	"groupline/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(conn)
}

func TestRecordAndListAttempts(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i, outcome := range []string{domain.OutcomeSuccess, domain.OutcomeTokenUnavailable} {
		err := r.RecordAttempt(ctx, domain.Attempt{
			TS:        "2026-08-31T10:00:00Z",
			RequestID: "req-" + outcome,
			GroupID:   42,
			UserID:    int64(i + 1),
			Outcome:   outcome,
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	items, err := r.ListAttempts(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(items))
	}
	if items[0].Outcome != domain.OutcomeTokenUnavailable {
		t.Fatalf("expected newest first, got %+v", items[0])
	}
}

func TestGetAttemptNotFound(t *testing.T) {
	r := newTestRepo(t)
	if _, err := r.GetAttempt(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
