package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// getenvOrSkip returns the value of an environment variable or skips the test.
func getenvOrSkip(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s not set; skipping PostgreSQL integration test", key)
	}
	return v
}

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := getenvOrSkip(t, "REMINDERPIPE_TEST_POSTGRES_DSN")
	s, err := NewPostgresStore(WithPostgresDSN(dsn))
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}
	t.Cleanup(func() {
		s.db.Exec(`TRUNCATE reminders, contacts, jobs, outbox_messages`)
		s.Close()
	})
	return s
}

func TestPostgresStore_ClaimProtocol(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	id := seedReminder(t, s, baseTime)

	due, err := s.FindDue(ctx, baseTime, 0)
	if err != nil {
		t.Fatalf("FindDue failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("FindDue = %+v", due)
	}

	if ok, err := s.TryClaim(ctx, id, "tok", baseTime); err != nil || !ok {
		t.Fatalf("TryClaim = %v, %v", ok, err)
	}
	if ok, err := s.TryClaim(ctx, id, "tok2", baseTime); err != nil || ok {
		t.Fatalf("second TryClaim = %v, %v", ok, err)
	}
	if err := s.ApplyOutcome(ctx, id, "tok2", models.Outcome{State: models.DispatchSent}); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("ApplyOutcome wrong token: got %v", err)
	}
	next := baseTime.AddDate(0, 0, 1)
	if err := s.ApplyOutcome(ctx, id, "tok", models.Outcome{State: models.DispatchPending, Active: true, NextFireAt: next}); err != nil {
		t.Fatalf("ApplyOutcome failed: %v", err)
	}
	got, err := s.GetReminder(ctx, id)
	if err != nil {
		t.Fatalf("GetReminder failed: %v", err)
	}
	if !got.NextFireAt.Equal(next) || got.DispatchState != models.DispatchPending {
		t.Errorf("reminder after apply = %+v", got)
	}
}

func TestPostgresStore_JobAndOutbox(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, "reminder_dispatch", time.Now().Add(-time.Second), `{}`, "k1")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	jobs, err := s.ClaimDueJobs(ctx, time.Now(), 10)
	if err != nil || len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("ClaimDueJobs = %+v, %v", jobs, err)
	}
	if err := s.CompleteJob(ctx, id); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	if _, err := s.EnqueueOutboxMessage(ctx, "owner-1", "reminder_failed", `{}`, "n1"); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	msgs, err := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if err != nil || len(msgs) != 1 || msgs[0].Owner != "owner-1" {
		t.Fatalf("ClaimDueOutboxMessages = %+v, %v", msgs, err)
	}
}
