package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// --- Job repo tests ---

func TestSQLiteStore_JobRepo_EnqueueAndGet(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	runAt := time.Now().Add(time.Hour)
	id, err := s.EnqueueJob(ctx, "test_kind", runAt, `{"key":"value"}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if id == "" {
		t.Fatal("EnqueueJob returned empty ID")
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Kind != "test_kind" {
		t.Errorf("Expected kind 'test_kind', got %q", job.Kind)
	}
	if job.Status != JobStatusQueued {
		t.Errorf("Expected status 'queued', got %q", job.Status)
	}
	if job.PayloadJSON != `{"key":"value"}` {
		t.Errorf("Expected payload, got %q", job.PayloadJSON)
	}
	if job.MaxAttempts != DefaultJobMaxAttempts {
		t.Errorf("Expected max attempts %d, got %d", DefaultJobMaxAttempts, job.MaxAttempts)
	}

	if _, err := s.GetJob(ctx, "job_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob missing: got %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_JobRepo_DedupeKey(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	runAt := time.Now().Add(time.Hour)
	id1, err := s.EnqueueJob(ctx, "test_kind", runAt, `{}`, "rem_1@2024-03-01T09:00:00Z")
	if err != nil {
		t.Fatalf("EnqueueJob 1 failed: %v", err)
	}
	id2, err := s.EnqueueJob(ctx, "test_kind", runAt, `{}`, "rem_1@2024-03-01T09:00:00Z")
	if err != nil {
		t.Fatalf("EnqueueJob 2 failed: %v", err)
	}
	if id2 != id1 {
		t.Errorf("Expected dedupe to return same ID %q, got %q", id1, id2)
	}
	id3, err := s.EnqueueJob(ctx, "test_kind", runAt, `{}`, "rem_1@2024-03-02T09:00:00Z")
	if err != nil {
		t.Fatalf("EnqueueJob 3 failed: %v", err)
	}
	if id3 == id1 {
		t.Error("Expected different ID for different dedupe key")
	}
}

func TestSQLiteStore_JobRepo_DedupeKeyAfterComplete(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	runAt := time.Now().Add(time.Hour)
	id1, err := s.EnqueueJob(ctx, "test_kind", runAt, `{}`, "reuse-key")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if err := s.CompleteJob(ctx, id1); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	id2, err := s.EnqueueJob(ctx, "test_kind", runAt, `{}`, "reuse-key")
	if err != nil {
		t.Fatalf("EnqueueJob 2 failed: %v", err)
	}
	if id2 == id1 {
		t.Error("Expected new ID after completing old job with same dedupe key")
	}
}

func TestSQLiteStore_JobRepo_ClaimDueJobs(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueJob(ctx, "past_job", time.Now().Add(-time.Hour), `{"when":"past"}`, ""); err != nil {
		t.Fatalf("EnqueueJob past failed: %v", err)
	}
	if _, err := s.EnqueueJob(ctx, "future_job", time.Now().Add(time.Hour), `{"when":"future"}`, ""); err != nil {
		t.Fatalf("EnqueueJob future failed: %v", err)
	}

	jobs, err := s.ClaimDueJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 due job, got %d", len(jobs))
	}
	if jobs[0].Kind != "past_job" {
		t.Errorf("Expected kind 'past_job', got %q", jobs[0].Kind)
	}
	if jobs[0].Status != JobStatusRunning {
		t.Errorf("Expected status 'running', got %q", jobs[0].Status)
	}

	again, err := s.ClaimDueJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("second ClaimDueJobs failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Expected a claimed job not to be claimed twice, got %d", len(again))
	}
}

func TestSQLiteStore_JobRepo_FailAndRetry(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, "retry_job", time.Now().Add(-time.Minute), `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if jobs, err := s.ClaimDueJobs(ctx, time.Now(), 10); err != nil || len(jobs) != 1 {
		t.Fatalf("ClaimDueJobs = %d jobs, %v", len(jobs), err)
	}

	if err := s.FailJob(ctx, id, "transient error", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}

	job, _ := s.GetJob(ctx, id)
	if job.Status != JobStatusQueued {
		t.Errorf("Expected status 'queued' after first failure, got %q", job.Status)
	}
	if job.Attempt != 1 {
		t.Errorf("Expected attempt 1, got %d", job.Attempt)
	}
	if job.LastError != "transient error" {
		t.Errorf("Expected error message, got %q", job.LastError)
	}
}

func TestSQLiteStore_JobRepo_FailMaxAttempts(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, "fail_job", time.Now().Add(-time.Minute), `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	nextRun := time.Now().Add(-time.Second)
	for i := 0; i < DefaultJobMaxAttempts; i++ {
		s.ClaimDueJobs(ctx, time.Now(), 10)
		if err := s.FailJob(ctx, id, "persistent error", nextRun); err != nil {
			t.Fatalf("FailJob iteration %d failed: %v", i, err)
		}
	}

	job, _ := s.GetJob(ctx, id)
	if job.Status != JobStatusFailed {
		t.Errorf("Expected status 'failed' after max attempts, got %q", job.Status)
	}
	if job.Attempt != DefaultJobMaxAttempts {
		t.Errorf("Expected attempt %d, got %d", DefaultJobMaxAttempts, job.Attempt)
	}
}

func TestSQLiteStore_JobRepo_RequeueStale(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueJob(ctx, "stale_job", time.Now().Add(-time.Hour), `{}`, ""); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	jobs, err := s.ClaimDueJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(jobs))
	}

	n, err := s.RequeueStaleRunningJobs(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleRunningJobs failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 requeued, got %d", n)
	}

	job, _ := s.GetJob(ctx, jobs[0].ID)
	if job.Status != JobStatusQueued {
		t.Errorf("Expected status 'queued' after requeue, got %q", job.Status)
	}
}

// --- Outbox repo tests ---

func TestSQLiteStore_OutboxRepo_EnqueueAndClaim(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := s.EnqueueOutboxMessage(ctx, "owner-1", "reminder_failed", `{"reason":"bounced"}`, "")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	if id == "" {
		t.Fatal("EnqueueOutboxMessage returned empty ID")
	}

	msgs, err := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Owner != "owner-1" {
		t.Errorf("Expected owner 'owner-1', got %q", msgs[0].Owner)
	}
	if msgs[0].Status != OutboxStatusSending {
		t.Errorf("Expected status 'sending', got %q", msgs[0].Status)
	}
}

func TestSQLiteStore_OutboxRepo_DedupeKey(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id1, err := s.EnqueueOutboxMessage(ctx, "o1", "reminder_failed", `{}`, "dedupe-1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage 1 failed: %v", err)
	}
	id2, err := s.EnqueueOutboxMessage(ctx, "o1", "reminder_failed", `{}`, "dedupe-1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage 2 failed: %v", err)
	}
	if id2 != id1 {
		t.Errorf("Expected same ID for duplicate dedupe key, got %q and %q", id1, id2)
	}
}

func TestSQLiteStore_OutboxRepo_MarkSent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueOutboxMessage(ctx, "o1", "reminder_failed", `{}`, "")
	msgs, _ := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	if err := s.MarkOutboxMessageSent(ctx, id); err != nil {
		t.Fatalf("MarkOutboxMessageSent failed: %v", err)
	}

	msgs2, _ := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if len(msgs2) != 0 {
		t.Errorf("Expected 0 messages after sent, got %d", len(msgs2))
	}
}

func TestSQLiteStore_OutboxRepo_FailAndRetry(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueOutboxMessage(ctx, "o1", "reminder_failed", `{}`, "")
	s.ClaimDueOutboxMessages(ctx, time.Now(), 10)

	if err := s.FailOutboxMessage(ctx, id, "send error", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("FailOutboxMessage failed: %v", err)
	}

	msgs, _ := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 retryable message, got %d", len(msgs))
	}
	if msgs[0].Attempts != 1 || msgs[0].LastError != "send error" {
		t.Errorf("attempts/lastError = %d/%q", msgs[0].Attempts, msgs[0].LastError)
	}
}

func TestSQLiteStore_OutboxRepo_FailGivesUp(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueOutboxMessage(ctx, "o1", "reminder_failed", `{}`, "")
	for i := 0; i < DefaultOutboxMaxAttempts; i++ {
		msgs, _ := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
		if len(msgs) != 1 {
			t.Fatalf("attempt %d: expected 1 message, got %d", i, len(msgs))
		}
		if err := s.FailOutboxMessage(ctx, id, "send error", time.Now().Add(-time.Second)); err != nil {
			t.Fatalf("FailOutboxMessage failed: %v", err)
		}
	}

	msgs, _ := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if len(msgs) != 0 {
		t.Errorf("Expected message to be given up after %d attempts, got %d claimable", DefaultOutboxMaxAttempts, len(msgs))
	}
}

func TestSQLiteStore_OutboxRepo_RequeueStale(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	s.EnqueueOutboxMessage(ctx, "o1", "reminder_failed", `{}`, "")
	s.ClaimDueOutboxMessages(ctx, time.Now(), 10)

	n, err := s.RequeueStaleSendingMessages(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleSendingMessages failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 requeued, got %d", n)
	}
}

// --- JobRunner tests ---

func TestJobRunner_Basic(t *testing.T) {
	s := newTestSQLiteStore(t)

	runner := NewJobRunner(s, 50*time.Millisecond)

	var executed int32
	runner.RegisterHandler("test_kind", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executed, 1)
		return nil
	})

	if _, err := s.EnqueueJob(context.Background(), "test_kind", time.Now().Add(-time.Second), `{"test":true}`, ""); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go runner.Run(ctx)
	<-ctx.Done()

	if atomic.LoadInt32(&executed) != 1 {
		t.Errorf("Expected 1 execution, got %d", atomic.LoadInt32(&executed))
	}
}

func TestJobRunner_RunOnceFailureReschedules(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	runner := NewJobRunner(s, time.Minute)
	runner.RegisterHandler("flaky", func(ctx context.Context, payload string) error {
		return errors.New("boom")
	})

	id, err := s.EnqueueJob(ctx, "flaky", time.Now().Add(-time.Second), `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if done := runner.RunOnce(ctx); done != 0 {
		t.Errorf("RunOnce completed %d jobs, want 0", done)
	}

	job, _ := s.GetJob(ctx, id)
	if job.Status != JobStatusQueued || job.Attempt != 1 {
		t.Errorf("status/attempt = %q/%d, want queued/1", job.Status, job.Attempt)
	}
	if !job.RunAt.After(time.Now()) {
		t.Errorf("expected the retry to be scheduled in the future, got %v", job.RunAt)
	}
}

func TestJobRunner_UnknownKind(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueJob(ctx, "nobody_handles_this", time.Now().Add(-time.Second), `{}`, "")
	NewJobRunner(s, time.Minute).RunOnce(ctx)

	job, _ := s.GetJob(ctx, id)
	if job.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", job.Attempt)
	}
}

// --- OutboxSender tests ---

func TestOutboxSender_Basic(t *testing.T) {
	s := newTestSQLiteStore(t)

	var sent int32
	sendFunc := func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&sent, 1)
		return nil
	}

	sender := NewOutboxSender(s, sendFunc, 50*time.Millisecond)

	if _, err := s.EnqueueOutboxMessage(context.Background(), "o1", "reminder_failed", `{"reason":"x"}`, ""); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go sender.Run(ctx)
	<-ctx.Done()

	if atomic.LoadInt32(&sent) != 1 {
		t.Errorf("Expected 1 send, got %d", atomic.LoadInt32(&sent))
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{3, 4 * time.Minute},
		{10, 30 * time.Minute},
		{64, 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := retryDelay(jobRetryBase, jobRetryLimit, tt.attempt); got != tt.want {
			t.Errorf("retryDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
