package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ReminderPipe/internal/clock"
	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

// JobKindDispatch is the job kind used by QueueDispatcher.
const JobKindDispatch = "reminder_dispatch"

// Dispatcher hands a claimed reminder to delivery. It must resolve the claim,
// either directly or through the work it schedules.
type Dispatcher interface {
	Dispatch(ctx context.Context, r models.Reminder, token string) (Result, error)
}

// SyncDispatcher delivers inline in the scanner worker.
type SyncDispatcher struct {
	proc *Processor
}

func NewSyncDispatcher(p *Processor) *SyncDispatcher {
	return &SyncDispatcher{proc: p}
}

func (d *SyncDispatcher) Dispatch(ctx context.Context, r models.Reminder, token string) (Result, error) {
	return d.proc.Process(ctx, r, token)
}

// dispatchPayload is the job payload of a queued dispatch.
type dispatchPayload struct {
	ReminderID string `json:"reminder_id"`
	Token      string `json:"token"`
}

// QueueDispatcher enqueues a durable job per claimed occurrence. The job is run
// by a store.JobRunner through the handler installed by RegisterDispatchHandler.
type QueueDispatcher struct {
	jobs  store.JobRepo
	store store.ReminderStore
	clock clock.Clock
}

func NewQueueDispatcher(jobs store.JobRepo, st store.ReminderStore, clk clock.Clock) *QueueDispatcher {
	if clk == nil {
		clk = clock.System{}
	}
	return &QueueDispatcher{jobs: jobs, store: st, clock: clk}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, r models.Reminder, token string) (Result, error) {
	payload, err := json.Marshal(dispatchPayload{ReminderID: r.ID, Token: token})
	if err != nil {
		return ResultRetry, fmt.Errorf("encode dispatch payload: %w", err)
	}

	// A job left over from an expired claim of the same occurrence must not
	// absorb this one, so the key is per claim.
	jobID, err := d.jobs.EnqueueJob(ctx, JobKindDispatch, d.clock.Now(), string(payload), dispatchDedupeKey(r, token))
	if err != nil {
		slog.Error("QueueDispatcher.Dispatch: enqueue failed", "id", r.ID, "error", err)
		d.release(ctx, r, token, err)
		return ResultRetry, fmt.Errorf("enqueue dispatch for %s: %w", r.ID, err)
	}
	slog.Debug("QueueDispatcher.Dispatch: queued", "id", r.ID, "jobID", jobID)
	return ResultQueued, nil
}

// release returns a claim whose job could not be queued, without charging an attempt.
func (d *QueueDispatcher) release(ctx context.Context, r models.Reminder, token string, cause error) {
	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), applyTimeout)
	defer cancel()
	outcome := models.Outcome{
		State:     models.DispatchPending,
		Active:    r.Active,
		Attempts:  r.Attempts,
		LastError: cause.Error(),
	}
	if err := d.store.ApplyOutcome(applyCtx, r.ID, token, outcome); err != nil {
		slog.Error("QueueDispatcher.release: release claim failed", "id", r.ID, "error", err)
	}
}

// RegisterDispatchHandler installs the job handler that delivers queued reminders.
func RegisterDispatchHandler(runner *store.JobRunner, st store.ReminderStore, p *Processor) {
	runner.RegisterHandler(JobKindDispatch, func(ctx context.Context, payload string) error {
		var job dispatchPayload
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			// A malformed payload can never succeed; drop it.
			slog.Error("dispatch job: bad payload", "error", err)
			return nil
		}

		r, err := st.GetReminder(ctx, job.ReminderID)
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("dispatch job: reminder no longer exists", "id", job.ReminderID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("load reminder %s: %w", job.ReminderID, err)
		}
		if !stillClaimed(*r, job) {
			slog.Warn("dispatch job: claim no longer held, skipping", "id", r.ID, "state", r.DispatchState)
			return nil
		}

		result, err := p.Process(ctx, *r, job.Token)
		if err != nil {
			// Retrying the job would send again; stale-claim recovery handles the row.
			slog.Error("dispatch job: outcome not applied", "id", r.ID, "result", result, "error", err)
		}
		return nil
	})
}

func dispatchDedupeKey(r models.Reminder, token string) string {
	return r.OccurrenceKey() + "#" + token
}

// stillClaimed reports whether the claim the job was queued for is still held.
func stillClaimed(r models.Reminder, job dispatchPayload) bool {
	return r.DispatchState == models.DispatchClaimed && r.ClaimToken == job.Token
}
