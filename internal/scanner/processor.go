package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/channel"
	"github.com/BTreeMap/ReminderPipe/internal/clock"
	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/notify"
	"github.com/BTreeMap/ReminderPipe/internal/recurrence"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

// applyTimeout bounds the outcome write, which runs detached from cycle cancellation.
const applyTimeout = 30 * time.Second

// ErrSenderPanic wraps a recovered sender panic.
var ErrSenderPanic = channel.ErrSendPanicked

// Result is what happened to one claimed reminder.
type Result uint8

const (
	// ResultSent means the occurrence was delivered and the schedule advanced or closed.
	ResultSent Result = iota
	// ResultRetry means delivery failed and the reminder stays pending for the next cycle.
	ResultRetry
	// ResultFailed means the reminder was deactivated after a failure.
	ResultFailed
	// ResultQueued means delivery was handed to the durable job queue.
	ResultQueued
)

func (r Result) String() string {
	switch r {
	case ResultSent:
		return "sent"
	case ResultRetry:
		return "retry"
	case ResultFailed:
		return "failed"
	case ResultQueued:
		return "queued"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

// Processor sends one claimed reminder and writes its outcome.
type Processor struct {
	store    store.ReminderStore
	sender   channel.Sender
	notifier notify.Notifier
	clock    clock.Clock
	cfg      Config
}

// NewProcessor builds a Processor. A nil notifier discards owner notices.
func NewProcessor(st store.ReminderStore, sender channel.Sender, notifier notify.Notifier, clk clock.Clock, cfg Config) *Processor {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Processor{store: st, sender: sender, notifier: notifier, clock: clk, cfg: cfg.withDefaults()}
}

// Process delivers r, claimed with token, and resolves the claim. The returned
// error is non-nil only when the outcome could not be written.
func (p *Processor) Process(ctx context.Context, r models.Reminder, token string) (Result, error) {
	var sendErr error
	if err := r.Validate(); err != nil {
		sendErr = channel.Permanent(fmt.Errorf("invalid reminder: %w", err))
	} else {
		sendErr = p.send(ctx, r)
	}

	outcome, result := p.outcome(r, sendErr)

	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), applyTimeout)
	defer cancel()
	if err := p.store.ApplyOutcome(applyCtx, r.ID, token, outcome); err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			slog.Warn("Processor.Process: claim lost before outcome was applied", "id", r.ID, "result", result)
		} else {
			slog.Error("Processor.Process: apply outcome failed", "id", r.ID, "result", result, "error", err)
		}
		return result, fmt.Errorf("apply outcome for %s: %w", r.ID, err)
	}

	switch result {
	case ResultSent:
		slog.Debug("Processor.Process: reminder sent", "id", r.ID, "active", outcome.Active, "nextFireAt", outcome.NextFireAt)
	case ResultRetry:
		slog.Warn("Processor.Process: send failed, will retry", "id", r.ID, "attempts", outcome.Attempts, "error", sendErr)
	case ResultFailed:
		slog.Warn("Processor.Process: reminder deactivated", "id", r.ID, "attempts", outcome.Attempts, "error", sendErr)
		if err := p.notifier.ReminderFailed(applyCtx, r, outcome.LastError); err != nil {
			slog.Error("Processor.Process: owner notice failed", "id", r.ID, "error", err)
		}
	}
	return result, nil
}

// send bounds the call by SendTimeout even when the sender ignores ctx. A
// sender that never returns is left running and the claim is resolved anyway.
func (p *Processor) send(ctx context.Context, r models.Reminder) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()
	return channel.RunWithContext(ctx, func() error {
		return p.sender.Send(ctx, r)
	})
}

func (p *Processor) outcome(r models.Reminder, sendErr error) (models.Outcome, Result) {
	now := p.clock.Now()
	if sendErr == nil {
		next, ended := recurrence.Advance(r.NextFireAt, r.Recurrence, r.EndRepeat)
		if ended {
			return models.Outcome{State: models.DispatchSent, Active: false, DispatchedAt: &now}, ResultSent
		}
		if !next.After(now) {
			slog.Info("Processor.outcome: next occurrence already due", "id", r.ID, "nextFireAt", next)
		}
		return models.Outcome{State: models.DispatchPending, Active: true, NextFireAt: next, DispatchedAt: &now}, ResultSent
	}

	attempts := r.Attempts + 1
	reason := sendErr.Error()
	if channel.IsPermanent(sendErr) || attempts >= p.cfg.MaxAttempts {
		return models.Outcome{State: models.DispatchFailed, Active: false, Attempts: attempts, LastError: reason}, ResultFailed
	}
	return models.Outcome{State: models.DispatchPending, Active: true, Attempts: attempts, LastError: reason}, ResultRetry
}
