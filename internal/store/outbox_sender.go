package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc delivers one owner notice, typically through notify.Deliverer.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

const (
	noticeRetryBase  = 10 * time.Second
	noticeRetryLimit = 10 * time.Minute
)

// OutboxSender delivers queued owner notices (for example "reminder failed")
// outside the scan cycle, so a slow notice channel never holds a claim open.
type OutboxSender struct {
	repo           OutboxRepo
	deliver        OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	now            func() time.Time
}

func NewOutboxSender(repo OutboxRepo, deliver OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxSender{
		repo:           repo,
		deliver:        deliver,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// RecoverStaleMessages requeues notices a crashed process left mid-delivery.
// The owner may see such a notice twice.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingMessages(ctx, s.now().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: notices back in queue", "count", n)
	}
	return nil
}

// Run polls until ctx is done.
func (s *OutboxSender) Run(ctx context.Context) {
	pollEvery(ctx, "OutboxSender", s.pollInterval, func(ctx context.Context) { s.RunOnce(ctx) })
}

// RunOnce delivers up to claimLimit due notices and reports how many went out.
func (s *OutboxSender) RunOnce(ctx context.Context) int {
	now := s.now()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.RunOnce: could not claim notices", "error", err)
		return 0
	}

	delivered := 0
	for _, msg := range msgs {
		if err := s.deliver(ctx, msg); err != nil {
			slog.Warn("OutboxSender.RunOnce: notice not delivered", "id", msg.ID, "owner", msg.Owner, "kind", msg.Kind, "attempts", msg.Attempts, "error", err)
			retryAt := now.Add(retryDelay(noticeRetryBase, noticeRetryLimit, msg.Attempts))
			if err := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), retryAt); err != nil {
				slog.Error("OutboxSender.RunOnce: could not reschedule notice", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
			slog.Error("OutboxSender.RunOnce: could not mark notice sent", "id", msg.ID, "error", err)
			continue
		}
		delivered++
		slog.Debug("OutboxSender.RunOnce: notice delivered", "id", msg.ID, "owner", msg.Owner)
	}
	return delivered
}
