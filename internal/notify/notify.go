// Package notify tells reminder owners when one of their reminders was given up.
//
// Notices are written to the store's outbox by the scanner and delivered later by
// a store.OutboxSender using Deliverer, so a failing channel cannot block a scan cycle.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/ReminderPipe/internal/channel"
	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

// KindReminderFailed is the outbox kind of a failed-reminder notice.
const KindReminderFailed = "reminder_failed"

// Notifier reports a reminder that was deactivated after a delivery failure.
type Notifier interface {
	ReminderFailed(ctx context.Context, r models.Reminder, reason string) error
}

// NopNotifier discards notices.
type NopNotifier struct{}

func (NopNotifier) ReminderFailed(context.Context, models.Reminder, string) error { return nil }

// FailedPayload is the outbox payload of a failed-reminder notice.
type FailedPayload struct {
	ReminderID string    `json:"reminder_id"`
	Message    string    `json:"message"`
	Channel    string    `json:"channel"`
	FireAt     time.Time `json:"fire_at"`
	Reason     string    `json:"reason"`
}

// OutboxNotifier enqueues notices in the outbox.
type OutboxNotifier struct {
	repo store.OutboxRepo
}

func NewOutboxNotifier(repo store.OutboxRepo) *OutboxNotifier {
	return &OutboxNotifier{repo: repo}
}

func (n *OutboxNotifier) ReminderFailed(ctx context.Context, r models.Reminder, reason string) error {
	payload, err := json.Marshal(FailedPayload{
		ReminderID: r.ID,
		Message:    r.Message,
		Channel:    r.Channel.String(),
		FireAt:     r.NextFireAt.UTC(),
		Reason:     reason,
	})
	if err != nil {
		return fmt.Errorf("encode notice payload: %w", err)
	}
	id, err := n.repo.EnqueueOutboxMessage(ctx, r.Owner, KindReminderFailed, string(payload), KindReminderFailed+":"+r.OccurrenceKey())
	if err != nil {
		return fmt.Errorf("enqueue notice for %s: %w", r.ID, err)
	}
	slog.Info("OutboxNotifier.ReminderFailed: notice queued", "id", r.ID, "owner", r.Owner, "outboxID", id)
	return nil
}

// Deliverer sends queued notices to owners over a fixed channel.
type Deliverer struct {
	sender  channel.Sender
	channel models.Channel
}

// NewDeliverer returns a Deliverer sending through sender on ch.
func NewDeliverer(sender channel.Sender, ch models.Channel) *Deliverer {
	return &Deliverer{sender: sender, channel: ch}
}

// Send delivers one outbox message. It matches store.OutboxSendFunc.
func (d *Deliverer) Send(ctx context.Context, msg store.OutboxMessage) error {
	if msg.Kind != KindReminderFailed {
		return fmt.Errorf("unknown notice kind %q", msg.Kind)
	}
	var p FailedPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
		return fmt.Errorf("decode notice payload %s: %w", msg.ID, err)
	}
	notice := models.Reminder{
		ID:         p.ReminderID,
		Owner:      msg.Owner,
		Message:    FormatFailedNotice(p),
		NextFireAt: p.FireAt,
		Channel:    d.channel,
		Active:     true,
	}
	return d.sender.Send(ctx, notice)
}

// FormatFailedNotice renders the notice text, shortened to fit a reminder message.
func FormatFailedNotice(p FailedPayload) string {
	text := fmt.Sprintf("Your reminder %q could not be delivered by %s and was turned off: %s", p.Message, p.Channel, p.Reason)
	if utf8.RuneCountInString(text) <= models.MaxMessageLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:models.MaxMessageLength-3]) + "..."
}
