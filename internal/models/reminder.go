// Package models defines the reminder data types shared by the store, the scanner and the
// channel senders.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxMessageLength is the maximum number of characters in a reminder message.
const MaxMessageLength = 255

// Recurrence is the repeat rule of a reminder.
type Recurrence uint8

const (
	RecurrenceNone Recurrence = iota
	RecurrenceDaily
	RecurrenceWeekly
	RecurrenceMonthly
)

func (r Recurrence) String() string {
	switch r {
	case RecurrenceNone:
		return "none"
	case RecurrenceDaily:
		return "daily"
	case RecurrenceWeekly:
		return "weekly"
	case RecurrenceMonthly:
		return "monthly"
	default:
		return fmt.Sprintf("recurrence(%d)", uint8(r))
	}
}

// IsRecurring reports whether the rule produces more than one occurrence.
func (r Recurrence) IsRecurring() bool {
	return r == RecurrenceDaily || r == RecurrenceWeekly || r == RecurrenceMonthly
}

// ParseRecurrence converts a stored recurrence name. An empty string is treated as none.
func ParseRecurrence(s string) (Recurrence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return RecurrenceNone, nil
	case "daily":
		return RecurrenceDaily, nil
	case "weekly":
		return RecurrenceWeekly, nil
	case "monthly":
		return RecurrenceMonthly, nil
	default:
		return RecurrenceNone, fmt.Errorf("unknown recurrence %q", s)
	}
}

// Channel is the delivery medium of a reminder.
type Channel uint8

const (
	ChannelEmail Channel = iota + 1
	ChannelSMS
	ChannelApp
)

func (c Channel) String() string {
	switch c {
	case ChannelEmail:
		return "email"
	case ChannelSMS:
		return "sms"
	case ChannelApp:
		return "app"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// ParseChannel converts a stored channel name.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "email":
		return ChannelEmail, nil
	case "sms":
		return ChannelSMS, nil
	case "app":
		return ChannelApp, nil
	default:
		return 0, fmt.Errorf("unknown channel %q", s)
	}
}

// DispatchState drives the claim protocol of a single occurrence.
type DispatchState uint8

const (
	DispatchPending DispatchState = iota
	DispatchClaimed
	DispatchSent
	DispatchFailed
)

func (s DispatchState) String() string {
	switch s {
	case DispatchPending:
		return "pending"
	case DispatchClaimed:
		return "claimed"
	case DispatchSent:
		return "sent"
	case DispatchFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ParseDispatchState converts a stored dispatch state name.
func ParseDispatchState(s string) (DispatchState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return DispatchPending, nil
	case "claimed":
		return DispatchClaimed, nil
	case "sent":
		return DispatchSent, nil
	case "failed":
		return DispatchFailed, nil
	default:
		return 0, fmt.Errorf("unknown dispatch state %q", s)
	}
}

// Reminder is the unit of scheduling.
type Reminder struct {
	ID            string        `json:"id"`
	Owner         string        `json:"owner"`
	Message       string        `json:"message"`
	NextFireAt    time.Time     `json:"next_fire_at"`
	Recurrence    Recurrence    `json:"recurrence"`
	Channel       Channel       `json:"channel"`
	Active        bool          `json:"active"`
	DispatchState DispatchState `json:"dispatch_state"`
	EndRepeat     *time.Time    `json:"end_repeat,omitempty"`
	RelatedGoal   string        `json:"related_goal,omitempty"`

	// Attempts counts consecutive failed sends of the current occurrence.
	Attempts         int        `json:"attempts"`
	LastError        string     `json:"last_error,omitempty"`
	ClaimToken       string     `json:"claim_token,omitempty"`
	ClaimedAt        *time.Time `json:"claimed_at,omitempty"`
	LastDispatchedAt *time.Time `json:"last_dispatched_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validation errors returned by Reminder.Validate.
var (
	ErrEmptyMessage    = errors.New("reminder message is empty")
	ErrMessageTooLong  = errors.New("reminder message exceeds 255 characters")
	ErrMissingOwner    = errors.New("reminder owner is empty")
	ErrUnknownChannel  = errors.New("reminder channel is unknown")
	ErrMissingFireTime = errors.New("reminder next fire time is zero")
)

// Validate checks the fields a channel sender relies on.
func (r Reminder) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	if r.Owner == "" {
		return ErrMissingOwner
	}
	switch r.Channel {
	case ChannelEmail, ChannelSMS, ChannelApp:
	default:
		return ErrUnknownChannel
	}
	if r.NextFireAt.IsZero() {
		return ErrMissingFireTime
	}
	return nil
}

// OccurrenceKey identifies one occurrence of a reminder, e.g. for dedupe keys.
func (r Reminder) OccurrenceKey() string {
	return r.ID + "@" + r.NextFireAt.UTC().Format(time.RFC3339)
}

// Outcome is the post-dispatch state of a claimed reminder.
type Outcome struct {
	State      DispatchState
	Active     bool
	NextFireAt time.Time
	Attempts   int
	LastError  string
	// DispatchedAt is set when the occurrence was delivered.
	DispatchedAt *time.Time
}

// Contact resolves an opaque owner to channel addresses.
type Contact struct {
	Owner string `json:"owner"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}
