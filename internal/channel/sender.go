// Package channel delivers reminders over the supported notification media.
//
// A Sender reports expected delivery failures as errors. Failures wrapped with
// Permanent will never succeed on retry (bad address, rejected recipient); all other
// errors are treated as transient by the scanner.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

var (
	// ErrNoSender is returned when no sender is registered for a reminder's channel.
	ErrNoSender = errors.New("channel: no sender registered")
	// ErrNoRecipient is returned when the owner has no address for the channel.
	ErrNoRecipient = errors.New("channel: owner has no address for channel")
	// ErrSendPanicked wraps a panic recovered by RunWithContext.
	ErrSendPanicked = errors.New("channel: send panicked")
)

// Sender delivers one reminder occurrence.
type Sender interface {
	Send(ctx context.Context, r models.Reminder) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, r models.Reminder) error

func (f SenderFunc) Send(ctx context.Context, r models.Reminder) error { return f(ctx, r) }

// Contacts resolves reminder owners to addresses.
type Contacts interface {
	LookupContact(ctx context.Context, owner string) (models.Contact, error)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a failure that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Registry routes reminders to the sender of their channel.
type Registry struct {
	mu      sync.RWMutex
	senders map[models.Channel]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[models.Channel]Sender)}
}

// Register installs the sender for ch, replacing any previous one.
func (r *Registry) Register(ch models.Channel, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[ch] = s
	slog.Debug("Registry.Register", "channel", ch)
}

// Lookup returns the sender registered for ch.
func (r *Registry) Lookup(ch models.Channel) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[ch]
	return s, ok
}

// Channels returns the registered channels.
func (r *Registry) Channels() []models.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Channel, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	return out
}

// Send delivers r through the sender of r.Channel. An unregistered channel is a
// permanent failure.
func (r *Registry) Send(ctx context.Context, rem models.Reminder) error {
	s, ok := r.Lookup(rem.Channel)
	if !ok {
		return Permanent(fmt.Errorf("%w: %s", ErrNoSender, rem.Channel))
	}
	return s.Send(ctx, rem)
}

// RunWithContext runs a blocking call and returns early when ctx is done, whether
// or not fn watches ctx. The call keeps running in the background in that case.
// A panic in fn is returned as an error wrapping ErrSendPanicked.
func RunWithContext(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("%w: %v", ErrSendPanicked, rec)
			}
		}()
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
