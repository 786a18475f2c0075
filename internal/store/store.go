// Package store provides storage backends for ReminderPipe.
//
// It defines the ReminderStore boundary used by the scanner, with in-memory, SQLite and
// PostgreSQL implementations, plus the durable job queue and owner-notice outbox that
// share the same databases.
package store

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/util"
)

var (
	// ErrNotFound is returned when a reminder or contact does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrClaimLost is returned by ApplyOutcome when the reminder is no longer claimed
	// with the given token (it was requeued as stale and possibly claimed again).
	ErrClaimLost = errors.New("store: claim lost")
)

// ReminderStore is the persistence boundary of the reminder engine.
//
// TryClaim and ApplyOutcome are single conditional writes; they are the only
// concurrency control between scanner instances.
type ReminderStore interface {
	// FindDue returns active, pending reminders with next_fire_at <= now, oldest first.
	// A limit <= 0 means no limit.
	FindDue(ctx context.Context, now time.Time, limit int) ([]models.Reminder, error)

	// TryClaim transitions a reminder from pending to claimed, recording token.
	// It reports false when the reminder was not pending anymore.
	TryClaim(ctx context.Context, id, token string, now time.Time) (bool, error)

	// ApplyOutcome persists the post-dispatch state of a reminder claimed with token.
	ApplyOutcome(ctx context.Context, id, token string, outcome models.Outcome) error

	// CreateReminder inserts a reminder in pending state and returns its ID.
	CreateReminder(ctx context.Context, r models.Reminder) (string, error)

	// GetReminder returns a reminder by ID.
	GetReminder(ctx context.Context, id string) (*models.Reminder, error)

	// RequeueStaleClaims resets reminders claimed before staleBefore back to pending.
	RequeueStaleClaims(ctx context.Context, staleBefore time.Time) (int, error)

	Close() error
}

// ContactBook resolves reminder owners to channel addresses.
type ContactBook interface {
	LookupContact(ctx context.Context, owner string) (models.Contact, error)
	UpsertContact(ctx context.Context, c models.Contact) error
}

// Compile-time checks for the in-memory store.
var (
	_ ReminderStore = (*InMemoryStore)(nil)
	_ ContactBook   = (*InMemoryStore)(nil)
)

type memReminder struct {
	r models.Reminder
}

// InMemoryStore keeps reminders and contacts in process memory. Its mutex is the
// storage primitive that makes TryClaim and ApplyOutcome atomic.
type InMemoryStore struct {
	mu        sync.Mutex
	reminders map[string]*memReminder
	contacts  map[string]models.Contact
	now       func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		reminders: make(map[string]*memReminder),
		contacts:  make(map[string]models.Contact),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) FindDue(ctx context.Context, now time.Time, limit int) ([]models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.Reminder
	for _, m := range s.reminders {
		r := m.r
		if !r.Active || r.DispatchState != models.DispatchPending || r.NextFireAt.After(now) {
			continue
		}
		due = append(due, r)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextFireAt.Before(due[j].NextFireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryStore) TryClaim(ctx context.Context, id, token string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.reminders[id]
	if !ok || !m.r.Active || m.r.DispatchState != models.DispatchPending {
		return false, nil
	}
	claimedAt := now.UTC()
	m.r.DispatchState = models.DispatchClaimed
	m.r.ClaimedAt = &claimedAt
	m.r.UpdatedAt = s.now()
	m.r.ClaimToken = token
	return true, nil
}

func (s *InMemoryStore) ApplyOutcome(ctx context.Context, id, token string, o models.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.reminders[id]
	if !ok {
		return ErrNotFound
	}
	if m.r.DispatchState != models.DispatchClaimed || m.r.ClaimToken != token {
		return ErrClaimLost
	}
	m.r.DispatchState = o.State
	m.r.Active = o.Active
	if !o.NextFireAt.IsZero() {
		m.r.NextFireAt = o.NextFireAt.UTC()
	}
	m.r.Attempts = o.Attempts
	m.r.LastError = o.LastError
	if o.DispatchedAt != nil {
		at := o.DispatchedAt.UTC()
		m.r.LastDispatchedAt = &at
	}
	m.r.ClaimedAt = nil
	m.r.UpdatedAt = s.now()
	m.r.ClaimToken = ""
	return nil
}

func (s *InMemoryStore) CreateReminder(ctx context.Context, r models.Reminder) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = util.GenerateReminderID()
	}
	now := s.now()
	r.NextFireAt = r.NextFireAt.UTC()
	r.DispatchState = models.DispatchPending
	r.ClaimToken = ""
	r.CreatedAt = now
	r.UpdatedAt = now
	s.reminders[r.ID] = &memReminder{r: r}
	slog.Debug("InMemoryStore.CreateReminder", "id", r.ID, "nextFireAt", r.NextFireAt)
	return r.ID, nil
}

func (s *InMemoryStore) GetReminder(ctx context.Context, id string) (*models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.reminders[id]
	if !ok {
		return nil, ErrNotFound
	}
	r := m.r
	return &r, nil
}

func (s *InMemoryStore) RequeueStaleClaims(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.reminders {
		if m.r.DispatchState != models.DispatchClaimed || m.r.ClaimedAt == nil || !m.r.ClaimedAt.Before(staleBefore) {
			continue
		}
		m.r.DispatchState = models.DispatchPending
		m.r.ClaimedAt = nil
		m.r.UpdatedAt = s.now()
		m.r.ClaimToken = ""
		n++
	}
	if n > 0 {
		slog.Info("InMemoryStore.RequeueStaleClaims", "requeued", n)
	}
	return n, nil
}

func (s *InMemoryStore) LookupContact(ctx context.Context, owner string) (models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[owner]
	if !ok {
		return models.Contact{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemoryStore) UpsertContact(ctx context.Context, c models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.Owner] = c
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
