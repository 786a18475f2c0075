// Package scanner finds due reminders and dispatches each occurrence exactly once.
//
// Every candidate is claimed with a conditional store write before it is handed to
// a Dispatcher, so concurrent cycles in one or many processes never dispatch the
// same occurrence twice.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

// ErrStoreUnavailable is wrapped by RunCycle when the store could not be read or written.
var ErrStoreUnavailable = errors.New("scanner: store unavailable")

// Default scanner settings.
const (
	DefaultWorkers     = 8
	DefaultBatchSize   = 100
	DefaultSendTimeout = 30 * time.Second
	DefaultMaxAttempts = 3
)

// Config tunes a scan cycle.
type Config struct {
	// Workers bounds concurrent dispatches within one cycle.
	Workers int
	// BatchSize caps the candidates fetched per cycle; <= 0 means no cap.
	BatchSize int
	// SendTimeout bounds a single channel send.
	SendTimeout time.Duration
	// MaxAttempts is the number of consecutive failed sends after which a
	// reminder is deactivated.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Summary counts what one cycle did.
type Summary struct {
	Candidates int
	Claimed    int
	Sent       int
	Failed     int
	Skipped    int
	Queued     int
}

func (s *Summary) record(r Result) {
	switch r {
	case ResultSent:
		s.Sent++
	case ResultRetry, ResultFailed:
		s.Failed++
	case ResultQueued:
		s.Queued++
	}
}

// Scanner runs discovery and claim cycles.
type Scanner struct {
	store      store.ReminderStore
	dispatcher Dispatcher
	cfg        Config
	newToken   func() string
}

// New returns a Scanner dispatching claimed reminders through d.
func New(st store.ReminderStore, d Dispatcher, cfg Config) *Scanner {
	return &Scanner{
		store:      st,
		dispatcher: d,
		cfg:        cfg.withDefaults(),
		newToken:   uuid.NewString,
	}
}

// RunCycle dispatches every reminder due at now. Reminders claimed by someone
// else are skipped. On a store error it stops claiming, waits for in-flight
// dispatches and returns an error wrapping ErrStoreUnavailable.
func (s *Scanner) RunCycle(ctx context.Context, now time.Time) (Summary, error) {
	var sum Summary
	now = now.UTC()

	due, err := s.store.FindDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		slog.Error("Scanner.RunCycle: find due failed", "error", err)
		return sum, fmt.Errorf("%w: find due: %w", ErrStoreUnavailable, err)
	}
	sum.Candidates = len(due)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		storeErr error
		sem      = make(chan struct{}, s.cfg.Workers)
	)
	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return storeErr != nil
	}

claimLoop:
	for _, r := range due {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break claimLoop
		}
		if failed() || ctx.Err() != nil {
			<-sem
			break
		}

		token := s.newToken()
		ok, err := s.store.TryClaim(ctx, r.ID, token, now)
		if err != nil {
			<-sem
			slog.Error("Scanner.RunCycle: claim failed", "id", r.ID, "error", err)
			mu.Lock()
			storeErr = fmt.Errorf("claim %s: %w", r.ID, err)
			mu.Unlock()
			break
		}
		if !ok {
			<-sem
			mu.Lock()
			sum.Skipped++
			mu.Unlock()
			continue
		}

		r.DispatchState = models.DispatchClaimed
		claimedAt := now
		r.ClaimedAt = &claimedAt
		mu.Lock()
		sum.Claimed++
		mu.Unlock()

		wg.Add(1)
		go func(r models.Reminder, token string) {
			defer wg.Done()
			defer func() { <-sem }()

			result, err := s.dispatcher.Dispatch(ctx, r, token)
			mu.Lock()
			defer mu.Unlock()
			sum.record(result)
			if err != nil && !errors.Is(err, store.ErrClaimLost) && storeErr == nil {
				storeErr = err
			}
		}(r, token)
	}
	wg.Wait()

	slog.Info("Scanner.RunCycle: cycle complete",
		"now", now, "candidates", sum.Candidates, "claimed", sum.Claimed, "sent", sum.Sent,
		"failed", sum.Failed, "skipped", sum.Skipped, "queued", sum.Queued)

	if storeErr != nil {
		return sum, fmt.Errorf("%w: %w", ErrStoreUnavailable, storeErr)
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}
