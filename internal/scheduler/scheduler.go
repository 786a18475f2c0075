// Package scheduler triggers reminder scan cycles and the weekly digest.
//
// Jobs are driven by a cron in UTC. Scan ticks are not serialized: a slow cycle
// may overlap the next one, and the scanner's claim protocol keeps that safe.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/ReminderPipe/internal/clock"
)

// Default trigger settings.
const (
	DefaultIntervalMinutes = 5
	DefaultDayOfWeek       = 1 // Monday
	DefaultHourUTC         = 9
)

// ScanFunc runs one scan cycle at now.
type ScanFunc func(ctx context.Context, now time.Time) error

// DigestFunc runs the weekly digest.
type DigestFunc func(ctx context.Context) error

// Config holds the trigger schedule.
type Config struct {
	IntervalMinutes int
	DayOfWeek       int
	HourUTC         int
}

// DefaultConfig returns the default trigger schedule.
func DefaultConfig() Config {
	return Config{
		IntervalMinutes: DefaultIntervalMinutes,
		DayOfWeek:       DefaultDayOfWeek,
		HourUTC:         DefaultHourUTC,
	}
}

// Validate rejects schedules cron cannot express.
func (c Config) Validate() error {
	if c.IntervalMinutes <= 0 {
		return fmt.Errorf("scan interval must be positive, got %d minutes", c.IntervalMinutes)
	}
	if c.DayOfWeek < 0 || c.DayOfWeek > 6 {
		return fmt.Errorf("digest day of week must be 0-6, got %d", c.DayOfWeek)
	}
	if c.HourUTC < 0 || c.HourUTC > 23 {
		return fmt.Errorf("digest hour must be 0-23, got %d", c.HourUTC)
	}
	return nil
}

func (c Config) scanSpec() string {
	return fmt.Sprintf("@every %dm", c.IntervalMinutes)
}

func (c Config) digestSpec() string {
	return fmt.Sprintf("0 %d * * %d", c.HourUTC, c.DayOfWeek)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock whose reading is passed to scan cycles.
func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clk
	}
}

// Scheduler owns the cron entries of the engine.
type Scheduler struct {
	cron   *cron.Cron
	cfg    Config
	scan   ScanFunc
	digest DigestFunc
	clock  clock.Clock

	mu  sync.RWMutex
	ctx context.Context

	scanID   cron.EntryID
	digestID cron.EntryID
}

// New registers the scan and digest jobs. A nil digest disables the digest entry.
func New(cfg Config, scan ScanFunc, digest DigestFunc, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if scan == nil {
		return nil, fmt.Errorf("scheduler: scan function is nil")
	}

	logger := slogLogger{}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		cfg:    cfg,
		scan:   scan,
		digest: digest,
		clock:  clock.System{},
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	s.scanID, err = s.cron.AddFunc(cfg.scanSpec(), func() { s.runScan(s.runContext()) })
	if err != nil {
		return nil, fmt.Errorf("register scan job: %w", err)
	}
	if digest != nil {
		s.digestID, err = s.cron.AddFunc(cfg.digestSpec(), s.runDigest)
		if err != nil {
			return nil, fmt.Errorf("register digest job: %w", err)
		}
	}
	slog.Debug("Scheduler.New: jobs registered", "scan", cfg.scanSpec(), "digest", cfg.digestSpec(), "digestEnabled", digest != nil)
	return s, nil
}

// AddJob schedules an auxiliary periodic job. spec is a 5-field cron expression
// or a descriptor such as "@every 15m".
func (s *Scheduler) AddJob(name, spec string, fn func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		slog.Debug("Scheduler: running job", "job", name)
		fn(s.runContext())
	})
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	slog.Debug("Scheduler.AddJob", "job", name, "spec", spec)
	return nil
}

// Start begins firing jobs. Jobs receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	slog.Info("Scheduler.Start: scheduler started", "scanEvery", fmt.Sprintf("%dm", s.cfg.IntervalMinutes), "digest", s.cfg.digestSpec())
}

// Stop stops firing new jobs. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	slog.Info("Scheduler.Stop: stopping scheduler")
	return s.cron.Stop()
}

// RunScanNow runs one scan cycle immediately on the caller's goroutine.
func (s *Scheduler) RunScanNow(ctx context.Context) error {
	return s.runScan(ctx)
}

// NextScan returns the next scheduled scan time, or zero before Start.
func (s *Scheduler) NextScan() time.Time {
	return s.cron.Entry(s.scanID).Next
}

func (s *Scheduler) runContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

func (s *Scheduler) runScan(ctx context.Context) error {
	now := s.clock.Now()
	if err := s.scan(ctx, now); err != nil {
		slog.Error("Scheduler.runScan: scan cycle failed", "now", now, "error", err)
		return err
	}
	return nil
}

func (s *Scheduler) runDigest() {
	slog.Info("Scheduler.runDigest: running weekly digest")
	if err := s.digest(s.runContext()); err != nil {
		slog.Error("Scheduler.runDigest: digest failed", "error", err)
	}
}

// slogLogger routes cron's own logging to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
