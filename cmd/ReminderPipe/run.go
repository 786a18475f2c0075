package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/channel"
	"github.com/BTreeMap/ReminderPipe/internal/clock"
	"github.com/BTreeMap/ReminderPipe/internal/config"
	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/notify"
	"github.com/BTreeMap/ReminderPipe/internal/scanner"
	"github.com/BTreeMap/ReminderPipe/internal/scheduler"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

// shutdownTimeout bounds the wait for running scheduler jobs on exit.
const shutdownTimeout = time.Minute

// backend is a database that carries reminders, contacts, jobs and the outbox.
type backend interface {
	store.ReminderStore
	store.ContactBook
	store.JobRepo
	store.OutboxRepo
}

func openBackend(dsn string) (backend, error) {
	opts := buildStoreOptions(dsn)
	if store.DetectDSNType(dsn) == "postgres" {
		pg, err := store.NewPostgresStore(opts...)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	lite, err := store.NewSQLiteStore(opts...)
	if err != nil {
		return nil, err
	}
	return lite, nil
}

// closer releases a channel resource on shutdown.
type closer interface {
	Close() error
}

// buildRegistry registers a sender for every channel whose provider is configured.
func buildRegistry(cfg *config.Config, contacts channel.Contacts) (*channel.Registry, []closer, error) {
	reg := channel.NewRegistry()
	var closers []closer

	if cfg.SMTP.Enabled() {
		email, err := channel.NewEmailSender(contacts,
			channel.WithSMTPHost(cfg.SMTP.Host, cfg.SMTP.Port),
			channel.WithSMTPAuth(cfg.SMTP.Username, cfg.SMTP.Password),
			channel.WithSMTPFrom(cfg.SMTP.From),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("email channel: %w", err)
		}
		reg.Register(models.ChannelEmail, channel.RateLimited(email, channel.NewLimiter(cfg.Channels.RatePerSecond)))
	}

	if cfg.Twilio.Enabled() {
		sms, err := channel.NewSMSSender(contacts,
			channel.WithAccountSID(cfg.Twilio.AccountSID),
			channel.WithAuthToken(cfg.Twilio.AuthToken),
			channel.WithFromNumber(cfg.Twilio.FromNumber),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("sms channel: %w", err)
		}
		reg.Register(models.ChannelSMS, channel.RateLimited(sms, channel.NewLimiter(cfg.Channels.RatePerSecond)))
	}

	if cfg.Redis.Enabled() {
		pub := channel.NewRedisPublisher(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		closers = append(closers, pub)
		reg.Register(models.ChannelApp, channel.RateLimited(channel.NewAppSender(pub), channel.NewLimiter(cfg.Channels.RatePerSecond)))
	}

	slog.Info("Channel registry built", "channels", reg.Channels())
	return reg, closers, nil
}

// buildDispatcher returns the dispatcher selected by dispatch.mode, and the job
// runner that must be started for it, if any.
func buildDispatcher(cfg *config.Config, db backend, proc *scanner.Processor, clk clock.Clock) (scanner.Dispatcher, *store.JobRunner) {
	if cfg.Dispatch.Mode != config.DispatchQueue {
		return scanner.NewSyncDispatcher(proc), nil
	}
	runner := store.NewJobRunner(db, cfg.Dispatch.JobPollInterval)
	scanner.RegisterDispatchHandler(runner, db, proc)
	return scanner.NewQueueDispatcher(db, db, clk), runner
}

func scannerConfig(cfg *config.Config) scanner.Config {
	return scanner.Config{
		Workers:     cfg.Scan.Workers,
		BatchSize:   cfg.Scan.BatchSize,
		SendTimeout: cfg.Scan.SendTimeout,
		MaxAttempts: cfg.Scan.MaxAttempts,
	}
}

// requeueStaleClaims resets claims older than the configured threshold.
func requeueStaleClaims(ctx context.Context, st store.ReminderStore, clk clock.Clock, after time.Duration) {
	n, err := st.RequeueStaleClaims(ctx, clk.Now().Add(-after))
	if err != nil {
		slog.Error("Stale claim recovery failed", "error", err)
		return
	}
	if n > 0 {
		slog.Warn("Requeued stale reminder claims", "count", n)
	}
}

// run wires the engine and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	db, err := openBackend(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	reg, closers, err := buildRegistry(cfg, db)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				slog.Warn("Channel close failed", "error", err)
			}
		}
	}()

	noticeChannel, err := cfg.NoticeChannel()
	if err != nil {
		return err
	}

	clk := clock.System{}
	scanCfg := scannerConfig(cfg)
	proc := scanner.NewProcessor(db, reg, notify.NewOutboxNotifier(db), clk, scanCfg)
	dispatcher, jobRunner := buildDispatcher(cfg, db, proc, clk)
	scan := scanner.New(db, dispatcher, scanCfg)

	outbox := store.NewOutboxSender(db, notify.NewDeliverer(reg, noticeChannel).Send, cfg.Outbox.PollInterval)
	if err := outbox.RecoverStaleMessages(ctx); err != nil {
		slog.Warn("Outbox recovery failed", "error", err)
	}
	requeueStaleClaims(ctx, db, clk, cfg.Scan.StaleClaimAfter)

	sched, err := scheduler.New(
		scheduler.Config{
			IntervalMinutes: cfg.Scan.IntervalMinutes,
			DayOfWeek:       cfg.Digest.DayOfWeek,
			HourUTC:         cfg.Digest.HourUTC,
		},
		func(ctx context.Context, now time.Time) error {
			_, err := scan.RunCycle(ctx, now)
			return err
		},
		weeklyDigest,
		scheduler.WithClock(clk),
	)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	staleEvery := fmt.Sprintf("@every %s", cfg.Scan.StaleClaimAfter)
	if err := sched.AddJob("stale-claims", staleEvery, func(ctx context.Context) {
		requeueStaleClaims(ctx, db, clk, cfg.Scan.StaleClaimAfter)
	}); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		outbox.Run(ctx)
	}()
	if jobRunner != nil {
		if err := jobRunner.RecoverStaleJobs(ctx); err != nil {
			slog.Warn("Job recovery failed", "error", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobRunner.Run(ctx)
		}()
	}

	sched.Start(ctx)
	if err := sched.RunScanNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("Initial scan failed", "error", err)
	}

	<-ctx.Done()
	slog.Info("Shutdown requested, stopping ReminderPipe")

	select {
	case <-sched.Stop().Done():
	case <-time.After(shutdownTimeout):
		slog.Warn("Timed out waiting for scheduled jobs to finish")
	}
	wg.Wait()
	return nil
}

// weeklyDigest is the digest trigger. Digest content is produced elsewhere.
func weeklyDigest(ctx context.Context) error {
	slog.Info("Weekly digest triggered")
	return nil
}
