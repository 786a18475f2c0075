// This file implements a PostgreSQL-backed store for reminders and contacts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/util"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

var (
	_ ReminderStore = (*PostgresStore)(nil)
	_ ContactBook   = (*PostgresStore)(nil)
)

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *PostgresStore) FindDue(ctx context.Context, now time.Time, limit int) ([]models.Reminder, error) {
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE active AND dispatch_state = 'pending' AND next_fire_at <= $1
		 ORDER BY next_fire_at ASC LIMIT $2`,
		now.UTC(), lim,
	)
	if err != nil {
		slog.Error("PostgresStore.FindDue query failed", "error", err)
		return nil, fmt.Errorf("find due reminders failed: %w", err)
	}
	defer rows.Close()

	due, err := scanReminders(rows)
	if err != nil {
		return nil, err
	}
	slog.Debug("PostgresStore.FindDue", "count", len(due), "now", now)
	return due, nil
}

func (s *PostgresStore) TryClaim(ctx context.Context, id, token string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET dispatch_state = 'claimed', claim_token = $1, claimed_at = $2, updated_at = $3
		 WHERE id = $4 AND dispatch_state = 'pending' AND active`,
		token, now.UTC(), s.now(), id,
	)
	if err != nil {
		slog.Error("PostgresStore.TryClaim failed", "error", err, "id", id)
		return false, fmt.Errorf("claim reminder %s failed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim reminder %s rows affected: %w", id, err)
	}
	return n == 1, nil
}

func (s *PostgresStore) ApplyOutcome(ctx context.Context, id, token string, o models.Outcome) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET dispatch_state = $1, active = $2,
		   next_fire_at = COALESCE($3::timestamptz, next_fire_at), attempts = $4, last_error = $5,
		   last_dispatched_at = COALESCE($6::timestamptz, last_dispatched_at),
		   claim_token = NULL, claimed_at = NULL, updated_at = $7
		 WHERE id = $8 AND dispatch_state = 'claimed' AND claim_token = $9`,
		o.State.String(), o.Active, outcomeFireAt(o), o.Attempts, nilIfEmpty(o.LastError),
		nullableTime(o.DispatchedAt), s.now(), id, token,
	)
	if err != nil {
		slog.Error("PostgresStore.ApplyOutcome failed", "error", err, "id", id)
		return fmt.Errorf("apply outcome to %s failed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply outcome to %s rows affected: %w", id, err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM reminders WHERE id = $1`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup reminder %s failed: %w", id, err)
		}
		return ErrClaimLost
	}
	slog.Debug("PostgresStore.ApplyOutcome", "id", id, "state", o.State, "active", o.Active)
	return nil
}

func (s *PostgresStore) CreateReminder(ctx context.Context, r models.Reminder) (string, error) {
	if r.ID == "" {
		r.ID = util.GenerateReminderID()
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (id, owner, message, next_fire_at, recurrence, channel, active, dispatch_state,
		   end_repeat, related_goal, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9, 0, $10, $10)`,
		r.ID, r.Owner, r.Message, r.NextFireAt.UTC(), r.Recurrence.String(), r.Channel.String(), r.Active,
		nullableTime(r.EndRepeat), nilIfEmpty(r.RelatedGoal), now,
	)
	if err != nil {
		slog.Error("PostgresStore.CreateReminder failed", "error", err, "owner", r.Owner)
		return "", fmt.Errorf("insert reminder failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateReminder", "id", r.ID, "nextFireAt", r.NextFireAt, "recurrence", r.Recurrence)
	return r.ID, nil
}

func (s *PostgresStore) GetReminder(ctx context.Context, id string) (*models.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = $1`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder %s failed: %w", id, err)
	}
	return &r, nil
}

func (s *PostgresStore) RequeueStaleClaims(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET dispatch_state = 'pending', claim_token = NULL, claimed_at = NULL, updated_at = $1
		 WHERE dispatch_state = 'claimed' AND claimed_at < $2`,
		s.now(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale claims failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleClaims", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) LookupContact(ctx context.Context, owner string) (models.Contact, error) {
	c := models.Contact{Owner: owner}
	var email, phone sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT email, phone FROM contacts WHERE owner = $1`, owner).Scan(&email, &phone)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("lookup contact %s failed: %w", owner, err)
	}
	c.Email = email.String
	c.Phone = phone.String
	return c, nil
}

func (s *PostgresStore) UpsertContact(ctx context.Context, c models.Contact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (owner, email, phone, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (owner) DO UPDATE SET email = EXCLUDED.email, phone = EXCLUDED.phone, updated_at = EXCLUDED.updated_at`,
		c.Owner, nilIfEmpty(c.Email), nilIfEmpty(c.Phone), s.now(),
	)
	if err != nil {
		return fmt.Errorf("upsert contact %s failed: %w", c.Owner, err)
	}
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
