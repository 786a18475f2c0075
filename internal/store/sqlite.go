// This file implements an SQLite-backed store for reminders and contacts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time checks that SQLiteStore implements the reminder interfaces.
var (
	_ ReminderStore = (*SQLiteStore)(nil)
	_ ContactBook   = (*SQLiteStore)(nil)
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serializes writers inside the process; the conditional
	// updates still guard against other processes sharing the file.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dir", dir)

	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLiteStore) FindDue(ctx context.Context, now time.Time, limit int) ([]models.Reminder, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE active = 1 AND dispatch_state = 'pending' AND next_fire_at <= ?
		 ORDER BY next_fire_at ASC LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		slog.Error("SQLiteStore.FindDue query failed", "error", err)
		return nil, fmt.Errorf("find due reminders failed: %w", err)
	}
	defer rows.Close()

	due, err := scanReminders(rows)
	if err != nil {
		return nil, err
	}
	slog.Debug("SQLiteStore.FindDue", "count", len(due), "now", now)
	return due, nil
}

func (s *SQLiteStore) TryClaim(ctx context.Context, id, token string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET dispatch_state = 'claimed', claim_token = ?, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND dispatch_state = 'pending' AND active = 1`,
		token, now.UTC(), s.now(), id,
	)
	if err != nil {
		slog.Error("SQLiteStore.TryClaim failed", "error", err, "id", id)
		return false, fmt.Errorf("claim reminder %s failed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim reminder %s rows affected: %w", id, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) ApplyOutcome(ctx context.Context, id, token string, o models.Outcome) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET dispatch_state = ?, active = ?,
		   next_fire_at = COALESCE(?, next_fire_at), attempts = ?, last_error = ?,
		   last_dispatched_at = COALESCE(?, last_dispatched_at),
		   claim_token = NULL, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND dispatch_state = 'claimed' AND claim_token = ?`,
		o.State.String(), o.Active, outcomeFireAt(o), o.Attempts, nilIfEmpty(o.LastError),
		nullableTime(o.DispatchedAt), s.now(), id, token,
	)
	if err != nil {
		slog.Error("SQLiteStore.ApplyOutcome failed", "error", err, "id", id)
		return fmt.Errorf("apply outcome to %s failed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply outcome to %s rows affected: %w", id, err)
	}
	if n == 0 {
		return s.claimLostOrMissing(ctx, id)
	}
	slog.Debug("SQLiteStore.ApplyOutcome", "id", id, "state", o.State, "active", o.Active)
	return nil
}

func (s *SQLiteStore) claimLostOrMissing(ctx context.Context, id string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM reminders WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup reminder %s failed: %w", id, err)
	}
	return ErrClaimLost
}

func (s *SQLiteStore) CreateReminder(ctx context.Context, r models.Reminder) (string, error) {
	if r.ID == "" {
		r.ID = util.GenerateReminderID()
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (id, owner, message, next_fire_at, recurrence, channel, active, dispatch_state,
		   end_repeat, related_goal, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, 0, ?, ?)`,
		r.ID, r.Owner, r.Message, r.NextFireAt.UTC(), r.Recurrence.String(), r.Channel.String(), r.Active,
		nullableTime(r.EndRepeat), nilIfEmpty(r.RelatedGoal), now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.CreateReminder failed", "error", err, "owner", r.Owner)
		return "", fmt.Errorf("insert reminder failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateReminder", "id", r.ID, "nextFireAt", r.NextFireAt, "recurrence", r.Recurrence)
	return r.ID, nil
}

func (s *SQLiteStore) GetReminder(ctx context.Context, id string) (*models.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder %s failed: %w", id, err)
	}
	return &r, nil
}

func (s *SQLiteStore) RequeueStaleClaims(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET dispatch_state = 'pending', claim_token = NULL, claimed_at = NULL, updated_at = ?
		 WHERE dispatch_state = 'claimed' AND claimed_at < ?`,
		s.now(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale claims failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleClaims", "requeued", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) LookupContact(ctx context.Context, owner string) (models.Contact, error) {
	c := models.Contact{Owner: owner}
	var email, phone sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT email, phone FROM contacts WHERE owner = ?`, owner).Scan(&email, &phone)
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

func (s *SQLiteStore) UpsertContact(ctx context.Context, c models.Contact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (owner, email, phone, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(owner) DO UPDATE SET email = excluded.email, phone = excluded.phone, updated_at = excluded.updated_at`,
		c.Owner, nilIfEmpty(c.Email), nilIfEmpty(c.Phone), s.now(),
	)
	if err != nil {
		return fmt.Errorf("upsert contact %s failed: %w", c.Owner, err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
