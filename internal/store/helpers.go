package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// reminderColumns is the column list shared by every reminder SELECT/RETURNING.
const reminderColumns = `id, owner, message, next_fire_at, recurrence, channel, active, dispatch_state,
	end_repeat, related_goal, attempts, last_error, claim_token, claimed_at, last_dispatched_at, created_at, updated_at`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullableTime converts an optional instant into a UTC value or nil.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanReminder reads one reminder in reminderColumns order.
func scanReminder(row rowScanner) (models.Reminder, error) {
	var r models.Reminder
	var recurrence, channel, state string
	var relatedGoal, lastError, claimToken sql.NullString
	var endRepeat, claimedAt, lastDispatchedAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.Owner, &r.Message, &r.NextFireAt, &recurrence, &channel, &r.Active, &state,
		&endRepeat, &relatedGoal, &r.Attempts, &lastError, &claimToken, &claimedAt, &lastDispatchedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, err
	}
	if r.Recurrence, err = models.ParseRecurrence(recurrence); err != nil {
		return r, fmt.Errorf("reminder %s: %w", r.ID, err)
	}
	if r.Channel, err = models.ParseChannel(channel); err != nil {
		return r, fmt.Errorf("reminder %s: %w", r.ID, err)
	}
	if r.DispatchState, err = models.ParseDispatchState(state); err != nil {
		return r, fmt.Errorf("reminder %s: %w", r.ID, err)
	}
	r.NextFireAt = r.NextFireAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.EndRepeat = timePtr(endRepeat)
	r.ClaimedAt = timePtr(claimedAt)
	r.LastDispatchedAt = timePtr(lastDispatchedAt)
	r.RelatedGoal = relatedGoal.String
	r.LastError = lastError.String
	r.ClaimToken = claimToken.String
	return r, nil
}

func scanReminders(rows *sql.Rows) ([]models.Reminder, error) {
	var reminders []models.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder failed: %w", err)
		}
		reminders = append(reminders, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reminder rows iteration failed: %w", err)
	}
	return reminders, nil
}

// scanJob reads one job row.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.RunAt = j.RunAt.UTC()
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	j.LockedAt = timePtr(lockedAt)
	return j, nil
}

// scanOutboxMessage reads one outbox row.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.Owner, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	m.NextAttemptAt = timePtr(nextAttemptAt)
	m.LockedAt = timePtr(lockedAt)
	return m, nil
}

// outcomeFireAt returns the new next_fire_at of an outcome, or nil to keep the stored one.
func outcomeFireAt(o models.Outcome) interface{} {
	if o.NextFireAt.IsZero() {
		return nil
	}
	return o.NextFireAt.UTC()
}
