package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/verdantapp/verdant/internal/model"
	"github.com/verdantapp/verdant/internal/recurrence"
	"go.uber.org/multierr"
)

type ReminderStore struct {
	db *sql.DB
}

func NewReminderStore(db *sql.DB) *ReminderStore {
	return &ReminderStore{db: db}
}

// DueReminder is a reminder eligible for dispatch, denormalized with the
// owning user and challenge name so the dispatcher never walks the entity
// graph.
type DueReminder struct {
	model.Reminder
	UserID        int64
	ChallengeName string
}

// StagedTransition is a pending post-firing mutation: either deactivate the
// reminder or advance it to NextUTC.
type StagedTransition struct {
	ReminderID int64
	Deactivate bool
	NextUTC    time.Time
}

// Create inserts an active reminder for the progression. If an active
// reminder already exists, the existing one is returned with existed=true;
// the partial unique index makes this safe against concurrent creates.
func (s *ReminderStore) Create(progressionID int64, scheduledAtUTC time.Time, rec recurrence.Recurrence, timezone string) (*model.Reminder, bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO reminders (progression_id, scheduled_at_utc, recurrence, timezone, active)
		 VALUES (?, ?, ?, ?, 1)
		 ON CONFLICT(progression_id) WHERE active = 1 DO NOTHING`,
		progressionID, normalize(scheduledAtUTC), rec.String(), timezone,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert reminder: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		existing, err := s.getActiveByProgression(progressionID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("insert reminder: conflict but no active row for progression %d", progressionID)
		}
		return existing, true, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("last insert id: %w", err)
	}
	rem, err := s.GetByID(id)
	return rem, false, err
}

func (s *ReminderStore) GetByID(id int64) (*model.Reminder, error) {
	return s.get(
		`SELECT id, progression_id, scheduled_at_utc, recurrence, timezone, active
		 FROM reminders WHERE id = ?`, id)
}

// GetOwned returns the reminder only if its progression belongs to userID.
func (s *ReminderStore) GetOwned(id, userID int64) (*model.Reminder, error) {
	return s.get(
		`SELECT r.id, r.progression_id, r.scheduled_at_utc, r.recurrence, r.timezone, r.active
		 FROM reminders r
		 JOIN progressions p ON p.id = r.progression_id
		 WHERE r.id = ? AND p.user_id = ?`, id, userID)
}

func (s *ReminderStore) getActiveByProgression(progressionID int64) (*model.Reminder, error) {
	return s.get(
		`SELECT id, progression_id, scheduled_at_utc, recurrence, timezone, active
		 FROM reminders WHERE progression_id = ? AND active = 1`, progressionID)
}

func (s *ReminderStore) get(query string, args ...any) (*model.Reminder, error) {
	var r model.Reminder
	var recStr string
	var activeInt int

	err := s.db.QueryRow(query, args...).
		Scan(&r.ID, &r.ProgressionID, &r.ScheduledAtUTC, &recStr, &r.Timezone, &activeInt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder: %w", err)
	}

	rec, err := recurrence.Parse(recStr)
	if err != nil {
		return nil, fmt.Errorf("reminder %d: %w", r.ID, err)
	}
	r.Recurrence = rec
	r.Active = activeInt != 0
	r.ScheduledAtUTC = r.ScheduledAtUTC.UTC()
	return &r, nil
}

// SetScheduledAt moves the reminder's fire time without touching recurrence
// or active (snooze and manual-complete advances).
func (s *ReminderStore) SetScheduledAt(id int64, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE reminders SET scheduled_at_utc = ? WHERE id = ?`, normalize(at), id)
	if err != nil {
		return fmt.Errorf("set reminder schedule: %w", err)
	}
	return nil
}

// Delete removes the reminder row. Only used for terminal user actions;
// dispatch never hard-deletes.
func (s *ReminderStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	return nil
}

// ListDue returns active reminders due at or before now, oldest first, capped
// at limit. A non-zero window sets an eligibility floor of now-window:
// anything older is intentionally left for its next natural occurrence so a
// scheduler outage cannot cause a delivery storm. userID of 0 means all users.
func (s *ReminderStore) ListDue(now time.Time, window time.Duration, limit int, userID int64) ([]DueReminder, error) {
	now = normalize(now)

	query := `SELECT r.id, r.progression_id, r.scheduled_at_utc, r.recurrence, r.timezone, r.active,
			p.user_id, c.name
		 FROM reminders r
		 JOIN progressions p ON p.id = r.progression_id
		 JOIN challenges c ON c.id = p.challenge_id
		 WHERE r.active = 1 AND r.scheduled_at_utc <= ?`
	args := []any{now}

	if window > 0 {
		query += ` AND r.scheduled_at_utc >= ?`
		args = append(args, now.Add(-window))
	}
	if userID != 0 {
		query += ` AND p.user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY r.scheduled_at_utc ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	defer rows.Close()

	var due []DueReminder
	for rows.Next() {
		var d DueReminder
		var recStr string
		var activeInt int
		if err := rows.Scan(&d.ID, &d.ProgressionID, &d.ScheduledAtUTC, &recStr, &d.Timezone, &activeInt,
			&d.UserID, &d.ChallengeName); err != nil {
			return nil, fmt.Errorf("scan due reminder: %w", err)
		}
		rec, err := recurrence.Parse(recStr)
		if err != nil {
			return nil, fmt.Errorf("reminder %d: %w", d.ID, err)
		}
		d.Recurrence = rec
		d.Active = activeInt != 0
		d.ScheduledAtUTC = d.ScheduledAtUTC.UTC()
		due = append(due, d)
	}
	return due, rows.Err()
}

// ApplyTransitions persists a batch of staged mutations in one transaction.
func (s *ReminderStore) ApplyTransitions(staged []StagedTransition) error {
	if len(staged) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transition batch: %w", err)
	}

	var errs error
	for _, t := range staged {
		var execErr error
		if t.Deactivate {
			_, execErr = tx.Exec(`UPDATE reminders SET active = 0 WHERE id = ?`, t.ReminderID)
		} else {
			_, execErr = tx.Exec(`UPDATE reminders SET scheduled_at_utc = ? WHERE id = ?`, normalize(t.NextUTC), t.ReminderID)
		}
		if execErr != nil {
			errs = multierr.Append(errs, fmt.Errorf("reminder %d: %w", t.ReminderID, execErr))
		}
	}

	if errs != nil {
		tx.Rollback()
		return fmt.Errorf("apply transitions: %w", errs)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition batch: %w", err)
	}
	return nil
}

// normalize pins stored instants to whole UTC seconds so the text encoding
// compares correctly in SQL.
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
