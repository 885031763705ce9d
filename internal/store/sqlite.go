package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"skolebot/internal/domain"
)

var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS reminders (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL CHECK(kind IN ('concrete','template')) DEFAULT 'concrete',
  text TEXT NOT NULL,
  child_name TEXT NOT NULL DEFAULT '',
  remind_date TEXT NOT NULL,
  remind_time TEXT NOT NULL,
  due_at DATETIME,
  is_sent INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(kind, is_sent, due_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_reminders_materialized
  ON reminders(text, child_name, remind_date, remind_time) WHERE kind='concrete';
CREATE TABLE IF NOT EXISTS scheduled_tasks (
  name TEXT PRIMARY KEY,
  description TEXT NOT NULL DEFAULT '',
  cron_expr TEXT NOT NULL,
  task_kind TEXT NOT NULL,
  reminder_id TEXT,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_enabled ON scheduled_tasks(enabled, next_run);
CREATE TABLE IF NOT EXISTS retry_attempts (
  subject_key TEXT PRIMARY KEY,
  child_name TEXT NOT NULL,
  year INTEGER NOT NULL,
  week INTEGER NOT NULL,
  attempt_count INTEGER NOT NULL DEFAULT 1,
  state TEXT NOT NULL CHECK(state IN ('pending','succeeded','given_up')) DEFAULT 'pending',
  first_attempt_at DATETIME NOT NULL,
  last_attempt_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_retry_pending ON retry_attempts(state, last_attempt_at);
CREATE TABLE IF NOT EXISTS content_fingerprints (
  child_name TEXT NOT NULL,
  year INTEGER NOT NULL,
  week INTEGER NOT NULL,
  fingerprint TEXT NOT NULL,
  posted_at DATETIME NOT NULL,
  PRIMARY KEY(child_name, year, week)
);
`
	_, err := db.Exec(schema)
	return err
}

// ReminderRepository persists one-off reminders and their templates.
type ReminderRepository interface {
	Insert(ctx context.Context, r domain.Reminder) (string, error)
	Get(ctx context.Context, id string) (domain.Reminder, error)
	ListDue(ctx context.Context, now time.Time) ([]domain.Reminder, error)
	Exists(ctx context.Context, text, date, tm, child string) (bool, error)
	MarkSent(ctx context.Context, id string) error
	MarkUnsent(ctx context.Context, id string) error
}

// TaskRepository persists recurring scheduled tasks.
type TaskRepository interface {
	InsertTask(ctx context.Context, t domain.ScheduledTask) error
	GetTask(ctx context.Context, name string) (domain.ScheduledTask, error)
	ListTasks(ctx context.Context) ([]domain.ScheduledTask, error)
	ListEnabledTasks(ctx context.Context) ([]domain.ScheduledTask, error)
	UpdateRunTimes(ctx context.Context, name string, lastRun, nextRun time.Time) error
	SetEnabled(ctx context.Context, name string, enabled bool) error
}

// RetryRepository persists bounded retry state keyed by business identity.
type RetryRepository interface {
	Track(ctx context.Context, a domain.RetryAttempt) error
	GetAttempt(ctx context.Context, subjectKey string) (domain.RetryAttempt, error)
	ListPending(ctx context.Context) ([]domain.RetryAttempt, error)
	IncrementAttempt(ctx context.Context, subjectKey string, at time.Time) error
	MarkSucceeded(ctx context.Context, subjectKey string, at time.Time) error
	MarkGivenUp(ctx context.Context, subjectKey string, at time.Time) error
}

// ContentRepository persists the last posted fingerprint per (child, week).
type ContentRepository interface {
	Fingerprint(ctx context.Context, child string, p domain.WeekPeriod) (string, bool, error)
	PutFingerprint(ctx context.Context, child string, p domain.WeekPeriod, fp string, at time.Time) error
}

// Store bundles all repositories backed by one SQLite database.
type Store struct {
	db  *sql.DB
	loc *time.Location
}

var (
	_ ReminderRepository = (*Store)(nil)
	_ TaskRepository     = (*Store)(nil)
	_ RetryRepository    = (*Store)(nil)
	_ ContentRepository  = (*Store)(nil)
)

func New(db *sql.DB, loc *time.Location) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{db: db, loc: loc}
}

// --- reminders ---

func (s *Store) Insert(ctx context.Context, r domain.Reminder) (string, error) {
	id := r.ID
	if id == "" {
		id = "rem_" + uuid.NewString()
	}
	if r.Kind == "" {
		r.Kind = domain.ReminderConcrete
	}
	var dueAt any
	if r.Kind == domain.ReminderConcrete {
		t, err := r.DueAt(s.loc)
		if err != nil {
			return "", err
		}
		dueAt = t.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO reminders (id,kind,text,child_name,remind_date,remind_time,due_at,is_sent,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,0,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, r.Kind, r.Text, r.ChildName, r.RemindDate, r.RemindTime, dueAt)
	return id, err
}

func (s *Store) Get(ctx context.Context, id string) (domain.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,kind,text,child_name,remind_date,remind_time,is_sent,created_at,updated_at
FROM reminders WHERE id=?`, id)
	return scanReminder(row)
}

func (s *Store) ListDue(ctx context.Context, now time.Time) ([]domain.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,kind,text,child_name,remind_date,remind_time,is_sent,created_at,updated_at
FROM reminders
WHERE kind='concrete' AND is_sent=0 AND due_at <= ?
ORDER BY due_at`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Exists(ctx context.Context, text, date, tm, child string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT 1 FROM reminders
WHERE kind='concrete' AND text=? AND remind_date=? AND remind_time=? AND child_name=?
LIMIT 1`, text, date, tm, child)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) MarkSent(ctx context.Context, id string) error {
	return s.setSent(ctx, id, 1)
}

func (s *Store) MarkUnsent(ctx context.Context, id string) error {
	return s.setSent(ctx, id, 0)
}

func (s *Store) setSent(ctx context.Context, id string, sent int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET is_sent=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, sent, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanReminder(row rowScanner) (domain.Reminder, error) {
	var r domain.Reminder
	err := row.Scan(&r.ID, &r.Kind, &r.Text, &r.ChildName, &r.RemindDate, &r.RemindTime, &r.IsSent, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Reminder{}, ErrNotFound
	}
	return r, err
}

// --- scheduled tasks ---

func (s *Store) InsertTask(ctx context.Context, t domain.ScheduledTask) error {
	var reminderID any
	if t.ReminderID != "" {
		reminderID = t.ReminderID
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scheduled_tasks (name,description,cron_expr,task_kind,reminder_id,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, t.Name, t.Description, t.CronExpr, t.Kind, reminderID, t.Enabled, nullTime(t.LastRun), nullTime(t.NextRun))
	return err
}

func (s *Store) GetTask(ctx context.Context, name string) (domain.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE name=?`, name)
	return scanTask(row)
}

func (s *Store) ListTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	return s.listTasks(ctx, taskSelect+` ORDER BY name`)
}

func (s *Store) ListEnabledTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	return s.listTasks(ctx, taskSelect+` WHERE enabled=1 ORDER BY name`)
}

const taskSelect = `
SELECT name,description,cron_expr,task_kind,reminder_id,enabled,last_run,next_run,created_at,updated_at
FROM scheduled_tasks`

func (s *Store) listTasks(ctx context.Context, q string) ([]domain.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (domain.ScheduledTask, error) {
	var t domain.ScheduledTask
	var reminderID sql.NullString
	var lastRun, nextRun sql.NullTime
	err := row.Scan(&t.Name, &t.Description, &t.CronExpr, &t.Kind, &reminderID, &t.Enabled, &lastRun, &nextRun, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.ScheduledTask{}, ErrNotFound
	}
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	if reminderID.Valid {
		t.ReminderID = reminderID.String
	}
	if lastRun.Valid {
		lr := lastRun.Time
		t.LastRun = &lr
	}
	if nextRun.Valid {
		nr := nextRun.Time
		t.NextRun = &nr
	}
	return t, nil
}

func (s *Store) UpdateRunTimes(ctx context.Context, name string, lastRun, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET last_run=?, next_run=?, updated_at=CURRENT_TIMESTAMP WHERE name=?`,
		lastRun.UTC(), nextRun.UTC(), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET enabled=?, updated_at=CURRENT_TIMESTAMP WHERE name=?`, enabled, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// --- retry attempts ---

func (s *Store) Track(ctx context.Context, a domain.RetryAttempt) error {
	if a.State == "" {
		a.State = domain.RetryPending
	}
	if a.AttemptCount == 0 {
		a.AttemptCount = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO retry_attempts (subject_key,child_name,year,week,attempt_count,state,first_attempt_at,last_attempt_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(subject_key) DO NOTHING
`, a.SubjectKey, a.ChildName, a.Period.Year, a.Period.Week, a.AttemptCount, a.State,
		a.FirstAttemptAt.UTC(), a.LastAttemptAt.UTC())
	return err
}

func (s *Store) GetAttempt(ctx context.Context, subjectKey string) (domain.RetryAttempt, error) {
	row := s.db.QueryRowContext(ctx, retrySelect+` WHERE subject_key=?`, subjectKey)
	return scanAttempt(row)
}

func (s *Store) ListPending(ctx context.Context) ([]domain.RetryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, retrySelect+` WHERE state='pending' ORDER BY last_attempt_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RetryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const retrySelect = `
SELECT subject_key,child_name,year,week,attempt_count,state,first_attempt_at,last_attempt_at
FROM retry_attempts`

func scanAttempt(row rowScanner) (domain.RetryAttempt, error) {
	var a domain.RetryAttempt
	err := row.Scan(&a.SubjectKey, &a.ChildName, &a.Period.Year, &a.Period.Week, &a.AttemptCount, &a.State, &a.FirstAttemptAt, &a.LastAttemptAt)
	if err == sql.ErrNoRows {
		return domain.RetryAttempt{}, ErrNotFound
	}
	return a, err
}

func (s *Store) IncrementAttempt(ctx context.Context, subjectKey string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE retry_attempts SET attempt_count=attempt_count+1, last_attempt_at=?
WHERE subject_key=? AND state='pending'`, at.UTC(), subjectKey)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) MarkSucceeded(ctx context.Context, subjectKey string, at time.Time) error {
	return s.setRetryState(ctx, subjectKey, domain.RetrySucceeded, at)
}

func (s *Store) MarkGivenUp(ctx context.Context, subjectKey string, at time.Time) error {
	return s.setRetryState(ctx, subjectKey, domain.RetryGivenUp, at)
}

func (s *Store) setRetryState(ctx context.Context, subjectKey string, state domain.RetryState, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE retry_attempts SET state=?, last_attempt_at=? WHERE subject_key=?`, state, at.UTC(), subjectKey)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- content fingerprints ---

func (s *Store) Fingerprint(ctx context.Context, child string, p domain.WeekPeriod) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT fingerprint FROM content_fingerprints WHERE child_name=? AND year=? AND week=?`,
		child, p.Year, p.Week)
	var fp string
	err := row.Scan(&fp)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return fp, true, nil
}

func (s *Store) PutFingerprint(ctx context.Context, child string, p domain.WeekPeriod, fp string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO content_fingerprints (child_name,year,week,fingerprint,posted_at)
VALUES (?,?,?,?,?)
ON CONFLICT(child_name,year,week) DO UPDATE SET fingerprint=excluded.fingerprint, posted_at=excluded.posted_at
`, child, p.Year, p.Week, fp, at.UTC())
	return err
}
