package domain

import (
	"fmt"
	"time"
)

// ReminderKind distinguishes reminders that fire once at a concrete instant
// from templates that only serve as the content source for recurring tasks.
type ReminderKind string

const (
	ReminderConcrete ReminderKind = "concrete"
	ReminderTemplate ReminderKind = "template"
)

// Reminder is a single point-in-time notification for one child.
// Templates are never dispatched directly; the cron evaluator copies them
// into concrete reminders with today's date.
type Reminder struct {
	ID         string
	Kind       ReminderKind
	Text       string
	ChildName  string
	RemindDate string // 2006-01-02
	RemindTime string // 15:04
	IsSent     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DueAt resolves the reminder's wall-clock firing instant in loc.
func (r Reminder) DueAt(loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04", r.RemindDate+" "+r.RemindTime, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("reminder %s: bad date/time: %w", r.ID, err)
	}
	return t, nil
}

// TaskKind is the closed set of recurring task behaviors. Dispatch is bound
// at scheduler construction, not resolved by string at runtime.
type TaskKind string

const (
	// TaskReminder materializes a concrete reminder from the task's template.
	TaskReminder TaskKind = "reminder"
	// TaskPlanCheck fetches the current weekly plan for every configured child.
	TaskPlanCheck TaskKind = "plan_check"
)

// ScheduledTask is a recurring unit of work driven by a 5-field cron
// expression. NextRun is a persisted cache of the next occurrence so the
// expression is not re-parsed on every tick.
type ScheduledTask struct {
	Name        string // unique, stable identity
	Description string
	CronExpr    string
	Kind        TaskKind
	ReminderID  string // set iff Kind == TaskReminder; references a template
	Enabled     bool
	LastRun     *time.Time
	NextRun     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RetryState is the lifecycle of one bounded fetch-retry entry.
type RetryState string

const (
	RetryPending   RetryState = "pending"
	RetrySucceeded RetryState = "succeeded"
	RetryGivenUp   RetryState = "given_up"
)

// RetryAttempt tracks re-polling for one (child, week) whose plan was not
// available when first checked. Terminal states are never polled again.
type RetryAttempt struct {
	SubjectKey     string
	ChildName      string
	Period         WeekPeriod
	AttemptCount   int
	State          RetryState
	FirstAttemptAt time.Time
	LastAttemptAt  time.Time
}

// WeekPeriod identifies one published weekly plan.
type WeekPeriod struct {
	Year int
	Week int
}

func (p WeekPeriod) String() string { return fmt.Sprintf("%d-W%02d", p.Year, p.Week) }

// PeriodOf returns the ISO week period containing t.
func PeriodOf(t time.Time) WeekPeriod {
	y, w := t.ISOWeek()
	return WeekPeriod{Year: y, Week: w}
}

// SubjectKey is the business identity used to key retry entries.
func SubjectKey(child string, p WeekPeriod) string {
	return fmt.Sprintf("%s|%s", child, p)
}

// Child is a configured recipient: reminders and plan notices for this child
// go to its chat.
type Child struct {
	Name   string
	ChatID int64
}
