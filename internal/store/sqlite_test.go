package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"skolebot/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return New(db, time.UTC)
}

func TestReminderDueQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dueID, err := s.Insert(ctx, domain.Reminder{Text: "due", ChildName: "Anna", RemindDate: "2026-08-19", RemindTime: "07:30"})
	if err != nil {
		t.Fatalf("insert due: %v", err)
	}
	if _, err := s.Insert(ctx, domain.Reminder{Text: "future", ChildName: "Anna", RemindDate: "2026-08-19", RemindTime: "17:00"}); err != nil {
		t.Fatalf("insert future: %v", err)
	}
	// Templates never show up in due queries, whatever their fields say.
	if _, err := s.Insert(ctx, domain.Reminder{Kind: domain.ReminderTemplate, Text: "tpl", ChildName: "Anna", RemindTime: "07:30"}); err != nil {
		t.Fatalf("insert template: %v", err)
	}

	now := time.Date(2026, 8, 19, 7, 31, 0, 0, time.UTC)
	due, err := s.ListDue(ctx, now)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].ID != dueID {
		t.Fatalf("due = %+v, want exactly the 07:30 reminder", due)
	}

	if err := s.MarkSent(ctx, dueID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	due, _ = s.ListDue(ctx, now)
	if len(due) != 0 {
		t.Fatal("sent reminder still listed as due")
	}

	if err := s.MarkUnsent(ctx, dueID); err != nil {
		t.Fatalf("mark unsent: %v", err)
	}
	due, _ = s.ListDue(ctx, now)
	if len(due) != 1 {
		t.Fatal("rolled-back reminder not due again")
	}
}

func TestReminderExistsAndUniqueMaterialization(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := domain.Reminder{Text: "Pack gym bag", ChildName: "Anna", RemindDate: "2026-08-19", RemindTime: "07:30"}
	if _, err := s.Insert(ctx, r); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ok, err := s.Exists(ctx, "Pack gym bag", "2026-08-19", "07:30", "Anna")
	if err != nil || !ok {
		t.Fatalf("Exists = (%v, %v), want (true, nil)", ok, err)
	}
	ok, _ = s.Exists(ctx, "Pack gym bag", "2026-08-20", "07:30", "Anna")
	if ok {
		t.Fatal("Exists matched a different date")
	}

	// The unique index is the backstop when the existence check is skipped.
	if _, err := s.Insert(ctx, r); err == nil {
		t.Fatal("duplicate materialization accepted")
	}
}

func TestMarkSentUnknownIDIsNotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.MarkSent(context.Background(), "rem_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTaskRoundTripAndRunTimes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := domain.ScheduledTask{
		Name:        "weekly-plan-check",
		Description: "check plans",
		CronExpr:    "0 7 * * 1-5",
		Kind:        domain.TaskPlanCheck,
		Enabled:     true,
	}
	if err := s.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	got, err := s.GetTask(ctx, "weekly-plan-check")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.LastRun != nil || got.NextRun != nil {
		t.Fatalf("fresh task has run times: %+v", got)
	}

	lastRun := time.Date(2026, 8, 19, 7, 0, 5, 0, time.UTC)
	nextRun := time.Date(2026, 8, 20, 7, 0, 0, 0, time.UTC)
	if err := s.UpdateRunTimes(ctx, "weekly-plan-check", lastRun, nextRun); err != nil {
		t.Fatalf("update run times: %v", err)
	}
	got, _ = s.GetTask(ctx, "weekly-plan-check")
	if got.LastRun == nil || !got.LastRun.Equal(lastRun) {
		t.Fatalf("lastRun = %v, want %v", got.LastRun, lastRun)
	}
	if got.NextRun == nil || !got.NextRun.Equal(nextRun) {
		t.Fatalf("nextRun = %v, want %v", got.NextRun, nextRun)
	}

	if err := s.SetEnabled(ctx, "weekly-plan-check", false); err != nil {
		t.Fatalf("set enabled: %v", err)
	}
	enabled, _ := s.ListEnabledTasks(ctx)
	if len(enabled) != 0 {
		t.Fatal("disabled task listed as enabled")
	}
	all, _ := s.ListTasks(ctx)
	if len(all) != 1 {
		t.Fatal("disabled task dropped from full listing")
	}
}

func TestRetryAttemptTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	period := domain.WeekPeriod{Year: 2026, Week: 34}
	key := domain.SubjectKey("Anna", period)
	first := time.Date(2026, 8, 19, 7, 0, 0, 0, time.UTC)

	a := domain.RetryAttempt{
		SubjectKey: key, ChildName: "Anna", Period: period,
		AttemptCount: 1, State: domain.RetryPending,
		FirstAttemptAt: first, LastAttemptAt: first,
	}
	if err := s.Track(ctx, a); err != nil {
		t.Fatalf("track: %v", err)
	}
	// Re-tracking the same subject is a no-op, not an error.
	if err := s.Track(ctx, a); err != nil {
		t.Fatalf("re-track: %v", err)
	}

	if err := s.IncrementAttempt(ctx, key, first.Add(time.Hour)); err != nil {
		t.Fatalf("increment: %v", err)
	}
	got, err := s.GetAttempt(ctx, key)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if got.AttemptCount != 2 || got.State != domain.RetryPending {
		t.Fatalf("attempt = %+v, want pending count 2", got)
	}
	if got.Period != period {
		t.Fatalf("period = %+v, want %+v", got.Period, period)
	}

	pending, _ := s.ListPending(ctx)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	if err := s.MarkGivenUp(ctx, key, first.Add(49*time.Hour)); err != nil {
		t.Fatalf("mark given up: %v", err)
	}
	pending, _ = s.ListPending(ctx)
	if len(pending) != 0 {
		t.Fatal("terminal entry still pending")
	}
	// Increment only applies to pending rows.
	if err := s.IncrementAttempt(ctx, key, first.Add(50*time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("increment on terminal entry = %v, want ErrNotFound", err)
	}
}

func TestFingerprintUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	period := domain.WeekPeriod{Year: 2026, Week: 34}

	_, found, err := s.Fingerprint(ctx, "Anna", period)
	if err != nil || found {
		t.Fatalf("empty lookup = (%v, %v), want (false, nil)", found, err)
	}

	at := time.Date(2026, 8, 19, 7, 0, 0, 0, time.UTC)
	if err := s.PutFingerprint(ctx, "Anna", period, "aaa", at); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutFingerprint(ctx, "Anna", period, "bbb", at.Add(time.Hour)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	fp, found, err := s.Fingerprint(ctx, "Anna", period)
	if err != nil || !found || fp != "bbb" {
		t.Fatalf("lookup = (%q, %v, %v), want (bbb, true, nil)", fp, found, err)
	}
}
