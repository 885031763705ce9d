package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"skolebot/internal/domain"
)

func (s *Service) evaluateTasks(ctx context.Context, now time.Time) {
	tasks, err := s.tasks.ListEnabledTasks(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list enabled tasks")
		return
	}
	for _, t := range tasks {
		if err := s.evaluateTask(ctx, t, now); err != nil {
			log.Error().Err(err).Str("task", t.Name).Msg("task evaluation failed")
		}
	}
}

// nextRunOf returns the cached next occurrence, deriving it from the cron
// expression only when the cache is empty (never-run tasks use a short
// lookback so a freshly created task can still fire this minute).
func (s *Service) nextRunOf(t domain.ScheduledTask, now time.Time) (time.Time, error) {
	if t.NextRun != nil {
		return t.NextRun.In(s.cfg.Location), nil
	}
	sched, err := cron.ParseStandard(t.CronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("task %s: invalid cron %q: %w", t.Name, t.CronExpr, err)
	}
	base := now.Add(-s.cfg.InitialLookback)
	if t.LastRun != nil {
		base = t.LastRun.In(s.cfg.Location)
	}
	return sched.Next(base), nil
}

func (s *Service) evaluateTask(ctx context.Context, t domain.ScheduledTask, now time.Time) error {
	nextRun, err := s.nextRunOf(t, now)
	if err != nil {
		return err
	}
	// Due only inside the bounded window: never hours late on a merely slow
	// process, never a second time after the window closes. True downtime is
	// the recovery pass's job.
	if now.Before(nextRun) || now.After(nextRun.Add(s.cfg.ExecutionWindow)) {
		return nil
	}
	return s.fireTask(ctx, t, now)
}

// fireTask advances the task's run times, then dispatches. Persisting first
// means a crash mid-handler cannot double-fire the occurrence.
func (s *Service) fireTask(ctx context.Context, t domain.ScheduledTask, now time.Time) error {
	sched, err := cron.ParseStandard(t.CronExpr)
	if err != nil {
		return fmt.Errorf("task %s: invalid cron %q: %w", t.Name, t.CronExpr, err)
	}
	next := sched.Next(now.In(s.cfg.Location).Truncate(time.Minute).Add(cronLookahead))
	if err := s.tasks.UpdateRunTimes(ctx, t.Name, now, next); err != nil {
		return fmt.Errorf("task %s: persist run times: %w", t.Name, err)
	}

	handler, ok := s.handlers[t.Kind]
	if !ok {
		log.Error().Str("task", t.Name).Str("kind", string(t.Kind)).Msg("unknown task kind, skipping")
		return nil
	}
	log.Info().Str("task", t.Name).Time("next_run", next).Msg("task firing")
	return handler(ctx, t, now)
}

// materializeReminder copies the task's template into a concrete reminder
// for today. Creation is idempotent per (text, date, time, child): retries
// and restarts within the same day find the existing row and do nothing.
func (s *Service) materializeReminder(ctx context.Context, t domain.ScheduledTask, now time.Time) error {
	if t.ReminderID == "" {
		return fmt.Errorf("task %s: reminder task without template reference", t.Name)
	}
	tpl, err := s.reminders.Get(ctx, t.ReminderID)
	if err != nil {
		return fmt.Errorf("task %s: load template: %w", t.Name, err)
	}
	if tpl.Kind != domain.ReminderTemplate {
		return fmt.Errorf("task %s: reminder %s is not a template", t.Name, tpl.ID)
	}

	date := now.In(s.cfg.Location).Format("2006-01-02")
	exists, err := s.reminders.Exists(ctx, tpl.Text, date, tpl.RemindTime, tpl.ChildName)
	if err != nil {
		return fmt.Errorf("task %s: existence check: %w", t.Name, err)
	}
	if exists {
		log.Debug().Str("task", t.Name).Str("date", date).Msg("reminder already materialized")
		return nil
	}

	id, err := s.reminders.Insert(ctx, domain.Reminder{
		Kind:       domain.ReminderConcrete,
		Text:       tpl.Text,
		ChildName:  tpl.ChildName,
		RemindDate: date,
		RemindTime: tpl.RemindTime,
	})
	if err != nil {
		return fmt.Errorf("task %s: materialize reminder: %w", t.Name, err)
	}
	log.Info().Str("task", t.Name).Str("reminder", id).Str("date", date).Msg("reminder materialized")
	return nil
}

func (s *Service) runPlanCheck(ctx context.Context, t domain.ScheduledTask, now time.Time) error {
	changed := s.retries.CheckAll(ctx, now)
	log.Info().Str("task", t.Name).Int("changed", changed).Msg("plan check finished")
	return nil
}
