package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RunRecovery is the one-shot pass that catches up on work that was due
// while the process was down: overdue unsent reminders are delivered
// immediately (tagged with how late they are), and enabled tasks whose
// occurrence was truly missed are fired through the normal task path.
//
// It runs concurrently with ticking, but under the same reentrancy guard as
// a tick, so recovery and a tick never dispatch the same reminder twice.
// Ticks arriving while recovery holds the guard are dropped, which is the
// normal overlap policy.
func (s *Service) RunRecovery(ctx context.Context) {
	for !s.tickBusy.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	defer s.tickBusy.Store(false)

	now := s.now()
	log.Info().Time("now", now).Msg("startup recovery running")
	s.recoverReminders(ctx, now)
	s.recoverTasks(ctx, now)
	log.Info().Msg("startup recovery finished")
}

func (s *Service) recoverReminders(ctx context.Context, now time.Time) {
	due, err := s.reminders.ListDue(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("recovery: list due reminders")
		return
	}
	for _, r := range due {
		late := time.Duration(0)
		if at, derr := r.DueAt(s.cfg.Location); derr == nil {
			late = now.Sub(at).Truncate(time.Minute)
		}
		if err := s.deliverReminder(ctx, r, late); err != nil {
			log.Error().Err(err).Str("reminder", r.ID).Msg("recovery: reminder delivery failed")
		}
	}
}

func (s *Service) recoverTasks(ctx context.Context, now time.Time) {
	tasks, err := s.tasks.ListEnabledTasks(ctx)
	if err != nil {
		log.Error().Err(err).Msg("recovery: list enabled tasks")
		return
	}
	for _, t := range tasks {
		nextRun, err := s.nextRunOf(t, now)
		if err != nil {
			log.Error().Err(err).Str("task", t.Name).Msg("recovery: bad task schedule")
			continue
		}
		// Truly missed: the occurrence is in the past and the task never ran
		// for it. A task that fired and merely fell outside the execution
		// window has lastRun >= nextRun's occurrence base and is left alone.
		if !nextRun.Before(now) {
			continue
		}
		if t.LastRun != nil && !t.LastRun.Before(nextRun) {
			continue
		}
		log.Warn().Str("task", t.Name).Time("missed", nextRun).Msg("recovery: firing missed task")
		if err := s.fireTask(ctx, t, now); err != nil {
			log.Error().Err(err).Str("task", t.Name).Msg("recovery: missed task failed")
		}
	}
}
