package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"skolebot/internal/domain"
	"skolebot/internal/events"
)

func (s *Service) dispatchDueReminders(ctx context.Context, now time.Time) {
	due, err := s.reminders.ListDue(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("list due reminders")
		return
	}
	for _, r := range due {
		if err := s.deliverReminder(ctx, r, 0); err != nil {
			log.Error().Err(err).Str("reminder", r.ID).Msg("reminder delivery failed")
		}
	}
}

// deliverReminder marks the reminder sent first, then notifies; a failed
// notification rolls the mark back so a later tick retries. The optimistic
// order biases toward at-most-one delivery when a slow notification call
// spans tick boundaries.
func (s *Service) deliverReminder(ctx context.Context, r domain.Reminder, late time.Duration) error {
	if r.ChildName == "" {
		// Every reminder must resolve to exactly one recipient. Left unsent
		// so it keeps failing loudly until the data is fixed.
		return fmt.Errorf("reminder %s has no recipient", r.ID)
	}
	child, ok := s.children[r.ChildName]
	if !ok {
		return fmt.Errorf("reminder %s: no configured child %q", r.ID, r.ChildName)
	}

	if err := s.reminders.MarkSent(ctx, r.ID); err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	err := s.observer.OnReminderReady(ctx, events.ReminderReady{Child: child, Reminder: r, Late: late})
	if err != nil {
		if uerr := s.reminders.MarkUnsent(ctx, r.ID); uerr != nil {
			// The rollback itself failed; the reminder stays marked sent and
			// will not be retried. Surfaced as loudly as we can.
			log.Error().Err(uerr).Str("reminder", r.ID).Msg("rollback of sent mark failed, reminder lost")
		}
		return fmt.Errorf("notify reminder: %w", err)
	}

	log.Info().Str("reminder", r.ID).Str("child", r.ChildName).Dur("late", late).Msg("reminder delivered")
	return nil
}
