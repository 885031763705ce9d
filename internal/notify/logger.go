package notify

import (
	"context"

	"github.com/rs/zerolog/log"

	"skolebot/internal/events"
)

// Logger is the fallback delivery channel used when no Telegram token is
// configured: events land in the structured log instead of a chat.
type Logger struct{}

func NewLogger() Logger { return Logger{} }

func (Logger) OnReminderReady(ctx context.Context, e events.ReminderReady) error {
	log.Info().
		Str("child", e.Child.Name).
		Str("text", e.Reminder.Text).
		Dur("late", e.Late).
		Msg("reminder ready")
	return nil
}

func (Logger) OnContentReady(ctx context.Context, e events.ContentReady) error {
	log.Info().
		Str("child", e.Child.Name).
		Stringer("period", e.Period).
		Int("bytes", len(e.Content)).
		Msg("content ready")
	return nil
}

func (Logger) OnStatusMessage(ctx context.Context, e events.StatusMessage) error {
	log.Info().
		Str("child", e.Child.Name).
		Str("reason", e.Reason).
		Str("text", e.Text).
		Msg("status")
	return nil
}

var _ events.Observer = Logger{}
