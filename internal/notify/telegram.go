// Package notify implements the delivery channels behind events.Observer.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	"skolebot/internal/domain"
	"skolebot/internal/events"
)

// telegramMaxLen is Telegram's hard message size limit.
const telegramMaxLen = 4096

// Telegram sends events to each child's chat. Outbound sends are
// rate-limited so a recovery burst after downtime doesn't trip the API.
type Telegram struct {
	bot     *tele.Bot
	limiter *rate.Limiter
}

func NewTelegram(token string, ratePerSec int) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	// Send-only: no poller, Start is never called.
	bot, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
	}, nil
}

func (t *Telegram) OnReminderReady(ctx context.Context, e events.ReminderReady) error {
	text := fmt.Sprintf("⏰ %s", e.Reminder.Text)
	if e.Late > 0 {
		text += fmt.Sprintf("\n(missed: was due %s ago at %s %s)", formatLate(e.Late), e.Reminder.RemindDate, e.Reminder.RemindTime)
	}
	return t.send(ctx, e.Child, text)
}

func (t *Telegram) OnContentReady(ctx context.Context, e events.ContentReady) error {
	text := fmt.Sprintf("📚 Weekly plan %s for %s:\n\n%s", e.Period, e.Child.Name, e.Content)
	return t.send(ctx, e.Child, text)
}

func (t *Telegram) OnStatusMessage(ctx context.Context, e events.StatusMessage) error {
	return t.send(ctx, e.Child, "ℹ️ "+e.Text)
}

func (t *Telegram) send(ctx context.Context, child domain.Child, text string) error {
	if child.ChatID == 0 {
		return fmt.Errorf("child %q has no chat_id configured", child.Name)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	text = truncateMessage(text)
	if _, err := t.bot.Send(tele.ChatID(child.ChatID), text); err != nil {
		return fmt.Errorf("telegram send to %s: %w", child.Name, err)
	}
	return nil
}

// truncateMessage enforces Telegram's message size limit. The limit counts
// characters, not bytes, so the cut lands on a rune boundary.
func truncateMessage(text string) string {
	r := []rune(text)
	if len(r) <= telegramMaxLen {
		return text
	}
	return string(r[:telegramMaxLen-1]) + "…"
}

func formatLate(d time.Duration) string {
	if d < time.Minute {
		return "under a minute"
	}
	return d.Truncate(time.Minute).String()
}

var _ events.Observer = (*Telegram)(nil)
