// Package retry drives bounded re-polling for weekly plans that were not
// published when first checked.
//
// Plans on this domain are late by hours, rarely by a day or two, and never
// relevant beyond that, so every pending entry carries a hard age limit and
// transitions to given_up instead of retrying forever.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"skolebot/internal/content"
	"skolebot/internal/domain"
	"skolebot/internal/events"
	"skolebot/internal/store"
)

// Engine owns the none -> pending -> {succeeded | given_up} state machine
// for each (child, week) subject.
type Engine struct {
	repo     store.RetryRepository
	source   content.Source
	pipeline *content.Pipeline
	observer events.Observer

	children map[string]domain.Child
	repoll   time.Duration
	maxAge   time.Duration
}

func New(repo store.RetryRepository, source content.Source, pipeline *content.Pipeline, observer events.Observer, children []domain.Child, repoll, maxAge time.Duration) (*Engine, error) {
	if repo == nil || source == nil || pipeline == nil || observer == nil {
		return nil, errors.New("retry: nil dependency")
	}
	byName := make(map[string]domain.Child, len(children))
	for _, c := range children {
		byName[c.Name] = c
	}
	return &Engine{
		repo:     repo,
		source:   source,
		pipeline: pipeline,
		observer: observer,
		children: byName,
		repoll:   repoll,
		maxAge:   maxAge,
	}, nil
}

// CheckAll runs the plan check for every configured child and returns how
// many children got fresh content. Used by the scheduled plan_check task and
// the manual check endpoint. Per-child failures are logged and do not stop
// the remaining children.
func (e *Engine) CheckAll(ctx context.Context, now time.Time) int {
	period := domain.PeriodOf(now)
	changed := 0
	for _, child := range e.children {
		fresh, err := e.Check(ctx, child, period, now)
		if err != nil {
			log.Error().Err(err).Str("child", child.Name).Stringer("period", period).Msg("plan check failed")
			continue
		}
		if fresh {
			changed++
		}
	}
	return changed
}

// Check fetches the plan for one child. A missing plan creates (once) a
// pending retry entry and notifies that polling will continue; success runs
// the dedup pipeline and finalizes any pending entry.
func (e *Engine) Check(ctx context.Context, child domain.Child, period domain.WeekPeriod, now time.Time) (bool, error) {
	text, err := e.source.FetchWeekPlan(ctx, child.Name, period)
	if errors.Is(err, content.ErrNotPublished) {
		if terr := e.trackFailure(ctx, child, period, now); terr != nil {
			return false, terr
		}
		return false, nil
	}
	if err != nil {
		// Transport error: the next scheduled check or retry poll re-attempts.
		return false, err
	}
	return e.finishSuccess(ctx, child, period, now, text, false)
}

// Poll re-attempts every pending subject whose last attempt is older than the
// re-poll interval. Entries past the max age are finalized as given_up and
// never polled again.
func (e *Engine) Poll(ctx context.Context, now time.Time) {
	pending, err := e.repo.ListPending(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list pending retries")
		return
	}
	for _, a := range pending {
		if now.Sub(a.LastAttemptAt) < e.repoll {
			continue
		}
		if err := e.pollOne(ctx, a, now); err != nil {
			log.Error().Err(err).Str("subject", a.SubjectKey).Msg("retry poll failed")
		}
	}
}

func (e *Engine) pollOne(ctx context.Context, a domain.RetryAttempt, now time.Time) error {
	child, ok := e.children[a.ChildName]
	if !ok {
		// Child was removed from config; the entry can never deliver.
		log.Warn().Str("subject", a.SubjectKey).Msg("retry subject has no configured child, giving up")
		return e.repo.MarkGivenUp(ctx, a.SubjectKey, now)
	}

	if now.Sub(a.FirstAttemptAt) > e.maxAge {
		if err := e.repo.MarkGivenUp(ctx, a.SubjectKey, now); err != nil {
			return err
		}
		log.Warn().Str("subject", a.SubjectKey).Int("attempts", a.AttemptCount).Msg("retry horizon exceeded, giving up")
		return e.observer.OnStatusMessage(ctx, events.StatusMessage{
			Child:  child,
			Text:   fmt.Sprintf("Gave up waiting for the week %s plan for %s after %d attempts.", a.Period, child.Name, a.AttemptCount),
			Reason: events.ReasonRetryGivenUp,
		})
	}

	text, err := e.source.FetchWeekPlan(ctx, child.Name, a.Period)
	if err != nil {
		if !errors.Is(err, content.ErrNotPublished) {
			log.Error().Err(err).Str("subject", a.SubjectKey).Msg("retry fetch failed")
		}
		return e.repo.IncrementAttempt(ctx, a.SubjectKey, now)
	}

	_, err = e.finishSuccess(ctx, child, a.Period, now, text, true)
	return err
}

func (e *Engine) trackFailure(ctx context.Context, child domain.Child, period domain.WeekPeriod, now time.Time) error {
	key := domain.SubjectKey(child.Name, period)
	if _, err := e.repo.GetAttempt(ctx, key); err == nil {
		return nil // already tracked; Poll owns it from here
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("lookup retry entry: %w", err)
	}

	err := e.repo.Track(ctx, domain.RetryAttempt{
		SubjectKey:     key,
		ChildName:      child.Name,
		Period:         period,
		AttemptCount:   1,
		State:          domain.RetryPending,
		FirstAttemptAt: now,
		LastAttemptAt:  now,
	})
	if err != nil {
		return fmt.Errorf("track retry entry: %w", err)
	}
	log.Info().Str("subject", key).Msg("plan not published yet, retry scheduled")
	return e.observer.OnStatusMessage(ctx, events.StatusMessage{
		Child:  child,
		Text:   fmt.Sprintf("The week %s plan for %s isn't published yet. I'll keep checking.", period, child.Name),
		Reason: events.ReasonRetryScheduled,
	})
}

func (e *Engine) finishSuccess(ctx context.Context, child domain.Child, period domain.WeekPeriod, now time.Time, text string, fromRetry bool) (bool, error) {
	key := domain.SubjectKey(child.Name, period)
	fresh, err := e.pipeline.Process(ctx, child, period, text, now)
	if err != nil {
		return false, err
	}

	// Finalize after the pipeline: if the succeeded-mark fails the next poll
	// refetches, and the stored fingerprint keeps it from reposting.
	if _, err := e.repo.GetAttempt(ctx, key); err == nil {
		if err := e.repo.MarkSucceeded(ctx, key, now); err != nil {
			return false, fmt.Errorf("mark retry succeeded: %w", err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("lookup retry entry: %w", err)
	}
	if fromRetry {
		if err := e.observer.OnStatusMessage(ctx, events.StatusMessage{
			Child:  child,
			Text:   fmt.Sprintf("The week %s plan for %s is now available.", period, child.Name),
			Reason: events.ReasonRetrySucceeded,
		}); err != nil {
			log.Error().Err(err).Str("subject", key).Msg("retry success notice failed")
		}
	}
	return fresh, nil
}
