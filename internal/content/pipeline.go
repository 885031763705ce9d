package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"skolebot/internal/domain"
	"skolebot/internal/events"
)

// FingerprintStore is the slice of the repository the pipeline needs.
type FingerprintStore interface {
	Fingerprint(ctx context.Context, child string, p domain.WeekPeriod) (string, bool, error)
	PutFingerprint(ctx context.Context, child string, p domain.WeekPeriod, fp string, at time.Time) error
}

// Pipeline suppresses duplicate plan postings. Content only reaches the
// delivery channels when its fingerprint differs from the last one posted
// for that (child, week).
type Pipeline struct {
	repo     FingerprintStore
	observer events.Observer
}

func NewPipeline(repo FingerprintStore, observer events.Observer) *Pipeline {
	return &Pipeline{repo: repo, observer: observer}
}

// Process fingerprints text and emits ContentReady if it changed since the
// last posting. Returns true when downstream delivery was triggered. The
// stored fingerprint is stamped with the caller's clock.
func (p *Pipeline) Process(ctx context.Context, child domain.Child, period domain.WeekPeriod, text string, now time.Time) (bool, error) {
	fp := Fingerprint(text)

	prev, found, err := p.repo.Fingerprint(ctx, child.Name, period)
	if err != nil {
		return false, fmt.Errorf("load fingerprint: %w", err)
	}
	if found && prev == fp {
		log.Debug().Str("child", child.Name).Stringer("period", period).Msg("plan unchanged, skipping")
		return false, nil
	}

	// Store before emitting: a delivery failure must not cause a repost loop
	// on every recheck; the next genuine change still goes through.
	if err := p.repo.PutFingerprint(ctx, child.Name, period, fp, now); err != nil {
		return false, fmt.Errorf("store fingerprint: %w", err)
	}
	if err := p.observer.OnContentReady(ctx, events.ContentReady{Child: child, Period: period, Content: text}); err != nil {
		log.Error().Err(err).Str("child", child.Name).Stringer("period", period).Msg("content delivery failed")
	}
	return true, nil
}

// Fingerprint returns the hex SHA-256 of the normalized text. Whitespace
// runs collapse to one space so formatting-only edits don't repost.
func Fingerprint(text string) string {
	norm := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}
