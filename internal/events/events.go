// Package events carries scheduler output to the delivery channels.
//
// Dispatch is synchronous on purpose: the reminder dispatcher needs the
// delivery error back to roll its sent-mark. Observers must not block
// indefinitely.
package events

import (
	"context"
	"errors"
	"time"

	"skolebot/internal/domain"
)

// Reason tags on status messages.
const (
	ReasonRetryScheduled = "retry_scheduled"
	ReasonRetrySucceeded = "retry_succeeded"
	ReasonRetryGivenUp   = "retry_given_up"
	ReasonNothingNew     = "nothing_new"
)

// ReminderReady is emitted when a concrete reminder is due for delivery.
// Late carries how overdue the reminder was when recovered after downtime;
// zero for on-time dispatch.
type ReminderReady struct {
	Child    domain.Child
	Reminder domain.Reminder
	Late     time.Duration
}

// ContentReady is emitted when fresh, deduplicated weekly-plan content is
// available for posting.
type ContentReady struct {
	Child   domain.Child
	Period  domain.WeekPeriod
	Content string
}

// StatusMessage is an informational notice (retry started, plan available,
// nothing new found).
type StatusMessage struct {
	Child  domain.Child
	Text   string
	Reason string
}

// Observer receives scheduler events. Implementations are delivery channels.
type Observer interface {
	OnReminderReady(ctx context.Context, e ReminderReady) error
	OnContentReady(ctx context.Context, e ContentReady) error
	OnStatusMessage(ctx context.Context, e StatusMessage) error
}

// Dispatcher fans events out to all registered observers and joins their
// errors. Observers are registered at construction; there is no runtime
// mutation, so no locking.
type Dispatcher struct {
	observers []Observer
}

func NewDispatcher(observers ...Observer) *Dispatcher {
	return &Dispatcher{observers: observers}
}

func (d *Dispatcher) OnReminderReady(ctx context.Context, e ReminderReady) error {
	var errs []error
	for _, o := range d.observers {
		errs = append(errs, o.OnReminderReady(ctx, e))
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) OnContentReady(ctx context.Context, e ContentReady) error {
	var errs []error
	for _, o := range d.observers {
		errs = append(errs, o.OnContentReady(ctx, e))
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) OnStatusMessage(ctx context.Context, e StatusMessage) error {
	var errs []error
	for _, o := range d.observers {
		errs = append(errs, o.OnStatusMessage(ctx, e))
	}
	return errors.Join(errs...)
}

var _ Observer = (*Dispatcher)(nil)
