package scheduler

import (
	"context"
	"errors"
	"testing"

	"skolebot/internal/domain"
)

func TestDeliverMarksSentBeforeNotifyAndRollsBackOnFailure(t *testing.T) {
	rem := newFakeReminders()
	id := rem.add(domain.Reminder{Text: "Pack gym bag", ChildName: "Anna", RemindDate: "2026-08-19", RemindTime: "07:30"})
	obs := &recObserver{reminderErr: errors.New("telegram down")}
	s := newTestService(t, rem, newFakeTasks(), &fakeRetry{}, obs)
	ctx := context.Background()

	now := mustTime(t, "2026-08-19 07:31:00")
	s.dispatchDueReminders(ctx, now)

	r, _ := rem.Get(ctx, id)
	if r.IsSent {
		t.Fatal("failed delivery left reminder marked sent")
	}

	// Delivery recovers: the next tick retries and the mark sticks.
	obs.reminderErr = nil
	s.dispatchDueReminders(ctx, now)
	r, _ = rem.Get(ctx, id)
	if !r.IsSent {
		t.Fatal("successful delivery did not mark reminder sent")
	}
	if got := obs.reminderCount(); got != 2 {
		t.Fatalf("observer called %d times, want 2 (one failed, one ok)", got)
	}

	// Once sent it is never redelivered.
	s.dispatchDueReminders(ctx, now)
	if got := obs.reminderCount(); got != 2 {
		t.Fatalf("sent reminder was redelivered (%d calls)", got)
	}
}

func TestFutureReminderIsNotDispatched(t *testing.T) {
	rem := newFakeReminders()
	rem.add(domain.Reminder{Text: "later", ChildName: "Anna", RemindDate: "2026-08-19", RemindTime: "17:00"})
	obs := &recObserver{}
	s := newTestService(t, rem, newFakeTasks(), &fakeRetry{}, obs)

	s.dispatchDueReminders(context.Background(), mustTime(t, "2026-08-19 07:31:00"))
	if got := obs.reminderCount(); got != 0 {
		t.Fatalf("future reminder dispatched (%d calls)", got)
	}
}

func TestReminderWithoutRecipientFailsLoudly(t *testing.T) {
	rem := newFakeReminders()
	id := rem.add(domain.Reminder{Text: "orphan", ChildName: "", RemindDate: "2026-08-19", RemindTime: "07:30"})
	obs := &recObserver{}
	s := newTestService(t, rem, newFakeTasks(), &fakeRetry{}, obs)
	ctx := context.Background()

	r, _ := rem.Get(ctx, id)
	if err := s.deliverReminder(ctx, r, 0); err == nil {
		t.Fatal("reminder without recipient delivered without error")
	}
	if got := obs.reminderCount(); got != 0 {
		t.Fatal("reminder without recipient reached the observer")
	}
	r, _ = rem.Get(ctx, id)
	if r.IsSent {
		t.Fatal("reminder without recipient was marked sent")
	}
}

func TestReminderForUnconfiguredChildIsAnError(t *testing.T) {
	rem := newFakeReminders()
	id := rem.add(domain.Reminder{Text: "x", ChildName: "Zoe", RemindDate: "2026-08-19", RemindTime: "07:30"})
	s := newTestService(t, rem, newFakeTasks(), &fakeRetry{}, &recObserver{})
	ctx := context.Background()

	r, _ := rem.Get(ctx, id)
	if err := s.deliverReminder(ctx, r, 0); err == nil {
		t.Fatal("unconfigured child delivered without error")
	}
}
