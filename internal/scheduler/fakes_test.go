package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"skolebot/internal/domain"
	"skolebot/internal/events"
	"skolebot/internal/store"
)

type fakeReminders struct {
	mu           sync.Mutex
	items        map[string]domain.Reminder
	seq          int
	listDueCalls int
	failMarkSent bool
}

func newFakeReminders() *fakeReminders {
	return &fakeReminders{items: map[string]domain.Reminder{}}
}

func (f *fakeReminders) add(r domain.Reminder) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if r.ID == "" {
		r.ID = fmt.Sprintf("rem_%d", f.seq)
	}
	if r.Kind == "" {
		r.Kind = domain.ReminderConcrete
	}
	f.items[r.ID] = r
	return r.ID
}

func (f *fakeReminders) Insert(ctx context.Context, r domain.Reminder) (string, error) {
	return f.add(r), nil
}

func (f *fakeReminders) Get(ctx context.Context, id string) (domain.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.items[id]
	if !ok {
		return domain.Reminder{}, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeReminders) ListDue(ctx context.Context, now time.Time) ([]domain.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listDueCalls++
	var out []domain.Reminder
	for _, r := range f.items {
		if r.Kind != domain.ReminderConcrete || r.IsSent {
			continue
		}
		at, err := r.DueAt(time.UTC)
		if err != nil {
			continue
		}
		if !at.After(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeReminders) Exists(ctx context.Context, text, date, tm, child string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.items {
		if r.Kind == domain.ReminderConcrete && r.Text == text && r.RemindDate == date && r.RemindTime == tm && r.ChildName == child {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeReminders) MarkSent(ctx context.Context, id string) error {
	if f.failMarkSent {
		return errors.New("mark sent failed")
	}
	return f.setSent(id, true)
}

func (f *fakeReminders) MarkUnsent(ctx context.Context, id string) error {
	return f.setSent(id, false)
}

func (f *fakeReminders) setSent(id string, sent bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.items[id]
	if !ok {
		return store.ErrNotFound
	}
	r.IsSent = sent
	f.items[id] = r
	return nil
}

func (f *fakeReminders) concreteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.items {
		if r.Kind == domain.ReminderConcrete {
			n++
		}
	}
	return n
}

type fakeTasks struct {
	mu               sync.Mutex
	items            map[string]domain.ScheduledTask
	listEnabledCalls int
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{items: map[string]domain.ScheduledTask{}}
}

func (f *fakeTasks) InsertTask(ctx context.Context, t domain.ScheduledTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[t.Name] = t
	return nil
}

func (f *fakeTasks) GetTask(ctx context.Context, name string) (domain.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.items[name]
	if !ok {
		return domain.ScheduledTask{}, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeTasks) ListTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ScheduledTask
	for _, t := range f.items {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTasks) ListEnabledTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listEnabledCalls++
	var out []domain.ScheduledTask
	for _, t := range f.items {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTasks) UpdateRunTimes(ctx context.Context, name string, lastRun, nextRun time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.items[name]
	if !ok {
		return store.ErrNotFound
	}
	lr, nr := lastRun, nextRun
	t.LastRun = &lr
	t.NextRun = &nr
	f.items[name] = t
	return nil
}

func (f *fakeTasks) SetEnabled(ctx context.Context, name string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.items[name]
	if !ok {
		return store.ErrNotFound
	}
	t.Enabled = enabled
	f.items[name] = t
	return nil
}

type fakeRetry struct {
	mu            sync.Mutex
	pollCalls     int
	checkAllCalls int
}

func (f *fakeRetry) Poll(ctx context.Context, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++
}

func (f *fakeRetry) CheckAll(ctx context.Context, now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkAllCalls++
	return 0
}

// recObserver records events and can fail or block reminder delivery.
type recObserver struct {
	mu          sync.Mutex
	reminders   []events.ReminderReady
	contents    []events.ContentReady
	statuses    []events.StatusMessage
	reminderErr error
	block       chan struct{} // when set, OnReminderReady waits for a receive
	panicOnce   bool
}

func (o *recObserver) OnReminderReady(ctx context.Context, e events.ReminderReady) error {
	if o.block != nil {
		o.block <- struct{}{}
		<-o.block
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.panicOnce {
		o.panicOnce = false
		panic("observer exploded")
	}
	o.reminders = append(o.reminders, e)
	return o.reminderErr
}

func (o *recObserver) OnContentReady(ctx context.Context, e events.ContentReady) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.contents = append(o.contents, e)
	return nil
}

func (o *recObserver) OnStatusMessage(ctx context.Context, e events.StatusMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, e)
	return nil
}

func (o *recObserver) reminderCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.reminders)
}

func newTestService(t interface{ Fatalf(string, ...any) }, rem *fakeReminders, tasks *fakeTasks, retries *fakeRetry, obs *recObserver) *Service {
	s, err := New(Config{
		TickInterval:    30 * time.Second,
		ExecutionWindow: 5 * time.Minute,
		InitialLookback: 10 * time.Minute,
		Location:        time.UTC,
	}, rem, tasks, retries, obs, []domain.Child{{Name: "Anna", ChatID: 1}, {Name: "Ben", ChatID: 2}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}
