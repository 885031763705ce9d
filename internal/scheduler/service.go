// Package scheduler drives all time-based work from a single recurring
// timer: due one-off reminders, bounded retry polling, and cron-scheduled
// recurring tasks.
package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"skolebot/internal/domain"
	"skolebot/internal/events"
	"skolebot/internal/store"
)

// RetryPoller is the slice of the retry engine the scheduler drives: the
// per-tick pending poll and the scheduled full check.
type RetryPoller interface {
	Poll(ctx context.Context, now time.Time)
	CheckAll(ctx context.Context, now time.Time) int
}

// cronLookahead keeps a just-fired occurrence from matching again when the
// next run is recomputed. The recompute base is the firing minute, so 30s
// can never skip a minute-granularity occurrence.
const cronLookahead = 30 * time.Second

type Config struct {
	TickInterval    time.Duration // default 30s
	ExecutionWindow time.Duration // a task fires within [nextRun, nextRun+window]
	InitialLookback time.Duration // nextRun base for tasks that never ran
	Location        *time.Location
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.ExecutionWindow <= 0 {
		c.ExecutionWindow = 5 * time.Minute
	}
	if c.InitialLookback <= 0 {
		c.InitialLookback = 10 * time.Minute
	}
	if c.Location == nil {
		c.Location = time.Local
	}
}

type taskHandler func(ctx context.Context, t domain.ScheduledTask, now time.Time) error

// Service is the tick driver. One instance owns all scheduling decisions;
// overlapping ticks are dropped, never queued.
type Service struct {
	cfg       Config
	reminders store.ReminderRepository
	tasks     store.TaskRepository
	retries   RetryPoller
	observer  events.Observer
	children  map[string]domain.Child
	handlers  map[domain.TaskKind]taskHandler

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool

	// tickBusy is the reentrancy guard: a tick (or the recovery pass) holds
	// it for its whole duration; contenders return immediately.
	tickBusy atomic.Bool

	// lastCronMinute is the last wall-clock minute tasks were evaluated in.
	// Only touched while tickBusy is held.
	lastCronMinute time.Time

	now func() time.Time // test seam
}

func New(cfg Config, reminders store.ReminderRepository, tasks store.TaskRepository, retries RetryPoller, observer events.Observer, children []domain.Child) (*Service, error) {
	if reminders == nil || tasks == nil || retries == nil || observer == nil {
		return nil, errors.New("scheduler: nil dependency")
	}
	cfg.applyDefaults()

	byName := make(map[string]domain.Child, len(children))
	for _, c := range children {
		byName[c.Name] = c
	}
	s := &Service{
		cfg:       cfg,
		reminders: reminders,
		tasks:     tasks,
		retries:   retries,
		observer:  observer,
		children:  byName,
		stop:      make(chan struct{}),
		now:       time.Now,
	}
	// Task kinds are bound here, once; rows with any other kind are logged
	// and skipped at dispatch.
	s.handlers = map[domain.TaskKind]taskHandler{
		domain.TaskReminder:  s.materializeReminder,
		domain.TaskPlanCheck: s.runPlanCheck,
	}
	return s, nil
}

// Run ticks immediately and then on every interval until Stop or ctx
// cancellation. It blocks; callers run it in a goroutine.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.cfg.TickInterval).Msg("scheduler started")
	go s.tick(ctx, s.now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			// Each tick runs detached under the reentrancy guard, so a slow
			// downstream call delays nothing here; later ticks just drop.
			go s.tick(ctx, now)
		}
	}
}

// Stop halts future ticks. Safe to call repeatedly and without a prior Run.
// An in-flight tick finishes on its own.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stop)
}

func (s *Service) tick(ctx context.Context, now time.Time) {
	if !s.tickBusy.CompareAndSwap(false, true) {
		log.Debug().Time("tick", now).Msg("previous tick still running, dropping")
		return
	}
	defer s.tickBusy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Str("stack", string(debug.Stack())).Msg("panic in tick")
		}
	}()

	s.dispatchDueReminders(ctx, now)
	s.retries.Poll(ctx, now)

	// Cron granularity is minute-level; evaluate once per wall-clock minute,
	// whatever second the ticker happens to land on.
	if minute := now.Truncate(time.Minute); minute.After(s.lastCronMinute) {
		s.lastCronMinute = minute
		s.evaluateTasks(ctx, now)
	}
}
