package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"skolebot/internal/api"
	"skolebot/internal/config"
	"skolebot/internal/content"
	"skolebot/internal/domain"
	"skolebot/internal/events"
	"skolebot/internal/notify"
	"skolebot/internal/retry"
	"skolebot/internal/scheduler"
	"skolebot/internal/store"
)

// planCheckTaskName is the seeded hardcoded task; it exists exactly once.
const planCheckTaskName = "weekly-plan-check"

func main() {
	var (
		addr    = flag.String("addr", ":8080", "HTTP bind address")
		dbPath  = flag.String("db", "skolebot.db", "SQLite DB path")
		cfgPath = flag.String("config", "", "YAML config path")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.New(db, cfg.Location)

	// Delivery channels.
	var observer events.Observer
	if cfg.TelegramToken != "" {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramRatePerSec)
		if err != nil {
			log.Fatal().Err(err).Msg("telegram")
		}
		observer = events.NewDispatcher(tg)
	} else {
		log.Warn().Msg("no telegram token configured, events go to the log only")
		observer = events.NewDispatcher(notify.NewLogger())
	}

	// Weekly-plan fetch path.
	var source content.Source = content.Disabled{}
	if cfg.PlanURLTemplate != "" {
		source, err = content.NewHTTPSource(cfg.PlanURLTemplate, 30*time.Second)
		if err != nil {
			log.Fatal().Err(err).Msg("plan source")
		}
	}
	pipeline := content.NewPipeline(st, observer)
	engine, err := retry.New(st, source, pipeline, observer, cfg.Children,
		cfg.RetryRepollInterval, cfg.RetryMaxDuration)
	if err != nil {
		log.Fatal().Err(err).Msg("retry engine")
	}

	sched, err := scheduler.New(scheduler.Config{
		TickInterval:    cfg.TickInterval,
		ExecutionWindow: cfg.ExecutionWindow,
		InitialLookback: cfg.InitialLookback,
		Location:        cfg.Location,
	}, st, st, engine, observer, cfg.Children)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler")
	}

	if cfg.PlanURLTemplate != "" {
		if err := seedPlanCheck(context.Background(), st, cfg.PlanCheckCron); err != nil {
			log.Fatal().Err(err).Msg("seed plan check task")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Recovery runs concurrently with steady-state ticking; the shared
	// reentrancy guard keeps the two from dispatching the same work.
	go sched.RunRecovery(ctx)
	go sched.Run(ctx)

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(st, st, engine, observer, cfg.Children)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	sched.Stop()
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

// seedPlanCheck inserts the hardcoded weekly-plan-check task on first boot.
func seedPlanCheck(ctx context.Context, tasks store.TaskRepository, cronExpr string) error {
	_, err := tasks.GetTask(ctx, planCheckTaskName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	log.Info().Str("cron", cronExpr).Msg("seeding weekly plan check task")
	return tasks.InsertTask(ctx, domain.ScheduledTask{
		Name:        planCheckTaskName,
		Description: "Fetch each child's weekly plan and post changes",
		CronExpr:    cronExpr,
		Kind:        domain.TaskPlanCheck,
		Enabled:     true,
	})
}
