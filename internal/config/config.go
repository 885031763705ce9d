package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"skolebot/internal/domain"
)

// File is the YAML shape of the config file. All durations are Go duration
// strings (e.g. "30s", "5m", "48h"); omitted fields fall back to defaults.
type File struct {
	Timezone        string `yaml:"timezone"`
	TickInterval    string `yaml:"tick_interval"`
	ExecutionWindow string `yaml:"execution_window"`
	InitialLookback string `yaml:"initial_lookback"`

	Retry struct {
		RepollInterval string `yaml:"repoll_interval"`
		MaxDuration    string `yaml:"max_duration"`
	} `yaml:"retry"`

	PlanCheckCron   string `yaml:"plan_check_cron"`
	PlanURLTemplate string `yaml:"plan_url_template"`

	Telegram struct {
		Token      string `yaml:"token"`
		RatePerSec int    `yaml:"rate_per_sec"`
	} `yaml:"telegram"`

	Children []struct {
		Name   string `yaml:"name"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"children"`
}

// Config is the resolved runtime configuration.
type Config struct {
	Location        *time.Location
	TickInterval    time.Duration
	ExecutionWindow time.Duration
	InitialLookback time.Duration

	RetryRepollInterval time.Duration
	RetryMaxDuration    time.Duration

	PlanCheckCron   string
	PlanURLTemplate string

	TelegramToken      string
	TelegramRatePerSec int

	Children []domain.Child
}

// Defaults returns the configuration used when no file is given.
func Defaults() Config {
	return Config{
		Location:            time.Local,
		TickInterval:        30 * time.Second,
		ExecutionWindow:     5 * time.Minute,
		InitialLookback:     10 * time.Minute,
		RetryRepollInterval: time.Hour,
		RetryMaxDuration:    48 * time.Hour,
		PlanCheckCron:       "0 7 * * 1-5",
		TelegramRatePerSec:  1,
	}
}

// Load reads path (optional) and resolves it against defaults.
// An empty path yields Defaults().
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return resolve(cfg, f)
}

func resolve(cfg Config, f File) (Config, error) {
	var err error
	if tz := strings.TrimSpace(f.Timezone); tz != "" && !strings.EqualFold(tz, "local") {
		cfg.Location, err = time.LoadLocation(tz)
		if err != nil {
			return Config{}, fmt.Errorf("timezone: %w", err)
		}
	}
	if cfg.TickInterval, err = durationOr("tick_interval", f.TickInterval, cfg.TickInterval); err != nil {
		return Config{}, err
	}
	if cfg.ExecutionWindow, err = durationOr("execution_window", f.ExecutionWindow, cfg.ExecutionWindow); err != nil {
		return Config{}, err
	}
	if cfg.InitialLookback, err = durationOr("initial_lookback", f.InitialLookback, cfg.InitialLookback); err != nil {
		return Config{}, err
	}
	if cfg.RetryRepollInterval, err = durationOr("retry.repoll_interval", f.Retry.RepollInterval, cfg.RetryRepollInterval); err != nil {
		return Config{}, err
	}
	if cfg.RetryMaxDuration, err = durationOr("retry.max_duration", f.Retry.MaxDuration, cfg.RetryMaxDuration); err != nil {
		return Config{}, err
	}
	if s := strings.TrimSpace(f.PlanCheckCron); s != "" {
		cfg.PlanCheckCron = s
	}
	cfg.PlanURLTemplate = strings.TrimSpace(f.PlanURLTemplate)
	cfg.TelegramToken = strings.TrimSpace(f.Telegram.Token)
	if f.Telegram.RatePerSec > 0 {
		cfg.TelegramRatePerSec = f.Telegram.RatePerSec
	}
	for _, c := range f.Children {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return Config{}, fmt.Errorf("children: name is required")
		}
		cfg.Children = append(cfg.Children, domain.Child{Name: name, ChatID: c.ChatID})
	}
	return cfg, nil
}

func durationOr(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be > 0", path)
	}
	return d, nil
}
