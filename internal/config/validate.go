package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultRefresh = "5 0 * * *"
	RefreshOff     = "off"
)

// MaxDailySlots bounds how many periodic reminders any 24h window may hold.
const MaxDailySlots = 24

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks everything that can be checked without opening resources.
// It matches the validator signature of ConfigManager.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.User.ID) == "" {
		add(errors.New("user.id is required"))
	}
	if _, err := cfg.Location(); err != nil {
		add(err)
	}

	_, err := cfg.Timings()
	add(err)

	if s := strings.TrimSpace(cfg.Reminders.Slots); s != "" {
		sched, err := cronParser.Parse(s)
		if err != nil {
			add(fmt.Errorf("reminders.slots: %w", err))
		} else {
			add(checkSlotDensity(sched))
		}
	}
	if r := strings.TrimSpace(cfg.Reminders.Refresh); r != "" && !strings.EqualFold(r, RefreshOff) {
		if _, err := cronParser.Parse(r); err != nil {
			add(fmt.Errorf("reminders.refresh: %w", err))
		}
	}
	if m := strings.TrimSpace(cfg.Reminders.Morning); m != "" {
		if _, err := time.Parse("15:04", m); err != nil {
			add(fmt.Errorf("reminders.morning: want HH:MM, got %q", m))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Platform.Driver)) {
	case "", "local", "memory", "none":
	default:
		add(fmt.Errorf("platform.driver: unknown driver %q", cfg.Platform.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Platform.Channel)) {
	case "", "log":
	case "telegram":
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			add(errors.New("telegram.token is required for the telegram channel"))
		}
		if cfg.Telegram.ChatID == 0 {
			add(errors.New("telegram.chat_id is required for the telegram channel"))
		}
	default:
		add(fmt.Errorf("platform.channel: unknown channel %q", cfg.Platform.Channel))
	}
	if cfg.Platform.Workers < 0 || cfg.Platform.QueueSize < 0 || cfg.Platform.RatePerSec < 0 || cfg.Platform.RetryMax < 0 {
		add(errors.New("platform: workers, queue_size, rate_per_sec and retry_max must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Backend.Path) == "" {
			add(errors.New("backend.path is required for the sqlite driver"))
		}
	default:
		add(fmt.Errorf("backend.driver: unknown driver %q", cfg.Backend.Driver))
	}

	return errors.Join(errs...)
}

// checkSlotDensity walks a year of fire times and fails when any rolling 24h
// window holds more than MaxDailySlots of them.
func checkSlotDensity(sched cron.Schedule) error {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)
	recent := make([]time.Time, 0, MaxDailySlots+1)
	for t := sched.Next(start); !t.IsZero() && t.Before(end); t = sched.Next(t) {
		if len(recent) == MaxDailySlots+1 {
			copy(recent, recent[1:])
			recent = recent[:MaxDailySlots]
		}
		recent = append(recent, t)
		if len(recent) == MaxDailySlots+1 && t.Sub(recent[0]) < 24*time.Hour {
			return fmt.Errorf("reminders.slots: more than %d slots within 24h", MaxDailySlots)
		}
	}
	return nil
}

// Location resolves user.timezone, defaulting to time.Local.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.User.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("user.timezone: %w", err)
	}
	return loc, nil
}
