package app

import (
	"fmt"
	"strings"
	"time"

	"opsnotify/internal/bridge"
	"opsnotify/internal/config"
	"opsnotify/internal/docstore"
	"opsnotify/internal/platform"
	"opsnotify/internal/reminders"
	"opsnotify/internal/storage"
	kit "opsnotify/internal/transport"
	"opsnotify/internal/transport/logsink"
	"opsnotify/internal/transport/telegram"
	logx "opsnotify/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		tm, err := cfg.Timings()
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: tm.BusyTimeout}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLocalConfig(cfg *config.Config) (platform.LocalConfig, error) {
	p := cfg.Platform
	tm, err := cfg.Timings()
	if err != nil {
		return platform.LocalConfig{}, err
	}
	return platform.LocalConfig{
		Enabled:       config.BoolOr(p.Enabled, true),
		Target:        kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID},
		Workers:       p.Workers,
		QueueSize:     p.QueueSize,
		RatePerSec:    p.RatePerSec,
		RetryMax:      p.RetryMax,
		RetryBase:     tm.RetryBase,
		RetryMaxDelay: tm.RetryMaxDelay,
		SendTimeout:   tm.SendTimeout,
	}, nil
}

func platformDriver(cfg *config.Config) string {
	d := strings.ToLower(strings.TrimSpace(cfg.Platform.Driver))
	if d == "" {
		return "local"
	}
	return d
}

// newSender builds the channel the local platform delivers through.
func newSender(cfg *config.Config, log logx.Logger) (kit.Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Platform.Channel)) {
	case "telegram":
		tm, err := cfg.Timings()
		if err != nil {
			return nil, err
		}
		s, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, Timeout: tm.TelegramTimeout}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return logsink.New(log.With(logx.String("comp", "logsink"))), nil
	}
}

func mapReminderConfig(cfg *config.Config) (reminders.Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return reminders.Config{}, err
	}
	return reminders.Config{
		UserID:   cfg.User.ID,
		Slots:    cfg.Reminders.Slots,
		Morning:  cfg.Reminders.Morning,
		Location: loc,
	}, nil
}

func mapBridgeConfig(cfg *config.Config) (bridge.Config, error) {
	tm, err := cfg.Timings()
	if err != nil {
		return bridge.Config{}, err
	}
	return bridge.Config{
		UserID:   cfg.User.ID,
		Tasks:    config.BoolOr(cfg.Bridge.Tasks, true),
		Orders:   config.BoolOr(cfg.Bridge.Orders, true),
		Cooldown: tm.Cooldown,
	}, nil
}

func mapDocstoreConfig(cfg *config.Config) (docstore.Config, error) {
	tm, err := cfg.Timings()
	if err != nil {
		return docstore.Config{}, err
	}
	return docstore.Config{Driver: cfg.Backend.Driver, Path: cfg.Backend.Path, PollInterval: tm.PollInterval}, nil
}

// mapSweep returns the ledger eviction age and sweep period. A zero age
// disables sweeping.
func mapSweep(cfg *config.Config) (evictAfter, every time.Duration, err error) {
	tm, err := cfg.Timings()
	if err != nil {
		return 0, 0, err
	}
	return tm.DedupEvictAfter, tm.SweepInterval, nil
}

func refreshSpec(cfg *config.Config) string {
	r := strings.TrimSpace(cfg.Reminders.Refresh)
	if r == "" {
		return config.DefaultRefresh
	}
	if strings.EqualFold(r, config.RefreshOff) {
		return ""
	}
	return r
}
