package config

// Config is the on-disk service configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "24h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	User      UserConfig      `json:"user"`
	Notifier  NotifierConfig  `json:"notifier"`
	Reminders RemindersConfig `json:"reminders"`
	Bridge    BridgeConfig    `json:"bridge"`
	Platform  PlatformConfig  `json:"platform"`
	Telegram  TelegramConfig  `json:"telegram"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Backend   BackendConfig   `json:"backend"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// UserConfig identifies whose tasks are reminded.
type UserConfig struct {
	ID       string `json:"id"`
	Timezone string `json:"timezone,omitempty"` // IANA name, default: local
}

// NotifierConfig controls the dedup funnel.
//
// Defaults:
//   - cooldown: "30s"
//   - dedup_evict_after: "0s" (never evict)
//   - sweep_interval: "10m" (only used when eviction is on)
type NotifierConfig struct {
	Cooldown        string `json:"cooldown,omitempty"`
	DedupEvictAfter string `json:"dedup_evict_after,omitempty"`
	SweepInterval   string `json:"sweep_interval,omitempty"`
}

// RemindersConfig controls the task reminder schedule.
//
// Example:
//
//	"reminders": { "slots": "0 8-20/4 * * *", "morning": "08:30", "refresh": "5 0 * * *" }
type RemindersConfig struct {
	Enabled *bool  `json:"enabled,omitempty"` // default: true
	Slots   string `json:"slots,omitempty"`
	Morning string `json:"morning,omitempty"`
	// Refresh is a cron expression for the daily recompute from the cached
	// task set. Empty uses "5 0 * * *"; "off" disables it.
	Refresh string `json:"refresh,omitempty"`
}

type BridgeConfig struct {
	Tasks  *bool `json:"tasks,omitempty"`  // default: true
	Orders *bool `json:"orders,omitempty"` // default: true
}

// PlatformConfig selects and tunes the notification platform.
//
// driver: "local" (default), "memory" (dry run, nothing is delivered) or
// "none" (notifications unavailable).
// channel: "telegram" or "log" (default).
type PlatformConfig struct {
	Driver        string `json:"driver,omitempty"`
	Enabled       *bool  `json:"enabled,omitempty"` // default: true
	Channel       string `json:"channel,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// Timeout is a Go duration string (e.g. "10s").
	Timeout string `json:"timeout,omitempty"`
}

// StorageConfig controls persistence of scheduled notifications and the
// delivery history.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/opsnotify.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// BackendConfig selects the document store holding tasks and orders.
type BackendConfig struct {
	Driver       string `json:"driver,omitempty"` // memory | sqlite
	Path         string `json:"path,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
}

// BoolOr returns *p, or def when p is nil.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
