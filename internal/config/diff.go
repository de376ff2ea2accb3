package config

import (
	"reflect"
	"strings"

	logx "opsnotify/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.User != newCfg.User {
		changed = append(changed, "user")
		attrs = append(attrs,
			logx.String("user.id", newCfg.User.ID),
			logx.String("user.timezone", newCfg.User.Timezone),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.String("notifier.cooldown", strings.TrimSpace(newCfg.Notifier.Cooldown)),
			logx.String("notifier.dedup_evict_after", strings.TrimSpace(newCfg.Notifier.DedupEvictAfter)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Reminders, newCfg.Reminders) {
		changed = append(changed, "reminders")
		attrs = append(attrs,
			logx.Bool("reminders.enabled", BoolOr(newCfg.Reminders.Enabled, true)),
			logx.String("reminders.slots", newCfg.Reminders.Slots),
			logx.String("reminders.morning", newCfg.Reminders.Morning),
		)
	}

	if !reflect.DeepEqual(oldCfg.Bridge, newCfg.Bridge) {
		changed = append(changed, "bridge")
		attrs = append(attrs,
			logx.Bool("bridge.tasks", BoolOr(newCfg.Bridge.Tasks, true)),
			logx.Bool("bridge.orders", BoolOr(newCfg.Bridge.Orders, true)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Platform, newCfg.Platform) {
		changed = append(changed, "platform")
		attrs = append(attrs,
			logx.String("platform.driver", newCfg.Platform.Driver),
			logx.Bool("platform.enabled", BoolOr(newCfg.Platform.Enabled, true)),
			logx.String("platform.channel", newCfg.Platform.Channel),
			logx.Int("platform.rate_per_sec", newCfg.Platform.RatePerSec),
		)
	}

	// Telegram (never log token)
	if oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID ||
		oldCfg.Telegram.ThreadID != newCfg.Telegram.ThreadID ||
		strings.TrimSpace(oldCfg.Telegram.Timeout) != strings.TrimSpace(newCfg.Telegram.Timeout) ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token)) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}

	if oldCfg.Backend != newCfg.Backend {
		changed = append(changed, "backend")
		attrs = append(attrs, logx.String("backend.driver", newCfg.Backend.Driver))
	}

	return changed, attrs
}

// RestartRequired reports sections whose change only takes effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "user", "telegram", "storage", "backend":
			out = append(out, s)
		}
	}
	return out
}
