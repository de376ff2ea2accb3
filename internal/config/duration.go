package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults applied by Timings when a duration is unset or zero.
const (
	DefaultCooldown        = 30 * time.Second
	DefaultSweepInterval   = 10 * time.Minute
	DefaultTelegramTimeout = 10 * time.Second
	DefaultPollInterval    = time.Second
	DefaultBusyTimeout     = time.Second
)

// Timings holds every duration setting of a Config, parsed and defaulted.
// Platform retry and send durations stay zero when unset; the platform
// applies its own defaults to those.
type Timings struct {
	Cooldown        time.Duration
	DedupEvictAfter time.Duration // 0: never evict
	SweepInterval   time.Duration

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration

	TelegramTimeout time.Duration
	PollInterval    time.Duration
	BusyTimeout     time.Duration
}

// Timings parses the duration fields of c. All field errors are joined, each
// prefixed with the field's config path.
func (c *Config) Timings() (Timings, error) {
	var (
		t    Timings
		errs []error
	)
	field := func(dst *time.Duration, path, raw string, def time.Duration) {
		d, err := parseDuration(path, raw)
		if err != nil {
			errs = append(errs, err)
			return
		}
		if d == 0 {
			d = def
		}
		*dst = d
	}

	n := c.Notifier
	field(&t.Cooldown, "notifier.cooldown", n.Cooldown, DefaultCooldown)
	field(&t.DedupEvictAfter, "notifier.dedup_evict_after", n.DedupEvictAfter, 0)
	field(&t.SweepInterval, "notifier.sweep_interval", n.SweepInterval, DefaultSweepInterval)

	p := c.Platform
	field(&t.RetryBase, "platform.retry_base", p.RetryBase, 0)
	field(&t.RetryMaxDelay, "platform.retry_max_delay", p.RetryMaxDelay, 0)
	field(&t.SendTimeout, "platform.send_timeout", p.SendTimeout, 0)

	field(&t.TelegramTimeout, "telegram.timeout", c.Telegram.Timeout, DefaultTelegramTimeout)
	field(&t.PollInterval, "backend.poll_interval", c.Backend.PollInterval, DefaultPollInterval)
	t.BusyTimeout = DefaultBusyTimeout
	if c.Storage != nil {
		field(&t.BusyTimeout, "storage.busy_timeout", c.Storage.BusyTimeout, DefaultBusyTimeout)
	}

	// A sweep younger than the cooldown would forget keys that are still
	// suppressing.
	if t.DedupEvictAfter > 0 && t.DedupEvictAfter < t.Cooldown {
		errs = append(errs, fmt.Errorf("notifier.dedup_evict_after: %s is shorter than notifier.cooldown %s", t.DedupEvictAfter, t.Cooldown))
	}

	if len(errs) > 0 {
		return Timings{}, errors.Join(errs...)
	}
	return t, nil
}

// parseDuration reads a Go duration string. Empty is zero; negative values are
// rejected.
func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, s)
	}
	return d, nil
}
