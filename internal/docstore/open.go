package docstore

import (
	"fmt"
	"strings"
	"time"

	logx "opsnotify/pkg/logx"
)

// Config selects the backend driver.
type Config struct {
	Driver       string // memory | sqlite
	Path         string
	PollInterval time.Duration
}

func Open(cfg Config, log logx.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return OpenSQLite(cfg.Path, cfg.PollInterval, log)
	default:
		return nil, fmt.Errorf("unknown docstore driver: %s", cfg.Driver)
	}
}
