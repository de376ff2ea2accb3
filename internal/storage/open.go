package storage

import (
	"context"
	"errors"
	"strings"

	logx "opsnotify/pkg/logx"
)

// Store is the persistence API used by the local platform and the app.
type Store interface {
	PutScheduled(ctx context.Context, r ScheduledRecord) error
	DeleteScheduled(ctx context.Context, id string) error
	ListScheduled(ctx context.Context) ([]ScheduledRecord, error)
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
