package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "opsnotify/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutScheduled(ctx context.Context, r ScheduledRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("scheduled id required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled(id, trigger_at, title, body, data, created_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET trigger_at=excluded.trigger_at, title=excluded.title,
		   body=excluded.body, data=excluded.data`,
		r.ID, r.TriggerAt.UnixMilli(), r.Title, r.Body, r.Data, r.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeleteScheduled(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ListScheduled(ctx context.Context) ([]ScheduledRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var rows []scheduledRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, trigger_at, title, body, data, created_at FROM scheduled ORDER BY trigger_at, id`); err != nil {
		return nil, err
	}
	out := make([]ScheduledRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, ScheduledRecord{
			ID:        r.ID,
			TriggerAt: time.UnixMilli(r.TriggerAt),
			Title:     r.Title,
			Body:      r.Body,
			Data:      r.Data,
			CreatedAt: time.UnixMilli(r.CreatedAt),
		})
	}
	return out, nil
}

type scheduledRow struct {
	ID        string `db:"id"`
	TriggerAt int64  `db:"trigger_at"`
	Title     string `db:"title"`
	Body      string `db:"body"`
	Data      []byte `db:"data"`
	CreatedAt int64  `db:"created_at"`
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO deliveries(at, event, key, type, notification_id, err)
		 VALUES(:at, :event, :key, :type, :notification_id, :err)`,
		map[string]any{
			"at":              r.At.Format(time.RFC3339Nano),
			"event":           r.Event,
			"key":             nullStr(r.Key),
			"type":            nullStr(r.Type),
			"notification_id": nullStr(r.NotificationID),
			"err":             nullStr(r.Error),
		},
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
