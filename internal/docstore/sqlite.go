package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
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

const docSchema = `
CREATE TABLE IF NOT EXISTS docs (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE TABLE IF NOT EXISTS revisions (
	collection TEXT PRIMARY KEY,
	rev        INTEGER NOT NULL
);`

// SQLite is a Store on a sqlite file shared between processes. Other writers
// (opsctl, the backend sync job) bump the collection revision; Watch polls it.
type SQLite struct {
	db   *sqlx.DB
	poll time.Duration
	log  logx.Logger
}

type docRow struct {
	ID   string `db:"id"`
	Data string `db:"data"`
}

func OpenSQLite(path string, poll time.Duration, log logx.Logger) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("docstore: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening docstore: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	if _, err := db.Exec(docSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("docstore schema: %w", err)
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SQLite{db: db, poll: poll, log: log}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) rev(ctx context.Context, collection string) (int64, error) {
	var rev int64
	err := s.db.GetContext(ctx, &rev, `SELECT rev FROM revisions WHERE collection = ?`, collection)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return rev, err
}

func (s *SQLite) snapshot(ctx context.Context, collection string) (Snapshot, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Snapshot{}, err
	}
	defer tx.Rollback()

	snap := Snapshot{Collection: collection}
	err = tx.GetContext(ctx, &snap.Rev, `SELECT rev FROM revisions WHERE collection = ?`, collection)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, err
	}
	var rows []docRow
	if err := tx.SelectContext(ctx, &rows, `SELECT id, data FROM docs WHERE collection = ? ORDER BY id`, collection); err != nil {
		return Snapshot{}, err
	}
	snap.Docs = make([]Doc, 0, len(rows))
	for _, r := range rows {
		snap.Docs = append(snap.Docs, Doc{ID: r.ID, Data: json.RawMessage(r.Data)})
	}
	return snap, nil
}

func (s *SQLite) Watch(ctx context.Context, collection string, fn func(Snapshot)) error {
	t := time.NewTicker(s.poll)
	defer t.Stop()

	last := int64(-1)
	for {
		rev, err := s.rev(ctx, collection)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("docstore watch %s: %w", collection, err)
		}
		if rev != last {
			snap, err := s.snapshot(ctx, collection)
			if err != nil {
				return fmt.Errorf("docstore snapshot %s: %w", collection, err)
			}
			s.log.Debug("docstore change", logx.String("collection", collection), logx.Int64("rev", snap.Rev), logx.Int("docs", len(snap.Docs)))
			last = snap.Rev
			fn(snap)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *SQLite) Get(ctx context.Context, collection, id string) (Doc, error) {
	var r docRow
	err := s.db.GetContext(ctx, &r, `SELECT id, data FROM docs WHERE collection = ? AND id = ?`, collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Doc{}, ErrNotFound
	}
	if err != nil {
		return Doc{}, err
	}
	return Doc{ID: r.ID, Data: json.RawMessage(r.Data)}, nil
}

func (s *SQLite) Put(ctx context.Context, collection, id string, v any) error {
	b, err := encodeDoc(id, v)
	if err != nil {
		return err
	}
	return s.write(ctx, collection, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO docs(collection, id, data, updated_at) VALUES(?,?,?,?)
			 ON CONFLICT(collection, id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
			collection, id, string(b), time.Now().UnixMilli())
		return err
	})
}

func (s *SQLite) Patch(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.write(ctx, collection, func(tx *sqlx.Tx) error {
		var cur string
		err := tx.GetContext(ctx, &cur, `SELECT data FROM docs WHERE collection = ? AND id = ?`, collection, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		b, err := mergeDoc(json.RawMessage(cur), fields)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE docs SET data = ?, updated_at = ? WHERE collection = ? AND id = ?`,
			string(b), time.Now().UnixMilli(), collection, id)
		return err
	})
}

// write runs fn and bumps the collection revision in one transaction.
func (s *SQLite) write(ctx context.Context, collection string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO revisions(collection, rev) VALUES(?, 1)
		 ON CONFLICT(collection) DO UPDATE SET rev = rev + 1`, collection); err != nil {
		return fmt.Errorf("bump revision: %w", err)
	}
	return tx.Commit()
}

// List returns every document of a collection, for tooling.
func (s *SQLite) List(ctx context.Context, collection string) ([]Doc, error) {
	snap, err := s.snapshot(ctx, collection)
	if err != nil {
		return nil, err
	}
	return snap.Docs, nil
}
