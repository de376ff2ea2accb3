package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "opsnotify/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.deliveries.jsonl         (append-only JSON Lines)
//   - <prefix>.scheduled.snapshot.json  (periodic snapshot)
//   - <prefix>.scheduled.journal.jsonl  (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	deliveryFile *os.File

	snapshotPath string
	journalFile  *os.File
	scheduled    map[string]ScheduledRecord

	writes int
}

const compactEvery = 500

type journalOp struct {
	Op     string           `json:"op"` // "put" | "del"
	ID     string           `json:"id"`
	Record *ScheduledRecord `json:"record,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	df, err := os.OpenFile(prefix+".deliveries.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".scheduled.snapshot.json"
	journalPath := prefix + ".scheduled.journal.jsonl"
	scheduled := map[string]ScheduledRecord{}
	if err := loadSnapshot(snapPath, scheduled); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("scheduled snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, scheduled); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("scheduled journal unreadable", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		deliveryFile: df,
		snapshotPath: snapPath,
		journalFile:  jf,
		scheduled:    scheduled,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journalFile != nil {
		// Leave a compact snapshot behind so the next open replays little.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("scheduled compact on close failed", logx.Err(err))
		}
		err1 = s.journalFile.Close()
		s.journalFile = nil
	}
	if s.deliveryFile != nil {
		err2 = s.deliveryFile.Close()
		s.deliveryFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) PutScheduled(ctx context.Context, r ScheduledRecord) error {
	_ = ctx
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("scheduled id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalOp{Op: "put", ID: r.ID, Record: &r}); err != nil {
		return err
	}
	s.scheduled[r.ID] = r
	return nil
}

func (s *fileStore) DeleteScheduled(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scheduled[id]; !ok {
		return nil
	}
	if err := s.appendLocked(journalOp{Op: "del", ID: id}); err != nil {
		return err
	}
	delete(s.scheduled, id)
	return nil
}

func (s *fileStore) ListScheduled(ctx context.Context) ([]ScheduledRecord, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]ScheduledRecord, 0, len(s.scheduled))
	for _, r := range s.scheduled {
		out = append(out, r)
	}
	s.mu.Unlock()
	sortScheduled(out)
	return out, nil
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveryFile == nil {
		return errors.New("delivery file closed")
	}
	return json.NewEncoder(s.deliveryFile).Encode(r)
}

func (s *fileStore) appendLocked(op journalOp) error {
	if s.journalFile == nil {
		return errors.New("scheduled journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("scheduled compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.scheduled); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]ScheduledRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]ScheduledRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]ScheduledRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil || op.ID == "" {
			continue
		}
		switch op.Op {
		case "put":
			if op.Record != nil {
				out[op.ID] = *op.Record
			}
		case "del":
			delete(out, op.ID)
		}
	}
	return sc.Err()
}

func sortScheduled(rs []ScheduledRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].TriggerAt.Equal(rs[j].TriggerAt) {
			return rs[i].TriggerAt.Before(rs[j].TriggerAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
