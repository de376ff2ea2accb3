package docstore

import (
	"context"
	"encoding/json"
	"sync"
)

type memCollection struct {
	rev  int64
	docs map[string]json.RawMessage
}

// Memory is an in-process Store. Watchers are woken through a one-slot signal
// channel, so bursts of writes coalesce into one snapshot.
type Memory struct {
	mu       sync.Mutex
	cols     map[string]*memCollection
	watchers map[string]map[chan struct{}]struct{}
	closed   chan struct{}
	once     sync.Once
}

func NewMemory() *Memory {
	return &Memory{
		cols:     map[string]*memCollection{},
		watchers: map[string]map[chan struct{}]struct{}{},
		closed:   make(chan struct{}),
	}
}

func (m *Memory) colLocked(name string) *memCollection {
	c, ok := m.cols[name]
	if !ok {
		c = &memCollection{docs: map[string]json.RawMessage{}}
		m.cols[name] = c
	}
	return c
}

func (m *Memory) snapshot(name string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.colLocked(name)
	s := Snapshot{Collection: name, Rev: c.rev, Docs: make([]Doc, 0, len(c.docs))}
	for id, d := range c.docs {
		s.Docs = append(s.Docs, Doc{ID: id, Data: append(json.RawMessage(nil), d...)})
	}
	sortDocs(s.Docs)
	return s
}

func (m *Memory) Watch(ctx context.Context, collection string, fn func(Snapshot)) error {
	sig := make(chan struct{}, 1)
	m.mu.Lock()
	ws, ok := m.watchers[collection]
	if !ok {
		ws = map[chan struct{}]struct{}{}
		m.watchers[collection] = ws
	}
	ws[sig] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.watchers[collection], sig)
		m.mu.Unlock()
	}()

	last := int64(-1)
	for {
		s := m.snapshot(collection)
		if s.Rev != last {
			last = s.Rev
			fn(s)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.closed:
			return ErrClosed
		case <-sig:
		}
	}
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Doc, error) {
	if err := ctx.Err(); err != nil {
		return Doc{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.colLocked(collection).docs[id]
	if !ok {
		return Doc{}, ErrNotFound
	}
	return Doc{ID: id, Data: append(json.RawMessage(nil), d...)}, nil
}

func (m *Memory) Put(ctx context.Context, collection, id string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encodeDoc(id, v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	c := m.colLocked(collection)
	c.docs[id] = append(json.RawMessage(nil), b...)
	c.rev++
	m.notifyLocked(collection)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Patch(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.colLocked(collection)
	cur, ok := c.docs[id]
	if !ok {
		return ErrNotFound
	}
	b, err := mergeDoc(cur, fields)
	if err != nil {
		return err
	}
	c.docs[id] = b
	c.rev++
	m.notifyLocked(collection)
	return nil
}

func (m *Memory) notifyLocked(collection string) {
	for sig := range m.watchers[collection] {
		select {
		case sig <- struct{}{}:
		default:
		}
	}
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}
