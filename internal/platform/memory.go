package platform

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is a Store that only remembers what it was asked to do. Immediate
// notifications are appended to Sent; timed ones stay listed until cancelled.
// It backs dry runs and tests.
type Memory struct {
	mu        sync.Mutex
	seq       int
	scheduled map[string]Scheduled
	sent      []Scheduled
	calls     int
}

func NewMemory() *Memory {
	return &Memory{scheduled: map[string]Scheduled{}}
}

func (m *Memory) List(ctx context.Context) ([]Scheduled, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := make([]Scheduled, 0, len(m.scheduled))
	for _, s := range m.scheduled {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		ti, tj := *out[i].TriggerAt, *out[j].TriggerAt
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) Schedule(ctx context.Context, triggerAt *time.Time, c Content) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.seq++
	id := "mem-" + strconv.Itoa(m.seq)
	if triggerAt == nil {
		m.sent = append(m.sent, Scheduled{ID: id, Content: c})
		return id, nil
	}
	at := *triggerAt
	m.scheduled[id] = Scheduled{ID: id, TriggerAt: &at, Content: c}
	return id, nil
}

func (m *Memory) Cancel(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scheduled[id]; !ok {
		return ErrNotFound
	}
	delete(m.scheduled, id)
	return nil
}

// Sent returns the immediate notifications in delivery order.
func (m *Memory) Sent() []Scheduled {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Scheduled(nil), m.sent...)
}

// Calls counts every Schedule call, immediate or timed.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
