// Package docstore is the client side of the backend document database:
// collections of JSON documents keyed by id, with a change feed that pushes the
// full current snapshot of a collection on every change.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

const (
	CollectionTasks  = "tasks"
	CollectionOrders = "orders"
)

var (
	ErrNotFound = errors.New("docstore: document not found")
	ErrClosed   = errors.New("docstore: closed")
)

// Doc is one stored document.
type Doc struct {
	ID   string
	Data json.RawMessage
}

// Snapshot is the full content of a collection at revision Rev.
type Snapshot struct {
	Collection string
	Rev        int64
	Docs       []Doc
}

// Store is the backend collaborator.
type Store interface {
	// Watch calls fn with the current snapshot, then again after every change,
	// until ctx is done or the feed breaks. It always returns a non-nil error.
	Watch(ctx context.Context, collection string, fn func(Snapshot)) error
	Get(ctx context.Context, collection, id string) (Doc, error)
	Put(ctx context.Context, collection, id string, v any) error
	// Patch merges fields into the top level of an existing document.
	Patch(ctx context.Context, collection, id string, fields map[string]any) error
	Close() error
}

// Task is a document of the tasks collection.
type Task struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	AssignedUserID string    `json:"assignedUserId"`
	Completed      bool      `json:"completed"`
	CreatedAt      time.Time `json:"createdAt,omitempty"`
}

// Order is a document of the orders collection.
type Order struct {
	ID        string    `json:"id"`
	Customer  string    `json:"customer"`
	Status    string    `json:"status,omitempty"`
	Total     float64   `json:"total,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Tasks decodes a tasks snapshot. Documents missing an id take the doc key.
func Tasks(s Snapshot) ([]Task, error) {
	out := make([]Task, 0, len(s.Docs))
	for _, d := range s.Docs {
		var t Task
		if err := json.Unmarshal(d.Data, &t); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", d.ID, err)
		}
		if t.ID == "" {
			t.ID = d.ID
		}
		out = append(out, t)
	}
	return out, nil
}

// Orders decodes an orders snapshot.
func Orders(s Snapshot) ([]Order, error) {
	out := make([]Order, 0, len(s.Docs))
	for _, d := range s.Docs {
		var o Order
		if err := json.Unmarshal(d.Data, &o); err != nil {
			return nil, fmt.Errorf("decode order %s: %w", d.ID, err)
		}
		if o.ID == "" {
			o.ID = d.ID
		}
		out = append(out, o)
	}
	return out, nil
}

func encodeDoc(id string, v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case json.RawMessage:
		return x, nil
	case []byte:
		return json.RawMessage(x), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", id, err)
	}
	return b, nil
}

func mergeDoc(cur json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	m := map[string]any{}
	if len(cur) > 0 {
		if err := json.Unmarshal(cur, &m); err != nil {
			return nil, fmt.Errorf("patch non-object document: %w", err)
		}
	}
	for k, v := range fields {
		m[k] = v
	}
	return json.Marshal(m)
}

func sortDocs(docs []Doc) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}
