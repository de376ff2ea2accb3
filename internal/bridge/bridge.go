// Package bridge turns backend change-feed snapshots into immediate
// notifications for newly assigned tasks and newly created orders.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"opsnotify/internal/docstore"
	"opsnotify/internal/notifier"
	"opsnotify/internal/payload"
	logx "opsnotify/pkg/logx"
)

type Kind string

const (
	KindTaskAssigned Kind = "task_assigned"
	KindOrderCreated Kind = "order_created"
)

// Event is one derived change. Replays of the same event share a dedup key.
type Event struct {
	Kind     Kind
	ID       string
	Title    string
	Customer string
}

// Key is the dedup key of the event.
func (e Event) Key() string {
	switch e.Kind {
	case KindTaskAssigned:
		return "tarea_inmediata_" + e.ID
	case KindOrderCreated:
		return "pedido_nuevo_" + e.ID
	default:
		return string(e.Kind) + "_" + e.ID
	}
}

type Deliverer interface {
	RequestDelivery(ctx context.Context, req notifier.Request) (bool, error)
}

type Config struct {
	UserID   string
	Tasks    bool
	Orders   bool
	Cooldown time.Duration
}

type taskState struct {
	assignee  string
	completed bool
}

// Bridge is safe for concurrent use.
type Bridge struct {
	mu  sync.Mutex
	cfg Config

	tasks      map[string]taskState
	tasksBase  bool
	orders     map[string]struct{}
	ordersBase bool

	notify Deliverer
	log    logx.Logger
}

func New(cfg Config, d Deliverer, log logx.Logger) *Bridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bridge{
		tasks:  map[string]taskState{},
		orders: map[string]struct{}{},
		notify: d,
		log:    log,
	}
	b.Apply(cfg)
	return b
}

func (b *Bridge) Apply(cfg Config) {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = notifier.DefaultCooldown
	}
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

// OnTasks diffs a tasks snapshot against the previous one and notifies tasks
// that became assigned to the current user. The first snapshot is a baseline.
func (b *Bridge) OnTasks(ctx context.Context, tasks []docstore.Task) []Event {
	b.mu.Lock()
	cfg := b.cfg
	baseline := !b.tasksBase
	var events []Event
	next := make(map[string]taskState, len(tasks))
	for _, t := range tasks {
		st := taskState{assignee: t.AssignedUserID, completed: t.Completed}
		next[t.ID] = st
		if baseline || cfg.UserID == "" || st.assignee != cfg.UserID || st.completed {
			continue
		}
		if prev, ok := b.tasks[t.ID]; ok && prev.assignee == cfg.UserID {
			continue
		}
		events = append(events, Event{Kind: KindTaskAssigned, ID: t.ID, Title: t.Title})
	}
	b.tasks = next
	b.tasksBase = true
	b.mu.Unlock()

	if baseline {
		b.log.Debug("tasks baseline recorded", logx.Int("tasks", len(tasks)))
	}
	if !cfg.Tasks {
		return nil
	}
	b.dispatch(ctx, events)
	return events
}

// OnOrders notifies orders that were not in the previous snapshot.
func (b *Bridge) OnOrders(ctx context.Context, orders []docstore.Order) []Event {
	b.mu.Lock()
	cfg := b.cfg
	baseline := !b.ordersBase
	var events []Event
	next := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		next[o.ID] = struct{}{}
		if baseline {
			continue
		}
		if _, ok := b.orders[o.ID]; ok {
			continue
		}
		events = append(events, Event{Kind: KindOrderCreated, ID: o.ID, Customer: o.Customer})
	}
	b.orders = next
	b.ordersBase = true
	b.mu.Unlock()

	if !cfg.Orders {
		return nil
	}
	b.dispatch(ctx, events)
	return events
}

func (b *Bridge) dispatch(ctx context.Context, events []Event) {
	for _, e := range events {
		if _, err := b.HandleEvent(ctx, e); err != nil {
			b.log.Warn("push notification failed", logx.String("key", e.Key()), logx.Err(err))
		}
	}
}

// HandleEvent requests an immediate notification for e.
func (b *Bridge) HandleEvent(ctx context.Context, e Event) (bool, error) {
	b.mu.Lock()
	cooldown := b.cfg.Cooldown
	b.mu.Unlock()

	req := notifier.Request{DedupKey: e.Key(), Cooldown: cooldown}
	switch e.Kind {
	case KindTaskAssigned:
		req.Title = "Nueva tarea asignada"
		req.Body = strings.TrimSpace(e.Title)
		req.Type = payload.TypeTaskAssigned
		req.Payload = payload.TaskAssigned{TaskID: e.ID, Title: e.Title}
	case KindOrderCreated:
		req.Title = "Nuevo pedido"
		if c := strings.TrimSpace(e.Customer); c != "" {
			req.Body = "Pedido de " + c
		} else {
			req.Body = "Pedido " + e.ID
		}
		req.Type = payload.TypeOrderCreated
		req.Payload = payload.OrderCreated{OrderID: e.ID, Customer: e.Customer}
	default:
		return false, fmt.Errorf("bridge: unknown event kind %q", e.Kind)
	}
	ok, err := b.notify.RequestDelivery(ctx, req)
	if ok {
		b.log.Info("push notification sent", logx.String("key", req.DedupKey))
	}
	return ok, err
}
