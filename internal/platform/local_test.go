package platform

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"opsnotify/internal/eventbus"
	"opsnotify/internal/payload"
	"opsnotify/internal/storage"
	kit "opsnotify/internal/transport"
	logx "opsnotify/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	ch   chan string
	err  error
}

func newFakeSender() *fakeSender { return &fakeSender{ch: make(chan string, 16)} }

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	err := f.err
	if err == nil {
		f.sent = append(f.sent, text)
	}
	f.mu.Unlock()
	if err != nil {
		return kit.MessageRef{}, err
	}
	f.ch <- text
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func waitText(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return ""
	}
}

func startLocal(t *testing.T, sender kit.Sender, store storage.Store, bus eventbus.Bus) *Local {
	t.Helper()
	l := NewLocal(LocalConfig{Enabled: true, Target: kit.ChatTarget{ChatID: 42}, RatePerSec: 100, RetryBase: time.Millisecond}, sender, store, bus, logx.Nop())
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Stop(ctx)
	})
	return l
}

func TestImmediateDelivery(t *testing.T) {
	t.Parallel()
	snd := newFakeSender()
	l := startLocal(t, snd, nil, nil)

	id, err := l.Schedule(context.Background(), nil, Content{Title: "Nueva tarea", Body: "Revisar <stock>", Data: payload.TaskAssigned{TaskID: "t1"}})
	if err != nil || id == "" {
		t.Fatalf("Schedule = %q, %v", id, err)
	}
	got := waitText(t, snd.ch)
	if !strings.Contains(got, "<b>Nueva tarea</b>") || !strings.Contains(got, "Revisar &lt;stock&gt;") {
		t.Fatalf("unexpected rendered text %q", got)
	}
	list, err := l.List(context.Background())
	if err != nil || len(list) != 0 {
		t.Fatalf("List = %v, %v; immediate notifications are not listed", list, err)
	}
}

func TestScheduleListCancel(t *testing.T) {
	t.Parallel()
	l := startLocal(t, newFakeSender(), nil, nil)
	ctx := context.Background()

	at := time.Now().Add(time.Hour)
	id, err := l.Schedule(ctx, &at, Content{Title: "Recordatorio", Data: payload.TaskReminder{Slot: "1200", Generation: 1}})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	list, _ := l.List(ctx)
	if len(list) != 1 || list[0].ID != id || !list[0].TriggerAt.Equal(at) {
		t.Fatalf("List = %+v", list)
	}
	if _, ok := payload.Reminder(list[0].Content.Data); !ok {
		t.Fatal("listed notification lost its payload")
	}

	if err := l.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := l.Cancel(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Cancel err = %v, want ErrNotFound", err)
	}
	if list, _ := l.List(ctx); len(list) != 0 {
		t.Fatalf("List after cancel = %+v", list)
	}
}

func TestScheduledFires(t *testing.T) {
	t.Parallel()
	snd := newFakeSender()
	l := startLocal(t, snd, nil, nil)

	at := time.Now().Add(30 * time.Millisecond)
	if _, err := l.Schedule(context.Background(), &at, Content{Title: "Pronto"}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got := waitText(t, snd.ch); got != "<b>Pronto</b>" {
		t.Fatalf("delivered %q", got)
	}
	if list, _ := l.List(context.Background()); len(list) != 0 {
		t.Fatalf("fired notification still listed: %+v", list)
	}
}

func TestScheduleRejectsPastTrigger(t *testing.T) {
	t.Parallel()
	l := startLocal(t, newFakeSender(), nil, nil)
	past := time.Now().Add(-time.Minute)
	if _, err := l.Schedule(context.Background(), &past, Content{Title: "x"}); !errors.Is(err, ErrInvalidTrigger) {
		t.Fatalf("err = %v, want ErrInvalidTrigger", err)
	}
}

func TestDisabledIsUnavailable(t *testing.T) {
	t.Parallel()
	l := NewLocal(LocalConfig{Enabled: false}, newFakeSender(), nil, nil, logx.Nop())
	if err := Probe(context.Background(), l); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Probe = %v, want ErrUnavailable", err)
	}
	if _, err := l.Schedule(context.Background(), nil, Content{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Schedule = %v, want ErrUnavailable", err)
	}
	if err := Probe(context.Background(), nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Probe(nil) = %v", err)
	}
	if err := Probe(context.Background(), Unavailable()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Probe(Unavailable) = %v", err)
	}
}

func TestForbiddenLatchesPermissionDenied(t *testing.T) {
	t.Parallel()
	snd := newFakeSender()
	snd.err = kit.ErrForbidden
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	l := startLocal(t, snd, nil, bus)

	if _, err := l.Schedule(context.Background(), nil, Content{Title: "x"}); err != nil {
		t.Fatalf("first Schedule: %v", err)
	}
	select {
	case e := <-events:
		fe, _ := e.Data.(FiredEvent)
		if fe.Error == "" {
			t.Fatalf("expected failed fire event, got %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no fire event")
	}
	if _, err := l.Schedule(context.Background(), nil, Content{Title: "y"}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Schedule after forbidden = %v, want ErrPermissionDenied", err)
	}

	l.Apply(LocalConfig{Enabled: true, RatePerSec: 100})
	snd.mu.Lock()
	snd.err = nil
	snd.mu.Unlock()
	if _, err := l.Schedule(context.Background(), nil, Content{Title: "z"}); err != nil {
		t.Fatalf("Schedule after Apply: %v", err)
	}
}

func TestRestoreFromStorage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "platform.db")
	st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	snd := newFakeSender()
	l1 := NewLocal(LocalConfig{Enabled: true, RatePerSec: 100}, snd, st, nil, logx.Nop())
	if err := l1.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	at := time.Now().Add(time.Hour)
	id, err := l1.Schedule(ctx, &at, Content{Title: "Mañana", Data: payload.TaskReminder{Kind: payload.KindMorning, Generation: 3}})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	_ = l1.Stop(stopCtx)
	cancel()

	// An overdue record left behind by a previous process.
	if err := st.PutScheduled(ctx, storage.ScheduledRecord{ID: "overdue", TriggerAt: time.Now().Add(-time.Minute), Title: "Atrasada"}); err != nil {
		t.Fatalf("PutScheduled: %v", err)
	}

	l2 := startLocal(t, snd, st, nil)
	list, err := l2.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("restored = %+v, want [%s]", list, id)
	}
	r, ok := payload.Reminder(list[0].Content.Data)
	if !ok || r.Generation != 3 {
		t.Fatalf("restored payload = %+v", list[0].Content.Data)
	}
	if got := waitText(t, snd.ch); got != "<b>Atrasada</b>" {
		t.Fatalf("overdue delivery = %q", got)
	}
}

type gatedSender struct {
	gate chan struct{}
	mu   sync.Mutex
	sent int
}

func (g *gatedSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return kit.MessageRef{}, ctx.Err()
	}
	g.mu.Lock()
	g.sent++
	g.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (g *gatedSender) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sent
}

func TestStopDrainsQueuedDeliveries(t *testing.T) {
	t.Parallel()
	snd := &gatedSender{gate: make(chan struct{})}
	l := NewLocal(LocalConfig{Enabled: true, Target: kit.ChatTarget{ChatID: 42}, Workers: 1, RatePerSec: 100, SendTimeout: 5 * time.Second}, snd, nil, nil, logx.Nop())
	runCtx, cancelRun := context.WithCancel(context.Background())
	if err := l.Start(runCtx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Schedule(context.Background(), nil, Content{Title: "Pedido", Body: "n"}); err != nil {
			t.Fatalf("Schedule %d: %v", i, err)
		}
	}

	// The owner's context goes away before Stop, as it does on process shutdown.
	cancelRun()
	time.AfterFunc(50*time.Millisecond, func() { close(snd.gate) })

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := snd.count(); got != 3 {
		t.Fatalf("delivered %d of 3 accepted notifications", got)
	}
}

func TestStopDropsQueueAfterDeadline(t *testing.T) {
	t.Parallel()
	snd := &gatedSender{gate: make(chan struct{})}
	l := NewLocal(LocalConfig{Enabled: true, Target: kit.ChatTarget{ChatID: 42}, Workers: 1, RatePerSec: 100, SendTimeout: 5 * time.Second}, snd, nil, nil, logx.Nop())
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Schedule(context.Background(), nil, Content{Title: "Pedido", Body: "n"}); err != nil {
			t.Fatalf("Schedule %d: %v", i, err)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := l.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Stop blocked past its deadline")
	}
	if got := snd.count(); got != 0 {
		t.Fatalf("delivered %d while the sender was blocked", got)
	}
}
