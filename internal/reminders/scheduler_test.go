package reminders

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"opsnotify/internal/dedup"
	"opsnotify/internal/notifier"
	"opsnotify/internal/payload"
	"opsnotify/internal/platform"
	logx "opsnotify/pkg/logx"
)

var monday9 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return monday9 }

func newScheduler(t *testing.T, p platform.Store) *Scheduler {
	t.Helper()
	m := notifier.NewManager(p, dedup.New(), nil, logx.Nop(), notifier.WithClock(fixedNow))
	s, err := New(Config{UserID: "u1", Location: time.UTC}, p, m, nil, logx.Nop(), WithClock(fixedNow))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func tasks(titles ...string) []PendingTask {
	out := make([]PendingTask, 0, len(titles))
	for i, title := range titles {
		out = append(out, PendingTask{ID: string(rune('a' + i)), Title: title, AssignedUserID: "u1"})
	}
	return out
}

type slotView struct {
	At  time.Time
	Key string
}

func reminderSlots(t *testing.T, p platform.Store) ([]slotView, []payload.TaskReminder) {
	t.Helper()
	list, err := p.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var views []slotView
	var pls []payload.TaskReminder
	for _, n := range list {
		r, ok := payload.Reminder(n.Content.Data)
		if !ok {
			continue
		}
		views = append(views, slotView{At: *n.TriggerAt, Key: "recordatorio_" + r.Slot + "_" + r.Date + "_" + string(r.Kind)})
		pls = append(pls, r)
	}
	return views, pls
}

func TestRecomputeSchedulesRemainingSlots(t *testing.T) {
	t.Parallel()
	mem := platform.NewMemory()
	s := newScheduler(t, mem)

	res := s.Recompute(context.Background(), tasks("Revisar stock", "Llamar proveedor"))
	want := []string{
		"recordatorio_1200_20260302_periodico",
		"recordatorio_1600_20260302_periodico",
		"recordatorio_2000_20260302_periodico",
		"recordatorio_0830_20260303_manana",
	}
	if !reflect.DeepEqual(res.Keys, want) {
		t.Fatalf("keys = %v, want %v", res.Keys, want)
	}
	if res.Scheduled != 4 || res.Pending != 2 || res.Generation != 1 {
		t.Fatalf("result = %+v", res)
	}
	views, _ := reminderSlots(t, mem)
	if len(views) != 4 || !views[3].At.Equal(time.Date(2026, 3, 3, 8, 30, 0, 0, time.UTC)) {
		t.Fatalf("scheduled = %+v", views)
	}
}

func TestRecomputeIsIdempotent(t *testing.T) {
	t.Parallel()
	mem := platform.NewMemory()
	s := newScheduler(t, mem)
	set := tasks("Revisar stock", "Llamar proveedor", "Cerrar caja")

	s.Recompute(context.Background(), set)
	first, _ := reminderSlots(t, mem)
	res := s.Recompute(context.Background(), set)
	second, pls := reminderSlots(t, mem)

	if res.Cancelled != len(first) {
		t.Fatalf("cancelled %d, want %d", res.Cancelled, len(first))
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("slots differ:\nfirst  %+v\nsecond %+v", first, second)
	}
	for _, p := range pls {
		if p.Generation != 2 {
			t.Fatalf("stale generation left behind: %+v", p)
		}
	}
}

func TestRecomputeEmptySetCancelsAll(t *testing.T) {
	t.Parallel()
	mem := platform.NewMemory()
	s := newScheduler(t, mem)
	s.Recompute(context.Background(), tasks("Revisar stock"))

	other := []PendingTask{
		{ID: "x", Title: "Ajena", AssignedUserID: "u2"},
		{ID: "y", Title: "Hecha", AssignedUserID: "u1", Completed: true},
	}
	res := s.Recompute(context.Background(), other)
	if res.Pending != 0 || res.Scheduled != 0 || res.Cancelled != 4 {
		t.Fatalf("result = %+v", res)
	}
	if views, _ := reminderSlots(t, mem); len(views) != 0 {
		t.Fatalf("reminders left: %+v", views)
	}
}

func TestReminderMessage(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		set  []PendingTask
		want string
	}{
		{name: "single uses title", set: tasks("Revisar stock"), want: `Tienes pendiente: "Revisar stock"`},
		{name: "plural uses count", set: tasks("a", "b", "c"), want: "3 tareas pendientes"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mem := platform.NewMemory()
			s := newScheduler(t, mem)
			s.Recompute(context.Background(), tc.set)
			list, _ := mem.List(context.Background())
			if len(list) == 0 {
				t.Fatal("nothing scheduled")
			}
			for _, n := range list {
				if n.Content.Body != tc.want {
					t.Fatalf("body = %q, want %q", n.Content.Body, tc.want)
				}
			}
		})
	}
}

// faultyStore fails Schedule for one trigger hour and Cancel for chosen ids.
type faultyStore struct {
	*platform.Memory
	mu         sync.Mutex
	failHour   int
	failCancel map[string]bool
}

func (f *faultyStore) Schedule(ctx context.Context, at *time.Time, c platform.Content) (string, error) {
	if at != nil && at.Hour() == f.failHour {
		return "", errors.New("alarm quota exceeded")
	}
	return f.Memory.Schedule(ctx, at, c)
}

func (f *faultyStore) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	fail := f.failCancel[id]
	f.mu.Unlock()
	if fail {
		return errors.New("cancel rejected")
	}
	return f.Memory.Cancel(ctx, id)
}

func TestRecomputeToleratesPlatformFailures(t *testing.T) {
	t.Parallel()
	fs := &faultyStore{Memory: platform.NewMemory(), failHour: 16, failCancel: map[string]bool{}}
	s := newScheduler(t, fs)

	res := s.Recompute(context.Background(), tasks("Revisar stock"))
	if res.Scheduled != 3 || res.Failed != 1 {
		t.Fatalf("first cycle = %+v, want 3 scheduled and 1 failed", res)
	}

	list, _ := fs.List(context.Background())
	fs.mu.Lock()
	fs.failCancel[list[0].ID] = true
	fs.mu.Unlock()

	res = s.Recompute(context.Background(), tasks("Revisar stock"))
	if res.CancelFailed != 1 || res.Cancelled != 2 || res.Scheduled != 3 {
		t.Fatalf("second cycle = %+v", res)
	}
}

// listFailStore fails List while failList is set.
type listFailStore struct {
	*platform.Memory
	mu       sync.Mutex
	failList bool
}

func (f *listFailStore) setFail(v bool) {
	f.mu.Lock()
	f.failList = v
	f.mu.Unlock()
}

func (f *listFailStore) List(ctx context.Context) ([]platform.Scheduled, error) {
	f.mu.Lock()
	fail := f.failList
	f.mu.Unlock()
	if fail {
		return nil, errors.New("list unavailable")
	}
	return f.Memory.List(ctx)
}

func TestRecomputeSkipsCycleWhenListFails(t *testing.T) {
	t.Parallel()
	fs := &listFailStore{Memory: platform.NewMemory()}
	s := newScheduler(t, fs)

	first := s.Recompute(context.Background(), tasks("Revisar stock"))
	if first.Scheduled != 4 || first.Generation != 1 {
		t.Fatalf("first cycle = %+v", first)
	}

	fs.setFail(true)
	res := s.Recompute(context.Background(), tasks("Revisar stock", "Llamar proveedor"))
	if !res.Skipped || res.Scheduled != 0 || res.Cancelled != 0 || res.Generation != 1 || res.Pending != 2 {
		t.Fatalf("failed-list cycle = %+v", res)
	}
	if s.Generation() != 1 {
		t.Fatalf("Generation() = %d after a skipped cycle", s.Generation())
	}
	fs.setFail(false)
	if views, _ := reminderSlots(t, fs); len(views) != 4 {
		t.Fatalf("reminders = %d, want the 4 from the first cycle", len(views))
	}

	// The retained task set is used by the next refresh.
	res, ok := s.Refresh(context.Background())
	if !ok || res.Skipped || res.Generation != 2 || res.Cancelled != 4 || res.Scheduled != 4 || res.Pending != 2 {
		t.Fatalf("refresh = %+v, %v", res, ok)
	}
	if views, _ := reminderSlots(t, fs); len(views) != 4 {
		t.Fatalf("reminders = %d after refresh, want 4", len(views))
	}
}

func TestDenseSlotsAreCapped(t *testing.T) {
	t.Parallel()
	mem := platform.NewMemory()
	s := newScheduler(t, mem)
	if err := s.Apply(Config{UserID: "u1", Slots: "* * * * *", Location: time.UTC}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	res := s.Recompute(context.Background(), tasks("Revisar stock"))
	if res.Scheduled != maxDailySlots+1 {
		t.Fatalf("scheduled = %d, want %d periodic plus the morning slot", res.Scheduled, maxDailySlots)
	}
}

func TestRecomputeLeavesOtherNotifications(t *testing.T) {
	t.Parallel()
	mem := platform.NewMemory()
	s := newScheduler(t, mem)
	later := monday9.Add(2 * time.Hour)
	id, err := mem.Schedule(context.Background(), &later, platform.Content{Title: "Nueva tarea", Data: payload.TaskAssigned{TaskID: "t9"}})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	s.Recompute(context.Background(), tasks("Revisar stock"))
	s.Recompute(context.Background(), nil)

	list, _ := mem.List(context.Background())
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("list = %+v, want only the assignment notification", list)
	}
}

func TestGenerationContinuesAfterRestart(t *testing.T) {
	t.Parallel()
	mem := platform.NewMemory()
	at := monday9.Add(3 * time.Hour)
	if _, err := mem.Schedule(context.Background(), &at, platform.Content{Data: payload.TaskReminder{Slot: "1200", Generation: 7}}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	s := newScheduler(t, mem)
	res := s.Recompute(context.Background(), tasks("Revisar stock"))
	if res.Generation != 8 || res.Cancelled != 1 {
		t.Fatalf("result = %+v, want generation 8 and the old reminder cancelled", res)
	}
	if s.Generation() != 8 {
		t.Fatalf("Generation() = %d", s.Generation())
	}
}

func TestRefreshNeedsSnapshot(t *testing.T) {
	t.Parallel()
	mem := platform.NewMemory()
	s := newScheduler(t, mem)
	if _, ok := s.Refresh(context.Background()); ok {
		t.Fatal("Refresh ran without a snapshot")
	}
	s.Recompute(context.Background(), tasks("Revisar stock"))
	res, ok := s.Refresh(context.Background())
	if !ok || res.Pending != 1 || res.Generation != 2 {
		t.Fatalf("Refresh = %+v, %v", res, ok)
	}
}

func TestApplyRejectsBadConfig(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, platform.NewMemory())
	if err := s.Apply(Config{Slots: "every day"}); err == nil {
		t.Fatal("expected error for bad cron expression")
	}
	if err := s.Apply(Config{Morning: "8h30"}); err == nil {
		t.Fatal("expected error for bad morning clock")
	}
}
