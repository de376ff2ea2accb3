package dedup

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestShouldSuppress(t *testing.T) {
	t.Parallel()
	l := New()
	l.Record("k", t0)

	tests := []struct {
		name     string
		key      string
		cooldown time.Duration
		now      time.Time
		want     bool
	}{
		{name: "within cooldown", key: "k", cooldown: 30 * time.Second, now: t0.Add(10 * time.Second), want: true},
		{name: "at boundary", key: "k", cooldown: 30 * time.Second, now: t0.Add(30 * time.Second), want: false},
		{name: "past cooldown", key: "k", cooldown: 30 * time.Second, now: t0.Add(time.Minute), want: false},
		{name: "unknown key", key: "other", cooldown: time.Hour, now: t0, want: false},
		{name: "zero cooldown", key: "k", cooldown: 0, now: t0, want: false},
		{name: "empty key", key: "", cooldown: time.Hour, now: t0, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := l.ShouldSuppress(tt.key, tt.cooldown, tt.now); got != tt.want {
				t.Fatalf("ShouldSuppress(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestShouldSuppressIsPure(t *testing.T) {
	t.Parallel()
	l := New()
	_ = l.ShouldSuppress("k", time.Minute, t0)
	if l.Len() != 0 {
		t.Fatal("ShouldSuppress must not create entries")
	}
}

func TestRecordSupersedes(t *testing.T) {
	t.Parallel()
	l := New()
	l.Record("k", t0)
	l.Record("k", t0.Add(time.Hour))
	e, ok := l.Get("k")
	if !ok || !e.LastSentAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("Get = %+v, %v", e, ok)
	}
	if l.Len() != 1 {
		t.Fatalf("Len = %d, want 1", l.Len())
	}
}

func TestReserveCommit(t *testing.T) {
	t.Parallel()
	l := New()
	r, ok := l.Reserve("k", 30*time.Second, t0)
	if !ok {
		t.Fatal("first reserve should succeed")
	}
	if _, ok := l.Reserve("k", 30*time.Second, t0.Add(time.Second)); ok {
		t.Fatal("second reserve within cooldown should be suppressed")
	}
	r.Commit()
	if !l.ShouldSuppress("k", 30*time.Second, t0.Add(5*time.Second)) {
		t.Fatal("committed entry should suppress")
	}
}

func TestReserveReleaseRestoresPrevious(t *testing.T) {
	t.Parallel()
	l := New()
	l.Record("k", t0)

	r, ok := l.Reserve("k", 30*time.Second, t0.Add(time.Minute))
	if !ok {
		t.Fatal("reserve past cooldown should succeed")
	}
	r.Release()
	e, ok := l.Get("k")
	if !ok || !e.LastSentAt.Equal(t0) {
		t.Fatalf("after release Get = %+v, %v; want previous entry", e, ok)
	}

	r2, _ := l.Reserve("fresh", time.Minute, t0)
	r2.Release()
	if _, ok := l.Get("fresh"); ok {
		t.Fatal("release of a new key should remove it")
	}
}

func TestReleaseAfterSupersedeIsNoop(t *testing.T) {
	t.Parallel()
	l := New()
	r, _ := l.Reserve("k", time.Second, t0)
	l.Record("k", t0.Add(time.Hour))
	r.Release()
	e, ok := l.Get("k")
	if !ok || !e.LastSentAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("stale release clobbered newer entry: %+v", e)
	}
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	t.Parallel()
	l := New()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r, ok := l.Reserve("race", 30*time.Second, t0); ok {
				wins.Add(1)
				r.Commit()
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("winners = %d, want 1", got)
	}
}

func TestSweep(t *testing.T) {
	t.Parallel()
	l := New()
	l.Record("old", t0)
	l.Record("new", t0.Add(50*time.Minute))
	pending, _ := l.Reserve("pending", time.Minute, t0)
	defer pending.Release()

	if n := l.Sweep(0, t0.Add(time.Hour)); n != 0 {
		t.Fatalf("Sweep(0) removed %d", n)
	}
	if n := l.Sweep(30*time.Minute, t0.Add(time.Hour)); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if _, ok := l.Get("old"); ok {
		t.Fatal("old entry should be gone")
	}
	if _, ok := l.Get("pending"); !ok {
		t.Fatal("provisional entry must survive sweep")
	}
}

func TestOverlappingZeroCooldownReservationsSettle(t *testing.T) {
	t.Parallel()
	l := New()
	a, okA := l.Reserve("k", 0, t0)
	b, okB := l.Reserve("k", 0, t0.Add(time.Second))
	if !okA || !okB {
		t.Fatal("zero cooldown must never suppress")
	}
	a.Commit()
	b.Release()

	e, ok := l.Get("k")
	if !ok || !e.LastSentAt.Equal(t0) {
		t.Fatalf("Get = %+v, %v; want the committed send", e, ok)
	}
	if n := l.Sweep(time.Minute, t0.Add(time.Hour)); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if l.Len() != 0 {
		t.Fatalf("Len = %d after sweep", l.Len())
	}
}

func TestZeroCooldownReleaseLeavesNothing(t *testing.T) {
	t.Parallel()
	l := New()
	r, _ := l.Reserve("k", 0, t0)
	r.Release()
	if _, ok := l.Get("k"); ok {
		t.Fatal("released zero-cooldown reservation left an entry")
	}
}
