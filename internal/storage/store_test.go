package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "opsnotify/pkg/logx"
)

func openTestStore(t *testing.T, driver, name string) (Store, Config) {
	t.Helper()
	cfg := Config{Driver: driver, Path: filepath.Join(t.TempDir(), name)}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	return st, cfg
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open(none) = %v, %v; want nil, nil", st, err)
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for file driver without path")
	}
}

func TestScheduledContract(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, cfg := openTestStore(t, driver, "store.db")

			base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
			recs := []ScheduledRecord{
				{ID: "b", TriggerAt: base.Add(4 * time.Hour), Title: "Recordatorio", Body: "2 tareas pendientes", Data: []byte(`{"type":"x"}`), CreatedAt: base},
				{ID: "a", TriggerAt: base, Title: "Recordatorio", Body: "uno", CreatedAt: base},
			}
			for _, r := range recs {
				if err := st.PutScheduled(ctx, r); err != nil {
					t.Fatalf("PutScheduled: %v", err)
				}
			}
			if err := st.DeleteScheduled(ctx, "missing"); err != nil {
				t.Fatalf("DeleteScheduled(missing): %v", err)
			}

			got, err := st.ListScheduled(ctx)
			if err != nil {
				t.Fatalf("ListScheduled: %v", err)
			}
			if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
				t.Fatalf("ListScheduled = %+v, want [a b] ordered by trigger", got)
			}
			if !got[1].TriggerAt.Equal(recs[0].TriggerAt) || string(got[1].Data) != `{"type":"x"}` {
				t.Fatalf("record b not preserved: %+v", got[1])
			}

			if err := st.DeleteScheduled(ctx, "a"); err != nil {
				t.Fatalf("DeleteScheduled: %v", err)
			}
			if err := st.AppendDelivery(ctx, DeliveryRecord{At: base, Event: "notify.delivered", Key: "k"}); err != nil {
				t.Fatalf("AppendDelivery: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			// Reopen and make sure the state survived.
			st2, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st2.Close()
			got, err = st2.ListScheduled(ctx)
			if err != nil {
				t.Fatalf("ListScheduled after reopen: %v", err)
			}
			if len(got) != 1 || got[0].ID != "b" {
				t.Fatalf("after reopen = %+v, want [b]", got)
			}
		})
	}
}
