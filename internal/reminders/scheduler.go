// Package reminders keeps the scheduled task-reminder notifications in line
// with the current user's pending tasks.
//
// Every Recompute is one full cycle: cancel the reminders of earlier
// generations, collect the pending set, then schedule the remaining daily slots
// plus one next-morning slot. Cycles are serialised.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"opsnotify/internal/docstore"
	"opsnotify/internal/eventbus"
	"opsnotify/internal/notifier"
	"opsnotify/internal/payload"
	"opsnotify/internal/platform"
	logx "opsnotify/pkg/logx"
)

// PendingTask is the cached backend copy of a task.
type PendingTask = docstore.Task

const (
	DefaultSlots   = "0 8-20/4 * * *"
	DefaultMorning = "08:30"

	// maxDailySlots caps the periodic slots of one cycle.
	maxDailySlots = 24
)

// Deliverer is the notification funnel reminders go through.
type Deliverer interface {
	RequestDelivery(ctx context.Context, req notifier.Request) (bool, error)
}

type Config struct {
	UserID string
	// Slots is a five-field cron expression for the daily reminder slots.
	Slots string
	// Morning is the HH:MM of the next-morning reminder.
	Morning  string
	Location *time.Location
}

// Result summarises one cycle.
type Result struct {
	Generation   uint64   `json:"generation"`
	Pending      int      `json:"pending"`
	Cancelled    int      `json:"cancelled"`
	CancelFailed int      `json:"cancel_failed"`
	Scheduled    int      `json:"scheduled"`
	Suppressed   int      `json:"suppressed"`
	Failed       int      `json:"failed"`
	Keys         []string `json:"keys,omitempty"`
	Skipped      bool     `json:"skipped,omitempty"` // stopped before cancelling anything
}

type slot struct {
	at   time.Time
	kind payload.ReminderKind
}

type Scheduler struct {
	// run serialises cycles; mu guards the fields below it.
	run sync.Mutex

	mu       sync.Mutex
	cfg      Config
	sched    cron.Schedule
	morningH int
	morningM int
	last     []PendingTask
	hasLast  bool
	gen      uint64

	platform platform.Store
	notify   Deliverer
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(cfg Config, p platform.Store, d Deliverer, bus eventbus.Bus, log logx.Logger, opts ...Option) (*Scheduler, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Scheduler{platform: p, notify: d, bus: bus, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply validates and swaps the config. It takes effect on the next cycle.
func (s *Scheduler) Apply(cfg Config) error {
	if strings.TrimSpace(cfg.Slots) == "" {
		cfg.Slots = DefaultSlots
	}
	if strings.TrimSpace(cfg.Morning) == "" {
		cfg.Morning = DefaultMorning
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	sched, err := parser.Parse(cfg.Slots)
	if err != nil {
		return fmt.Errorf("reminder slots %q: %w", cfg.Slots, err)
	}
	if spec, ok := sched.(*cron.SpecSchedule); ok && !strings.Contains(cfg.Slots, "TZ=") {
		spec.Location = cfg.Location
	}
	h, m, err := parseClock(cfg.Morning)
	if err != nil {
		return fmt.Errorf("reminder morning %q: %w", cfg.Morning, err)
	}
	s.mu.Lock()
	s.cfg, s.sched, s.morningH, s.morningM = cfg, sched, h, m
	s.mu.Unlock()
	return nil
}

func parseClock(v string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, 0, errors.New("want HH:MM")
	}
	return t.Hour(), t.Minute(), nil
}

// Generation returns the id of the last completed cycle.
func (s *Scheduler) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Refresh reruns the cycle on the last observed task set. It does nothing
// until a snapshot has been seen.
func (s *Scheduler) Refresh(ctx context.Context) (Result, bool) {
	s.mu.Lock()
	tasks, ok := s.last, s.hasLast
	s.mu.Unlock()
	if !ok {
		return Result{}, false
	}
	return s.Recompute(ctx, tasks), true
}

// Recompute runs one cancel-and-reschedule cycle for tasks.
func (s *Scheduler) Recompute(ctx context.Context, tasks []PendingTask) Result {
	s.run.Lock()
	defer s.run.Unlock()

	s.mu.Lock()
	cfg, sched, mh, mm := s.cfg, s.sched, s.morningH, s.morningM
	s.last = append([]PendingTask(nil), tasks...)
	s.hasLast = true
	prevGen := s.gen
	s.mu.Unlock()

	now := s.now().In(cfg.Location)
	var res Result

	// Cancelling.
	existing, err := s.platform.List(ctx)
	if err != nil {
		// Without the list the previous generation cannot be torn down, and
		// scheduling on top of it would duplicate every slot. The task set is
		// kept, so the next snapshot or refresh retries.
		s.log.Warn("list scheduled notifications failed; cycle skipped", logx.Err(err))
		res.Generation = prevGen
		res.Pending = len(pendingFor(cfg.UserID, tasks))
		res.Skipped = true
		s.finish(res)
		return res
	}
	gen := prevGen
	var stale []platform.Scheduled
	for _, n := range existing {
		r, ok := payload.Reminder(n.Content.Data)
		if !ok {
			continue
		}
		if r.Generation > gen {
			// Left by an earlier process.
			gen = r.Generation
		}
		stale = append(stale, n)
	}
	gen++
	res.Generation = gen
	for _, n := range stale {
		if err := s.platform.Cancel(ctx, n.ID); err != nil && !errors.Is(err, platform.ErrNotFound) {
			res.CancelFailed++
			s.log.Warn("cancel stale reminder failed", logx.String("id", n.ID), logx.Err(err))
			continue
		}
		res.Cancelled++
	}

	s.mu.Lock()
	s.gen = gen
	s.mu.Unlock()

	// Computing.
	pending := pendingFor(cfg.UserID, tasks)
	res.Pending = len(pending)
	if len(pending) == 0 {
		s.finish(res)
		return res
	}

	// Scheduling.
	title, body := message(pending)
	for _, sl := range slotsFor(now, sched, mh, mm) {
		id := sl.at.Format("1504")
		date := sl.at.Format("20060102")
		key := fmt.Sprintf("recordatorio_%s_%s_%s", id, date, sl.kind)
		at := sl.at
		ok, err := s.notify.RequestDelivery(ctx, notifier.Request{
			Title:     title,
			Body:      body,
			Type:      payload.TypeTaskReminder,
			DedupKey:  key,
			TriggerAt: &at,
			Payload: payload.TaskReminder{
				Slot:       id,
				Date:       date,
				Kind:       sl.kind,
				Generation: gen,
				Pending:    len(pending),
			},
			// One delivery per key per generation: the previous
			// generation was torn down above.
			Cooldown: 0,
		})
		switch {
		case err != nil:
			res.Failed++
			s.log.Warn("schedule reminder slot failed", logx.String("key", key), logx.Err(err))
		case ok:
			res.Scheduled++
			res.Keys = append(res.Keys, key)
		default:
			res.Suppressed++
		}
	}
	s.finish(res)
	return res
}

func (s *Scheduler) finish(res Result) {
	s.log.Info("reminders recomputed",
		logx.Uint64("generation", res.Generation),
		logx.Int("pending", res.Pending),
		logx.Int("cancelled", res.Cancelled),
		logx.Int("scheduled", res.Scheduled),
		logx.Int("failed", res.Failed),
		logx.Bool("skipped", res.Skipped),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeRecomputed, Data: res})
}

func pendingFor(userID string, tasks []PendingTask) []PendingTask {
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	var out []PendingTask
	for _, t := range tasks {
		if t.AssignedUserID == userID && !t.Completed {
			out = append(out, t)
		}
	}
	return out
}

// slotsFor returns today's remaining slots after now plus tomorrow morning.
func slotsFor(now time.Time, sched cron.Schedule, mh, mm int) []slot {
	var out []slot
	y, m, d := now.Date()
	endOfDay := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	for t := sched.Next(now); !t.IsZero() && t.Before(endOfDay) && len(out) < maxDailySlots; t = sched.Next(t) {
		out = append(out, slot{at: t, kind: payload.KindPeriodic})
	}
	morning := time.Date(y, m, d+1, mh, mm, 0, 0, now.Location())
	out = append(out, slot{at: morning, kind: payload.KindMorning})
	return out
}

func message(pending []PendingTask) (string, string) {
	if len(pending) == 1 {
		return "Tarea pendiente", fmt.Sprintf("Tienes pendiente: \"%s\"", pending[0].Title)
	}
	return "Tareas pendientes", fmt.Sprintf("%d tareas pendientes", len(pending))
}
