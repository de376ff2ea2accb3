package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"opsnotify/internal/bridge"
	"opsnotify/internal/config"
	"opsnotify/internal/dedup"
	"opsnotify/internal/docstore"
	"opsnotify/internal/eventbus"
	"opsnotify/internal/notifier"
	"opsnotify/internal/platform"
	"opsnotify/internal/reminders"
	rtsup "opsnotify/internal/runtime/supervisor"
	"opsnotify/internal/storage"
	kit "opsnotify/internal/transport"
	logx "opsnotify/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	docs  docstore.Store

	plat   platform.Store
	local  *platform.Local // nil unless platform.driver=local
	notif  *notifier.Manager
	rem    *reminders.Scheduler
	bridge *bridge.Bridge

	remindersOn atomic.Bool

	cronMu      sync.Mutex
	cron        *cron.Cron
	cronSpec    string
	cronLoc     *time.Location
	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
}

// Option overrides a component built from config. Used by tests and tools.
type Option func(*options)

type options struct {
	docs   docstore.Store
	sender kit.Sender
	plat   platform.Store
}

// WithDocstore uses docs instead of opening backend.*.
func WithDocstore(docs docstore.Store) Option { return func(o *options) { o.docs = docs } }

// WithSender replaces the channel built from platform.channel.
func WithSender(s kit.Sender) Option { return func(o *options) { o.sender = s } }

// WithPlatform replaces the platform built from platform.driver.
func WithPlatform(p platform.Store) Option { return func(o *options) { o.plat = p } }

func NewApp(cfgPath string, opts ...Option) (a *App, err error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath, logx.Nop())
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		_ = logSvc.Close()
	}()

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		closers = append(closers, st.Close)
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	var (
		plat  platform.Store
		local *platform.Local
	)
	switch {
	case o.plat != nil:
		plat = o.plat
	case platformDriver(cfg) == "memory":
		plat = platform.NewMemory()
	case platformDriver(cfg) == "none":
		plat = platform.Unavailable()
	default:
		lc, err := mapLocalConfig(cfg)
		if err != nil {
			return nil, err
		}
		sender := o.sender
		if sender == nil {
			if sender, err = newSender(cfg, log); err != nil {
				return nil, err
			}
		}
		local = platform.NewLocal(lc, sender, store, bus, log.With(logx.String("comp", "platform")))
		plat = local
	}
	log.Info("notification platform selected", logx.String("driver", platformDriver(cfg)))

	notif := notifier.NewManager(plat, dedup.New(), bus, log.With(logx.String("comp", "notifier")))

	rc, err := mapReminderConfig(cfg)
	if err != nil {
		return nil, err
	}
	rem, err := reminders.New(rc, plat, notif, bus, log.With(logx.String("comp", "reminders")))
	if err != nil {
		return nil, err
	}

	bc, err := mapBridgeConfig(cfg)
	if err != nil {
		return nil, err
	}
	br := bridge.New(bc, notif, log.With(logx.String("comp", "bridge")))

	docs := o.docs
	if docs == nil {
		dc, err := mapDocstoreConfig(cfg)
		if err != nil {
			return nil, err
		}
		if docs, err = docstore.Open(dc, log.With(logx.String("comp", "docstore"))); err != nil {
			return nil, err
		}
	}

	a = &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		docs:   docs,
		plat:   plat,
		local:  local,
		notif:  notif,
		rem:    rem,
		bridge: br,
	}
	a.remindersOn.Store(config.BoolOr(cfg.Reminders.Enabled, true))
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if a.local != nil {
		if err := a.local.Start(runCtx); err != nil {
			return err
		}
	}
	a.notif.Reprobe(runCtx)

	// History first so early outcomes are recorded.
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("history", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.recordEvent(c, e)
			}
		}
	})

	feedBackoff := rtsup.WithRestartBackoff(500*time.Millisecond, 15*time.Second)
	a.sup.GoRestart("feed.tasks", a.watchTasks, feedBackoff)
	a.sup.GoRestart("feed.orders", a.watchOrders, feedBackoff)

	cfg := a.cfgm.Get()
	if err := a.applyRefresh(cfg); err != nil {
		return err
	}
	if err := a.applySweep(runCtx, cfg); err != nil {
		return err
	}

	// hot reload config fan-out
	sub, unsubCfg := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsubCfg()
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("user", cfg.User.ID),
		logx.Bool("platform_available", a.notif.Available()),
		logx.Bool("reminders", a.remindersOn.Load()),
	)
	return nil
}

func (a *App) watchTasks(ctx context.Context) error {
	return a.docs.Watch(ctx, docstore.CollectionTasks, func(s docstore.Snapshot) {
		tasks, err := docstore.Tasks(s)
		if err != nil {
			a.log.Warn("task snapshot decode failed", logx.Int64("rev", s.Rev), logx.Err(err))
			return
		}
		a.bridge.OnTasks(ctx, tasks)
		if a.remindersOn.Load() {
			a.rem.Recompute(ctx, tasks)
		}
	})
}

func (a *App) watchOrders(ctx context.Context) error {
	return a.docs.Watch(ctx, docstore.CollectionOrders, func(s docstore.Snapshot) {
		orders, err := docstore.Orders(s)
		if err != nil {
			a.log.Warn("order snapshot decode failed", logx.Int64("rev", s.Rev), logx.Err(err))
			return
		}
		a.bridge.OnOrders(ctx, orders)
	})
}

// recordEvent appends delivery outcomes to the history and logs cycle results.
func (a *App) recordEvent(ctx context.Context, e eventbus.Event) {
	var rec storage.DeliveryRecord
	switch d := e.Data.(type) {
	case notifier.DeliveryEvent:
		rec = storage.DeliveryRecord{At: d.At, Event: e.Type, Key: d.Key, Type: d.Type, NotificationID: d.NotificationID, Error: d.Error}
	case platform.FiredEvent:
		rec = storage.DeliveryRecord{At: e.Time, Event: e.Type, Type: d.Type, NotificationID: d.ID, Error: d.Error}
	case reminders.Result:
		a.log.Debug("reminder cycle",
			logx.Uint64("generation", d.Generation),
			logx.Int("pending", d.Pending),
			logx.Int("scheduled", d.Scheduled),
			logx.Int("cancelled", d.Cancelled),
		)
		return
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		return
	}
	if a.store == nil {
		return
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.store.AppendDelivery(wctx, rec); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("delivery history write failed", logx.String("event", rec.Event), logx.Err(err))
	}
}

// applyRefresh (re)installs the daily recompute cron. An empty spec stops it.
func (a *App) applyRefresh(cfg *config.Config) error {
	spec := refreshSpec(cfg)
	if !config.BoolOr(cfg.Reminders.Enabled, true) {
		spec = ""
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	a.cronMu.Lock()
	defer a.cronMu.Unlock()
	if a.cron != nil && spec == a.cronSpec && loc == a.cronLoc {
		return nil
	}
	if a.cron != nil {
		a.cron.Stop()
		a.cron = nil
	}
	a.cronSpec, a.cronLoc = spec, loc
	if spec == "" {
		a.log.Info("reminder refresh disabled")
		return nil
	}

	c := cron.New(
		cron.WithLocation(loc),
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
	)
	runCtx := a.sup.Context()
	if _, err := c.AddFunc(spec, func() {
		if res, ok := a.rem.Refresh(runCtx); ok {
			a.log.Info("reminders refreshed", logx.Uint64("generation", res.Generation), logx.Int("scheduled", res.Scheduled))
		}
	}); err != nil {
		return fmt.Errorf("reminders.refresh: %w", err)
	}
	c.Start()
	a.cron = c
	a.log.Info("reminder refresh scheduled", logx.String("spec", spec), logx.String("tz", loc.String()))
	return nil
}

func (a *App) stopRefresh(ctx context.Context) {
	a.cronMu.Lock()
	c := a.cron
	a.cron = nil
	a.cronMu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// applySweep restarts the ledger eviction ticker. Eviction is off unless
// notifier.dedup_evict_after is set.
func (a *App) applySweep(ctx context.Context, cfg *config.Config) error {
	evictAfter, every, err := mapSweep(cfg)
	if err != nil {
		return err
	}
	a.sweepMu.Lock()
	defer a.sweepMu.Unlock()
	if a.sweepCancel != nil {
		a.sweepCancel()
		a.sweepCancel = nil
	}
	if evictAfter <= 0 {
		return nil
	}
	sctx, cancel := context.WithCancel(ctx)
	a.sweepCancel = cancel
	ledger := a.notif.Ledger()
	a.sup.Go0("dedup.sweep", func(_ context.Context) {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-sctx.Done():
				return
			case now := <-t.C:
				if n := ledger.Sweep(evictAfter, now); n > 0 {
					a.log.Debug("dedup entries evicted", logx.Int("evicted", n), logx.Int("remaining", ledger.Len()))
				}
			}
		}
	})
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed in sections that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if a.local != nil {
		if lc, err := mapLocalConfig(newCfg); err != nil {
			a.log.Warn("invalid platform config; keeping previous", logx.Err(err))
		} else {
			a.local.Apply(lc)
		}
	}
	a.notif.Reprobe(ctx)

	if rc, err := mapReminderConfig(newCfg); err != nil {
		a.log.Warn("invalid reminders config; keeping previous", logx.Err(err))
	} else if err := a.rem.Apply(rc); err != nil {
		a.log.Warn("invalid reminders config; keeping previous", logx.Err(err))
	}
	a.remindersOn.Store(config.BoolOr(newCfg.Reminders.Enabled, true))
	if err := a.applyRefresh(newCfg); err != nil {
		a.log.Warn("invalid reminders.refresh; keeping previous", logx.Err(err))
	}

	if bc, err := mapBridgeConfig(newCfg); err != nil {
		a.log.Warn("invalid bridge config; keeping previous", logx.Err(err))
	} else {
		a.bridge.Apply(bc)
	}
	if err := a.applySweep(a.sup.Context(), newCfg); err != nil {
		a.log.Warn("invalid notifier sweep config; keeping previous", logx.Err(err))
	}

	// Rebuild the schedule under the new slots right away.
	if a.remindersOn.Load() && containsAny(sections, "reminders", "platform", "user") {
		a.rem.Refresh(ctx)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func containsAny(list []string, want ...string) bool {
	for _, s := range list {
		for _, w := range want {
			if s == w {
				return true
			}
		}
	}
	return false
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("refresh", time.Second, func(c context.Context) error { a.stopRefresh(c); return nil })
	step("platform", 3*time.Second, func(c context.Context) error {
		if a.local != nil {
			return a.local.Stop(c)
		}
		return nil
	})
	// Wait for supervised goroutines before closing what they write to.
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("docstore", time.Second, func(context.Context) error { return a.docs.Close() })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
