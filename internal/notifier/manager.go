package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"opsnotify/internal/dedup"
	"opsnotify/internal/eventbus"
	"opsnotify/internal/platform"
	logx "opsnotify/pkg/logx"
)

// ErrSchedulingFailed wraps every platform rejection returned by RequestDelivery.
var ErrSchedulingFailed = errors.New("notifier: scheduling failed")

// Manager enforces at-most-one delivery per dedup key per cooldown window.
//
// It is safe for concurrent use.
type Manager struct {
	platform platform.Store
	ledger   *dedup.Ledger
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	available atomic.Bool
}

type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager probes the platform once; an unavailable platform turns the
// manager into a no-op until Reprobe succeeds.
func NewManager(p platform.Store, ledger *dedup.Ledger, bus eventbus.Bus, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if ledger == nil {
		ledger = dedup.New()
	}
	m := &Manager{
		platform: p,
		ledger:   ledger,
		bus:      bus,
		log:      log,
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.Reprobe(context.Background())
	return m
}

// Reprobe re-checks platform availability, e.g. after a config reload.
func (m *Manager) Reprobe(ctx context.Context) bool {
	err := platform.Probe(ctx, m.platform)
	ok := !errors.Is(err, platform.ErrUnavailable)
	if err != nil && ok {
		m.log.Debug("platform probe returned error", logx.Err(err))
	}
	if prev := m.available.Swap(ok); prev != ok || !ok {
		m.log.Info("notification platform probed", logx.Bool("available", ok))
	}
	return ok
}

// Available reports whether deliveries reach the platform.
func (m *Manager) Available() bool { return m.available.Load() }

// Ledger exposes the dedup ledger for sweeping and inspection.
func (m *Manager) Ledger() *dedup.Ledger { return m.ledger }

// RequestDelivery returns true when the platform accepted the notification.
//
// A suppressed request and an unavailable platform both return false with a
// nil error. A platform rejection returns false and an error wrapping
// ErrSchedulingFailed; the key is not recorded, so a later call may retry.
func (m *Manager) RequestDelivery(ctx context.Context, req Request) (bool, error) {
	if !m.available.Load() {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := m.now()
	typ := req.Type
	if typ == "" && req.Payload != nil {
		typ = req.Payload.Type()
	}
	ev := DeliveryEvent{Key: req.DedupKey, Type: string(typ), TriggerAt: req.TriggerAt, At: now}

	res, ok := m.ledger.Reserve(req.DedupKey, req.Cooldown, now)
	if !ok {
		m.log.Debug("notification suppressed", logx.String("key", req.DedupKey), logx.Duration("cooldown", req.Cooldown))
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeSuppressed, Time: now, Data: ev})
		return false, nil
	}

	id, err := m.platform.Schedule(ctx, req.TriggerAt, platform.Content{
		Title: req.Title,
		Body:  req.Body,
		Data:  req.Payload,
	})
	if err != nil {
		res.Release()
		if errors.Is(err, platform.ErrUnavailable) {
			// Platform went away after the probe.
			m.available.Store(false)
			m.log.Warn("notification platform became unavailable", logx.Err(err))
			return false, nil
		}
		ev.Error = err.Error()
		m.log.Warn("notification scheduling failed", logx.String("key", req.DedupKey), logx.String("type", string(typ)), logx.Err(err))
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeFailed, Time: now, Data: ev})
		return false, fmt.Errorf("%w: %w", ErrSchedulingFailed, err)
	}
	res.Commit()

	ev.NotificationID = id
	fields := []logx.Field{logx.String("key", req.DedupKey), logx.String("id", id), logx.String("type", string(typ))}
	if req.TriggerAt != nil {
		fields = append(fields, logx.Time("trigger_at", *req.TriggerAt))
	}
	m.log.Debug("notification accepted", fields...)
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeDelivered, Time: now, Data: ev})
	return true, nil
}
