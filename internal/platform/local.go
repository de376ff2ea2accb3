package platform

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"opsnotify/internal/eventbus"
	"opsnotify/internal/payload"
	rtsup "opsnotify/internal/runtime/supervisor"
	"opsnotify/internal/storage"
	kit "opsnotify/internal/transport"
	logx "opsnotify/pkg/logx"
)

// LocalConfig controls the in-process notification platform.
type LocalConfig struct {
	Enabled       bool
	Target        kit.ChatTarget
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// FiredEvent is published on the bus after each delivery attempt.
type FiredEvent struct {
	ID    string `json:"id"`
	Type  string `json:"type,omitempty"`
	Error string `json:"error,omitempty"`
}

type pendingEntry struct {
	sched Scheduled
	timer *time.Timer
	ver   uint64
}

type delivery struct {
	id      string
	content Content
}

// Local is a Store that keeps scheduled notifications in process, persists them
// through storage.Store so they survive restarts, and hands due notifications to
// a transport.Sender through a rate-limited worker pool with bounded retry.
//
// It is safe for concurrent use.
type Local struct {
	mu sync.Mutex

	cfg     LocalConfig
	log     logx.Logger
	sender  kit.Sender
	store   storage.Store
	bus     eventbus.Bus
	limiter *rate.Limiter
	now     func() time.Time

	pending map[string]*pendingEntry
	ver     uint64

	queue     chan delivery
	accepting bool
	started   bool
	sup       *rtsup.Supervisor

	// denied latches after the sender reports a revoked permission.
	denied atomic.Bool
}

type LocalOption func(*Local)

// WithClock overrides the clock used for trigger validation.
func WithClock(now func() time.Time) LocalOption {
	return func(l *Local) { l.now = now }
}

func NewLocal(cfg LocalConfig, sender kit.Sender, store storage.Store, bus eventbus.Bus, log logx.Logger, opts ...LocalOption) *Local {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	l := &Local{
		sender:  sender,
		store:   store,
		bus:     bus,
		log:     log,
		now:     time.Now,
		pending: map[string]*pendingEntry{},
	}
	for _, o := range opts {
		o(l)
	}
	l.applyLocked(cfg)
	l.queue = make(chan delivery, l.cfg.QueueSize)
	l.accepting = true
	return l
}

// Apply swaps runtime knobs. Queue size and worker count apply on next start.
// Applying a config also clears a latched permission denial.
func (l *Local) Apply(cfg LocalConfig) {
	l.mu.Lock()
	l.applyLocked(cfg)
	l.mu.Unlock()
	l.denied.Store(false)
}

func (l *Local) applyLocked(cfg LocalConfig) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	l.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	l.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (l *Local) Available(ctx context.Context) error {
	_ = ctx
	l.mu.Lock()
	enabled := l.cfg.Enabled
	l.mu.Unlock()
	if !enabled || l.sender == nil {
		return ErrUnavailable
	}
	return nil
}

// Start restores persisted notifications and launches the delivery workers.
// Notifications whose trigger passed while the process was down are delivered
// right away.
func (l *Local) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	// Workers outlive ctx so Stop can drain what was already accepted; only
	// Stop cancels them.
	l.sup = rtsup.New(context.Background(),
		rtsup.WithLogger(l.log),
		rtsup.WithCancelOnError(false),
	)
	sup := l.sup
	q := l.queue
	workers := l.cfg.Workers
	l.mu.Unlock()

	if err := l.restore(ctx); err != nil {
		l.log.Warn("restore scheduled notifications failed", logx.Err(err))
	}

	for i := 0; i < workers; i++ {
		sup.Go0(fmt.Sprintf("delivery.%d", i), func(c context.Context) {
			// After the drain deadline deliver returns at once, so the rest of
			// the queue is discarded quickly.
			for d := range q {
				l.deliver(c, d)
			}
		})
	}
	return nil
}

func (l *Local) restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	recs, err := l.store.ListScheduled(ctx)
	if err != nil {
		return err
	}
	now := l.now()
	restored, overdue := 0, 0
	for _, r := range recs {
		c := Content{Title: r.Title, Body: r.Body}
		if len(r.Data) > 0 {
			p, err := payload.Decode(r.Data)
			if err != nil {
				l.log.Warn("dropping scheduled notification with bad payload", logx.String("id", r.ID), logx.Err(err))
				_ = l.store.DeleteScheduled(ctx, r.ID)
				continue
			}
			c.Data = p
		}
		if !r.TriggerAt.After(now) {
			_ = l.store.DeleteScheduled(ctx, r.ID)
			if err := l.enqueue(delivery{id: r.ID, content: c}); err != nil {
				l.log.Warn("overdue notification not delivered", logx.String("id", r.ID), logx.Err(err))
			}
			overdue++
			continue
		}
		l.mu.Lock()
		l.armLocked(r.ID, r.TriggerAt, c)
		l.mu.Unlock()
		restored++
	}
	l.log.Info("scheduled notifications restored", logx.Int("pending", restored), logx.Int("overdue", overdue))
	return nil
}

// Stop stops intake and drains queued deliveries until ctx expires; what is
// still queued then is dropped. Pending timers are stopped but stay persisted
// for the next start.
func (l *Local) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	if !l.accepting {
		l.mu.Unlock()
		return nil
	}
	l.accepting = false
	for _, e := range l.pending {
		e.timer.Stop()
	}
	close(l.queue)
	sup := l.sup
	l.mu.Unlock()

	if sup == nil {
		return nil
	}
	defer sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			l.log.Warn("delivery drain timed out", logx.Err(err))
			return nil
		}
		return err
	}
	return nil
}

func (l *Local) List(ctx context.Context) ([]Scheduled, error) {
	if err := l.Available(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	out := make([]Scheduled, 0, len(l.pending))
	for _, e := range l.pending {
		out = append(out, e.sched)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		ti, tj := *out[i].TriggerAt, *out[j].TriggerAt
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (l *Local) Schedule(ctx context.Context, triggerAt *time.Time, c Content) (string, error) {
	if err := l.Available(ctx); err != nil {
		return "", err
	}
	if l.denied.Load() {
		return "", ErrPermissionDenied
	}
	id := uuid.NewString()
	if triggerAt == nil {
		if err := l.enqueue(delivery{id: id, content: c}); err != nil {
			return "", err
		}
		return id, nil
	}

	at := *triggerAt
	if !at.After(l.now()) {
		return "", ErrInvalidTrigger
	}
	if l.store != nil {
		rec := storage.ScheduledRecord{ID: id, TriggerAt: at, Title: c.Title, Body: c.Body, CreatedAt: l.now()}
		if c.Data != nil {
			b, err := payload.Encode(c.Data)
			if err != nil {
				return "", err
			}
			rec.Data = b
		}
		if err := l.store.PutScheduled(ctx, rec); err != nil {
			return "", fmt.Errorf("persist scheduled notification: %w", err)
		}
	}

	l.mu.Lock()
	if !l.accepting {
		l.mu.Unlock()
		if l.store != nil {
			_ = l.store.DeleteScheduled(ctx, id)
		}
		return "", ErrStopped
	}
	l.armLocked(id, at, c)
	l.mu.Unlock()
	return id, nil
}

func (l *Local) Cancel(ctx context.Context, id string) error {
	if err := l.Available(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	e, ok := l.pending[id]
	if ok {
		e.timer.Stop()
		delete(l.pending, id)
	}
	l.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if l.store != nil {
		if err := l.store.DeleteScheduled(ctx, id); err != nil {
			l.log.Debug("delete persisted notification failed", logx.String("id", id), logx.Err(err))
		}
	}
	return nil
}

// armLocked registers a timer for id. Call with l.mu held.
func (l *Local) armLocked(id string, at time.Time, c Content) {
	if old, ok := l.pending[id]; ok {
		old.timer.Stop()
	}
	l.ver++
	ver := l.ver
	trigger := at
	delay := at.Sub(l.now())
	if delay < 0 {
		delay = 0
	}
	e := &pendingEntry{sched: Scheduled{ID: id, TriggerAt: &trigger, Content: c}, ver: ver}
	// Assigned under l.mu, so fire() always observes it.
	e.timer = time.AfterFunc(delay, func() { l.fire(id, ver) })
	l.pending[id] = e
}

func (l *Local) fire(id string, ver uint64) {
	l.mu.Lock()
	e, ok := l.pending[id]
	// Ignore callbacks from timers that were cancelled or replaced.
	if !ok || e.ver != ver {
		l.mu.Unlock()
		return
	}
	delete(l.pending, id)
	l.mu.Unlock()

	if l.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		_ = l.store.DeleteScheduled(ctx, id)
		cancel()
	}
	if err := l.enqueue(delivery{id: id, content: e.sched.Content}); err != nil {
		l.log.Warn("due notification dropped", logx.String("id", id), logx.Err(err))
	}
}

func (l *Local) enqueue(d delivery) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.accepting {
		return ErrStopped
	}
	select {
	case l.queue <- d:
		return nil
	default:
		return ErrQueueFull
	}
}

func (l *Local) deliver(runCtx context.Context, d delivery) {
	l.mu.Lock()
	cfg := l.cfg
	lim := l.limiter
	l.mu.Unlock()

	if l.sender == nil {
		return
	}
	text := render(d.content)
	typ := ""
	if d.content.Data != nil {
		typ = string(d.content.Data.Type())
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(runCtx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(runCtx, cfg.SendTimeout)
		_, err := l.sender.SendText(callCtx, cfg.Target, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
		cancel()
		if err == nil {
			l.bus.Publish(eventbus.Event{Type: eventbus.TypeFired, Data: FiredEvent{ID: d.id, Type: typ}})
			return
		}
		lastErr = err
		if errors.Is(err, kit.ErrForbidden) {
			l.denied.Store(true)
			l.log.Warn("notification permission revoked", logx.String("id", d.id), logx.Err(err))
			break
		}
		l.log.Debug("notification send failed", logx.String("id", d.id), logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt >= attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}
	l.bus.Publish(eventbus.Event{Type: eventbus.TypeFired, Data: FiredEvent{ID: d.id, Type: typ, Error: lastErr.Error()}})
}

func render(c Content) string {
	title := strings.TrimSpace(c.Title)
	body := strings.TrimSpace(c.Body)
	switch {
	case title == "":
		return html.EscapeString(body)
	case body == "":
		return "<b>" + html.EscapeString(title) + "</b>"
	default:
		return "<b>" + html.EscapeString(title) + "</b>\n" + html.EscapeString(body)
	}
}

func retryDelay(cfg LocalConfig, attempt int) time.Duration {
	// Exponential backoff: base * 2^(attempt-1), jittered 0.7..1.3, capped.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
