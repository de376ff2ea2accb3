// Package dedup keeps the process-lifetime record of notification keys and
// when each was last sent.
//
// The ledger is advisory and session-scoped: it is never persisted, and entries
// are only superseded by newer timestamps (or dropped by an explicit Sweep).
package dedup

import (
	"strings"
	"sync"
	"time"
)

// Entry is the last accepted delivery for a key.
type Entry struct {
	Key        string
	LastSentAt time.Time
}

type slot struct {
	lastSentAt time.Time
	// token is non-zero while a reservation owns the slot.
	token uint64
}

// Ledger answers "has this key fired within its cooldown?".
//
// It is safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]slot
	seq     uint64
}

func New() *Ledger {
	return &Ledger{entries: map[string]slot{}}
}

// ShouldSuppress reports whether key has an entry with now-lastSentAt < cooldown.
// A zero or negative cooldown never suppresses.
func (l *Ledger) ShouldSuppress(key string, cooldown time.Duration, now time.Time) bool {
	key = strings.TrimSpace(key)
	if key == "" || cooldown <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.suppressedLocked(key, cooldown, now)
}

func (l *Ledger) suppressedLocked(key string, cooldown time.Duration, now time.Time) bool {
	e, ok := l.entries[key]
	if !ok {
		return false
	}
	return now.Sub(e.lastSentAt) < cooldown
}

// Record upserts key with lastSentAt = now. Call it only after the platform
// accepted the delivery.
func (l *Ledger) Record(key string, now time.Time) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	l.mu.Lock()
	l.entries[key] = slot{lastSentAt: now}
	l.mu.Unlock()
}

// Reservation is a provisional ledger entry taken by Reserve.
// Exactly one of Commit or Release should be called.
type Reservation struct {
	l     *Ledger
	key   string
	token uint64
	prev  slot
	had   bool
	// direct reservations hold no provisional entry; Commit records at.
	direct bool
	at     time.Time
}

// Reserve atomically performs the suppression check and, when the key is not
// suppressed, writes a provisional entry stamped now. Concurrent callers racing
// on the same key observe the provisional entry and are suppressed.
//
// The returned bool is false when the key is suppressed.
func (l *Ledger) Reserve(key string, cooldown time.Duration, now time.Time) (*Reservation, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		// Nothing to guard; hand out a detached reservation.
		return &Reservation{}, true
	}
	if cooldown <= 0 {
		// Never suppressed, so there is nothing for a provisional entry to guard.
		return &Reservation{l: l, key: key, direct: true, at: now}, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.suppressedLocked(key, cooldown, now) {
		return nil, false
	}
	prev, had := l.entries[key]
	l.seq++
	tok := l.seq
	l.entries[key] = slot{lastSentAt: now, token: tok}
	return &Reservation{l: l, key: key, token: tok, prev: prev, had: had}, true
}

// Commit turns the provisional entry into a confirmed one.
func (r *Reservation) Commit() {
	if r == nil || r.l == nil {
		return
	}
	l := r.l
	if r.direct {
		l.Record(r.key, r.at)
		r.l = nil
		return
	}
	l.mu.Lock()
	if cur, ok := l.entries[r.key]; ok && cur.token == r.token {
		cur.token = 0
		l.entries[r.key] = cur
	}
	l.mu.Unlock()
	r.l = nil
}

// Release rolls the entry back to what it was before Reserve. It is a no-op
// when a later reservation or Record has already superseded this one.
func (r *Reservation) Release() {
	if r == nil || r.l == nil {
		return
	}
	l := r.l
	if r.direct {
		r.l = nil
		return
	}
	l.mu.Lock()
	if cur, ok := l.entries[r.key]; ok && cur.token == r.token {
		if r.had {
			l.entries[r.key] = r.prev
		} else {
			delete(l.entries, r.key)
		}
	}
	l.mu.Unlock()
	r.l = nil
}

// Get returns the entry for key, if any.
func (l *Ledger) Get(key string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return Entry{}, false
	}
	return Entry{Key: key, LastSentAt: e.lastSentAt}, true
}

// Len returns the number of entries, including provisional ones.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Sweep drops confirmed entries whose lastSentAt is older than now-olderThan and
// returns how many were removed. Provisional entries are kept.
func (l *Ledger) Sweep(olderThan time.Duration, now time.Time) int {
	if olderThan <= 0 {
		return 0
	}
	cutoff := now.Add(-olderThan)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, e := range l.entries {
		if e.token == 0 && e.lastSentAt.Before(cutoff) {
			delete(l.entries, k)
			n++
		}
	}
	return n
}
