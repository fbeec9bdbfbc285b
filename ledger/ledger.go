// Package ledger tracks which event ids have been processed and which
// logical triggers have already been answered. It is owned by the daemon
// loop; all calls happen from the single consumer goroutine, so no locking
// is needed.
package ledger

import (
	"time"

	"github.com/ashwden/nostrgate/logging"
)

// Defaults for the housekeeping policy.
const (
	DefaultMaxEntries = 10000
	DefaultMaxIdle    = 24 * time.Hour
)

// Ledger is a bounded membership set over event ids. Two disjoint sets are
// kept: seen ids guard the whole decision pipeline (processed once), replied
// ids guard the auto-reply path only (answered once).
type Ledger struct {
	seen    map[string]struct{}
	replied map[string]struct{}

	maxEntries int
	maxIdle    time.Duration
	lastInsert time.Time
}

func New(maxEntries int, maxIdle time.Duration) *Ledger {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	return &Ledger{
		seen:       make(map[string]struct{}),
		replied:    make(map[string]struct{}),
		maxEntries: maxEntries,
		maxIdle:    maxIdle,
		lastInsert: time.Now(),
	}
}

// FirstSeen reports whether id has not been observed before and marks it
// seen. Test-and-set in one call so a redelivery racing a sweep cannot slip
// through between a check and a mark.
func (l *Ledger) FirstSeen(id string) bool {
	if _, ok := l.seen[id]; ok {
		return false
	}
	l.seen[id] = struct{}{}
	l.lastInsert = time.Now()
	return true
}

// HasReplied reports whether an auto-reply was already sent for id.
func (l *Ledger) HasReplied(id string) bool {
	_, ok := l.replied[id]
	return ok
}

// MarkReplied records that an auto-reply went out for id. Idempotent.
func (l *Ledger) MarkReplied(id string) {
	l.replied[id] = struct{}{}
}

// Seen returns the number of tracked event ids.
func (l *Ledger) Seen() int { return len(l.seen) }

// Replied returns the number of answered triggers.
func (l *Ledger) Replied() int { return len(l.replied) }

// Sweep applies the growth bound: the whole ledger is cleared wholesale when
// the seen set exceeds the size threshold, or when no new id has arrived for
// maxIdle. A busy ledger is never age-cleared while ids inserted moments ago
// may still be deduplicating live redeliveries. Wholesale clearing briefly
// reopens a duplicate window right after the clear; relays do not redeliver
// events that old in practice, and the daemon loop guarantees no event is
// mid-pipeline while Sweep runs.
func (l *Ledger) Sweep(now time.Time) {
	overSize := len(l.seen) > l.maxEntries
	idle := now.Sub(l.lastInsert) > l.maxIdle
	if !overSize && !idle {
		return
	}
	cleared := len(l.seen) + len(l.replied)
	l.seen = make(map[string]struct{})
	l.replied = make(map[string]struct{})
	l.lastInsert = now
	logging.DebugMethod("ledger", "Sweep", "cleared %d entries (over_size=%v idle=%v)", cleared, overSize, idle)
}
