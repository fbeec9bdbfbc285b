// Package conversation tracks per-sender reply state. A sender is in a
// fresh conversation (phase New) until the daemon replies; further messages
// inside the reply window are phase Active and suppress auto-replies.
// Commands are never gated by phase, only by their own cooldowns.
package conversation

import (
	"time"

	"github.com/ashwden/nostrgate/logging"
)

const (
	DefaultWindow  = time.Hour
	DefaultMaxIdle = 24 * time.Hour
)

// Phase is derived from the last reply time, never stored.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseActive
)

func (p Phase) String() string {
	if p == PhaseActive {
		return "active"
	}
	return "new"
}

// State is the live record for one effective sender.
type State struct {
	LastReplyTime     time.Time
	ConversationStart time.Time
	MessageCount      int
	// LastCommandTime is shared with the cooldown registry, which owns the
	// per-sender command gate.
	LastCommandTime map[string]time.Time

	lastSeen time.Time
}

// Tracker keys conversation state by effective sender. Owned by the daemon
// loop; not safe for concurrent use.
type Tracker struct {
	states  map[string]*State
	window  time.Duration
	maxIdle time.Duration
}

func NewTracker(window, maxIdle time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	return &Tracker{
		states:  make(map[string]*State),
		window:  window,
		maxIdle: maxIdle,
	}
}

// state returns the live record for sender, creating it lazily. At most one
// record exists per sender.
func (t *Tracker) state(sender string, now time.Time) *State {
	st, ok := t.states[sender]
	if !ok {
		st = &State{
			ConversationStart: now,
			LastCommandTime:   make(map[string]time.Time),
		}
		t.states[sender] = st
	}
	return st
}

// Phase reports the conversation phase for sender at now.
func (t *Tracker) Phase(sender string, now time.Time) Phase {
	st, ok := t.states[sender]
	if !ok || st.LastReplyTime.IsZero() {
		return PhaseNew
	}
	if now.Sub(st.LastReplyTime) > t.window {
		return PhaseNew
	}
	return PhaseActive
}

// RecordMessage notes an inbound message from sender.
func (t *Tracker) RecordMessage(sender string, now time.Time) {
	st := t.state(sender, now)
	st.MessageCount++
	st.lastSeen = now
}

// RecordReply notes that an auto-reply was sent to sender, opening (or
// extending) the active window.
func (t *Tracker) RecordReply(sender string, now time.Time) {
	st := t.state(sender, now)
	st.LastReplyTime = now
	st.lastSeen = now
}

// CommandTimes hands the per-sender command timestamp map to the cooldown
// registry, creating the state lazily.
func (t *Tracker) CommandTimes(sender string) map[string]time.Time {
	return t.state(sender, time.Now()).LastCommandTime
}

// EvictIdle deletes senders idle past the eviction threshold and returns how
// many were removed. The next message from an evicted sender starts a fresh
// New phase.
func (t *Tracker) EvictIdle(now time.Time) int {
	evicted := 0
	for sender, st := range t.states {
		last := st.lastSeen
		if st.LastReplyTime.After(last) {
			last = st.LastReplyTime
		}
		if now.Sub(last) > t.maxIdle {
			delete(t.states, sender)
			evicted++
		}
	}
	if evicted > 0 {
		logging.DebugMethod("conversation", "EvictIdle", "evicted %d idle senders, %d remain", evicted, len(t.states))
	}
	return evicted
}

// Len returns the number of live conversations.
func (t *Tracker) Len() int { return len(t.states) }
