// Package cooldown enforces minimum intervals between command executions.
// Two gates apply in order: a global per-command gate shared by all senders,
// then a per-(command,sender) gate. Both must pass for a command to run.
package cooldown

import (
	"time"
)

// DefaultDuration applies to commands with no declared cooldown.
const DefaultDuration = 30 * time.Second

// Scope names the gate that blocked a command.
type Scope int

const (
	ScopeNone Scope = iota
	ScopeGlobal
	ScopePerSender
)

func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopePerSender:
		return "per-sender"
	}
	return "none"
}

// Decision is the outcome of a cooldown check.
type Decision struct {
	Allowed   bool
	Remaining time.Duration
	Scope     Scope
}

// SenderStates supplies the per-sender command timestamp maps. The
// conversation tracker implements it; the registry never owns sender state.
type SenderStates interface {
	CommandTimes(sender string) map[string]time.Time
}

// Registry holds per-command durations and the global gate timestamps.
// Owned by the daemon loop; not safe for concurrent use.
type Registry struct {
	durations  map[string]time.Duration
	defaultDur time.Duration
	global     map[string]time.Time
	states     SenderStates
}

func NewRegistry(durations map[string]time.Duration, states SenderStates) *Registry {
	r := &Registry{
		durations:  make(map[string]time.Duration, len(durations)),
		defaultDur: DefaultDuration,
		global:     make(map[string]time.Time),
		states:     states,
	}
	for name, d := range durations {
		r.durations[name] = d
	}
	return r
}

// Duration returns the configured cooldown for a command.
func (r *Registry) Duration(command string) time.Duration {
	if d, ok := r.durations[command]; ok {
		return d
	}
	return r.defaultDur
}

// Check reports whether command may run now for sender. The global gate is
// evaluated first so a costly operation cannot be retriggered by a second
// sender inside the window; Remaining and Scope come from the blocking gate.
func (r *Registry) Check(command, sender string, now time.Time) Decision {
	d := r.Duration(command)

	if last, ok := r.global[command]; ok {
		if left := d - now.Sub(last); left > 0 {
			return Decision{Remaining: left, Scope: ScopeGlobal}
		}
	}
	if last, ok := r.states.CommandTimes(sender)[command]; ok {
		if left := d - now.Sub(last); left > 0 {
			return Decision{Remaining: left, Scope: ScopePerSender}
		}
	}
	return Decision{Allowed: true}
}

// MarkExecuted stamps both gates.
func (r *Registry) MarkExecuted(command, sender string, now time.Time) {
	r.global[command] = now
	r.states.CommandTimes(sender)[command] = now
}
