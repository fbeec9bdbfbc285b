package conversation

import (
	"testing"
	"time"
)

func TestPhaseTransitions(t *testing.T) {
	tr := NewTracker(time.Hour, 24*time.Hour)
	now := time.Now()

	// t=0: never replied, phase is New
	if got := tr.Phase("alice", now); got != PhaseNew {
		t.Fatalf("phase = %s, want new", got)
	}
	tr.RecordMessage("alice", now)
	tr.RecordReply("alice", now)

	// t=30min: inside the window, phase is Active
	if got := tr.Phase("alice", now.Add(30*time.Minute)); got != PhaseActive {
		t.Errorf("phase at 30min = %s, want active", got)
	}

	// t=61min: window expired, phase is New again
	if got := tr.Phase("alice", now.Add(61*time.Minute)); got != PhaseNew {
		t.Errorf("phase at 61min = %s, want new", got)
	}
}

func TestPhaseIsPerSender(t *testing.T) {
	tr := NewTracker(time.Hour, 24*time.Hour)
	now := time.Now()
	tr.RecordReply("alice", now)
	if got := tr.Phase("bob", now); got != PhaseNew {
		t.Errorf("bob phase = %s, want new", got)
	}
}

func TestSingleStatePerSender(t *testing.T) {
	tr := NewTracker(time.Hour, 24*time.Hour)
	now := time.Now()
	tr.RecordMessage("alice", now)
	tr.RecordMessage("alice", now.Add(time.Minute))
	tr.RecordReply("alice", now.Add(2*time.Minute))
	if tr.Len() != 1 {
		t.Errorf("len = %d, want 1", tr.Len())
	}
	if mc := tr.states["alice"].MessageCount; mc != 2 {
		t.Errorf("message count = %d, want 2", mc)
	}
}

func TestCommandTimesSharedMap(t *testing.T) {
	tr := NewTracker(time.Hour, 24*time.Hour)
	m := tr.CommandTimes("alice")
	m["restart"] = time.Now()
	if _, ok := tr.CommandTimes("alice")["restart"]; !ok {
		t.Error("command timestamp map must be the live per-sender map")
	}
	if tr.Len() != 1 {
		t.Errorf("len = %d, want 1", tr.Len())
	}
}

func TestEvictIdle(t *testing.T) {
	tr := NewTracker(time.Hour, 24*time.Hour)
	now := time.Now()
	tr.RecordMessage("alice", now)
	tr.RecordReply("bob", now.Add(-30*time.Hour))

	if n := tr.EvictIdle(now); n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}
	if tr.Len() != 1 {
		t.Errorf("len = %d, want 1 after eviction", tr.Len())
	}
	// evicted sender starts fresh
	if got := tr.Phase("bob", now); got != PhaseNew {
		t.Errorf("evicted sender phase = %s, want new", got)
	}
}
