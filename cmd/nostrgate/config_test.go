package main

import (
	"testing"
	"time"

	"github.com/ashwden/nostrgate/daemon"
	"github.com/ashwden/nostrgate/publish"
	"github.com/nbd-wtf/go-nostr"
	nip19 "github.com/nbd-wtf/go-nostr/nip19"
)

func TestParseList(t *testing.T) {
	got := parseList(" wss://a , ,wss://b,")
	if len(got) != 2 || got[0] != "wss://a" || got[1] != "wss://b" {
		t.Errorf("parseList = %v, want [wss://a wss://b]", got)
	}
	if got := parseList(""); len(got) != 0 {
		t.Errorf("parseList(\"\") = %v, want empty", got)
	}
}

func TestParseCooldowns(t *testing.T) {
	got := parseCooldowns("restart=5m, status=30s, broken, neg=-1s, bad=xyz")
	if len(got) != 2 {
		t.Fatalf("parseCooldowns kept %d entries, want 2: %v", len(got), got)
	}
	if got["restart"] != 5*time.Minute {
		t.Errorf("restart = %v, want 5m", got["restart"])
	}
	if got["status"] != 30*time.Second {
		t.Errorf("status = %v, want 30s", got["status"])
	}
}

func TestParseDurationOr(t *testing.T) {
	if got := parseDurationOr("", time.Hour); got != time.Hour {
		t.Errorf("empty = %v, want fallback", got)
	}
	if got := parseDurationOr("90s", time.Hour); got != 90*time.Second {
		t.Errorf("90s = %v", got)
	}
	if got := parseDurationOr("nope", time.Minute); got != time.Minute {
		t.Errorf("malformed = %v, want fallback", got)
	}
}

func TestDecodeSecretKey(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	nsec, err := nip19.EncodePrivateKey(sk)
	if err != nil {
		t.Fatalf("EncodePrivateKey: %v", err)
	}

	if got, err := decodeSecretKey(nsec); err != nil || got != sk {
		t.Errorf("decodeSecretKey(nsec) = %q, %v, want %q", got, err, sk)
	}
	if got, err := decodeSecretKey(sk); err != nil || got != sk {
		t.Errorf("decodeSecretKey(hex) = %q, %v, want %q", got, err, sk)
	}
	if _, err := decodeSecretKey(""); err == nil {
		t.Error("decodeSecretKey(\"\") succeeded, want error")
	}
	if _, err := decodeSecretKey("not-a-key"); err == nil {
		t.Error("decodeSecretKey(garbage) succeeded, want error")
	}
}

func TestHealthState(t *testing.T) {
	stats := func(limited, blocked int) daemon.Stats {
		return daemon.Stats{Publish: publish.Stats{RateLimitedRelays: limited, BlockedRelays: blocked}}
	}
	tests := []struct {
		name   string
		st     daemon.Stats
		relays int
		want   string
	}{
		{"all healthy", stats(0, 0), 4, HealthGreen},
		{"one of four limited", stats(1, 0), 4, HealthGreen},
		{"half limited", stats(2, 0), 4, HealthYellow},
		{"all blocked", stats(0, 4), 4, HealthRed},
		{"all unavailable", stats(3, 1), 4, HealthRed},
		{"no relays", stats(0, 0), 0, HealthRed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := healthState(tt.st, tt.relays); got != tt.want {
				t.Errorf("healthState = %s, want %s", got, tt.want)
			}
		})
	}
}
