// Package publish delivers outbound events to the relay set with retry,
// jittered exponential backoff and per-relay circuit breaking.
package publish

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashwden/nostrgate/logging"
	"github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"
)

// Engine defaults.
const (
	DefaultMaxRetries  = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 8 * time.Second
	DefaultJitter      = 250 * time.Millisecond
	DefaultPenaltyWait = 5 * time.Second
	DefaultSendTimeout = 7 * time.Second
)

// ErrAllRelaysFailed reports that no relay accepted the event within the
// retry budget.
var ErrAllRelaysFailed = errors.New("publish: no relay accepted the event")

// RelayPublisher performs a single delivery attempt to one relay.
type RelayPublisher interface {
	Publish(ctx context.Context, url string, evt *nostr.Event) error
}

// relayHealth tracks one relay's breaker state. An entry is written by at
// most one publish attempt per round, guarded by the engine mutex.
type relayHealth struct {
	backoffUntil        time.Time
	blocked             bool // permanent exclusion for the process lifetime
	consecutiveFailures int
}

// Config tunes the engine. Zero values fall back to the defaults above.
type Config struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
	PenaltyWait time.Duration
	SendTimeout time.Duration
	Classify    Classifier
}

// Engine fans an event out to every healthy relay per round and succeeds
// when at least one accepts it.
type Engine struct {
	urls      []string
	publisher RelayPublisher
	cfg       Config

	mu     sync.Mutex
	health map[string]*relayHealth

	// stats
	publishAttempts  int64
	publishSuccesses int64
	publishFailures  int64
	roundFailures    int64
}

// Stats is a snapshot of the engine counters and breaker state.
type Stats struct {
	PublishAttempts   int64 `json:"publish_attempts"`
	PublishSuccesses  int64 `json:"publish_successes"`
	PublishFailures   int64 `json:"publish_failures"`
	RoundFailures     int64 `json:"round_failures"`
	RateLimitedRelays int   `json:"rate_limited_relays"`
	BlockedRelays     int   `json:"blocked_relays"`
}

func NewEngine(urls []string, publisher RelayPublisher, cfg Config) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = DefaultJitter
	}
	if cfg.PenaltyWait <= 0 {
		cfg.PenaltyWait = DefaultPenaltyWait
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Classify == nil {
		cfg.Classify = DefaultClassifier
	}
	cleaned := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			cleaned = append(cleaned, u)
		}
	}
	return &Engine{
		urls:      cleaned,
		publisher: publisher,
		cfg:       cfg,
		health:    make(map[string]*relayHealth),
	}
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	limited, blocked := 0, 0
	now := time.Now()
	for _, h := range e.health {
		switch {
		case h.blocked:
			blocked++
		case h.backoffUntil.After(now):
			limited++
		}
	}
	e.mu.Unlock()

	return Stats{
		PublishAttempts:   atomic.LoadInt64(&e.publishAttempts),
		PublishSuccesses:  atomic.LoadInt64(&e.publishSuccesses),
		PublishFailures:   atomic.LoadInt64(&e.publishFailures),
		RoundFailures:     atomic.LoadInt64(&e.roundFailures),
		RateLimitedRelays: limited,
		BlockedRelays:     blocked,
	}
}

// eligible returns the relays whose breaker allows an attempt at now, and
// whether any skipped relay can recover (backed off rather than blocked).
func (e *Engine) eligible(now time.Time) ([]string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.urls))
	recoverable := false
	for _, u := range e.urls {
		h, ok := e.health[u]
		if ok && (h.blocked || h.backoffUntil.After(now)) {
			if !h.blocked {
				recoverable = true
			}
			continue
		}
		out = append(out, u)
	}
	return out, recoverable
}

// Publish attempts up to MaxRetries rounds and returns nil once any relay
// accepts the event in some round.
func (e *Engine) Publish(ctx context.Context, evt *nostr.Event) error {
	if len(e.urls) == 0 {
		return errors.New("publish: no relays configured")
	}
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		targets, recoverable := e.eligible(time.Now())
		if len(targets) == 0 {
			// waiting only helps when some relay is merely backed off; a set
			// of permanently excluded relays never becomes eligible again
			if !recoverable {
				return fmt.Errorf("%w: all relays permanently excluded", ErrAllRelaysFailed)
			}
			logging.DebugMethod("publish", "Publish", "no eligible relays for event %s, waiting %v", evt.ID, e.cfg.PenaltyWait)
			if err := sleepCtx(ctx, e.cfg.PenaltyWait); err != nil {
				return err
			}
			attempt--
			continue
		}

		if e.round(ctx, evt, targets) > 0 {
			return nil
		}
		atomic.AddInt64(&e.roundFailures, 1)

		if attempt < e.cfg.MaxRetries-1 {
			delay := Backoff(attempt, e.cfg.BaseDelay, e.cfg.MaxDelay, e.cfg.Jitter)
			logging.DebugMethod("publish", "Publish", "round %d failed for event %s, backing off %v", attempt, evt.ID, delay)
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w after %d rounds", ErrAllRelaysFailed, e.cfg.MaxRetries)
}

// round publishes to every target concurrently and joins all results: every
// relay's outcome must be observed to keep its health entry honest.
func (e *Engine) round(ctx context.Context, evt *nostr.Event, targets []string) int {
	var wg sync.WaitGroup
	var successes int64

	for _, url := range targets {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
			defer cancel()

			atomic.AddInt64(&e.publishAttempts, 1)
			err := e.publisher.Publish(cctx, u, evt)
			if err == nil {
				atomic.AddInt64(&e.publishSuccesses, 1)
				atomic.AddInt64(&successes, 1)
				e.recordSuccess(u)
				return
			}
			atomic.AddInt64(&e.publishFailures, 1)
			e.recordFailure(u, err)
		}(url)
	}
	wg.Wait()
	return int(atomic.LoadInt64(&successes))
}

func (e *Engine) recordSuccess(url string) {
	e.mu.Lock()
	delete(e.health, url)
	e.mu.Unlock()
}

func (e *Engine) recordFailure(url string, err error) {
	class := e.cfg.Classify(err)
	switch class {
	case FailureRateLimited:
		e.mu.Lock()
		h, ok := e.health[url]
		if !ok {
			h = &relayHealth{}
			e.health[url] = h
		}
		h.consecutiveFailures++
		delay := Backoff(h.consecutiveFailures-1, e.cfg.BaseDelay, e.cfg.MaxDelay, 0)
		h.backoffUntil = time.Now().Add(delay)
		e.mu.Unlock()
		logging.Warn("publish: relay %s rate-limited, backing off %v: %v", url, delay, err)
	case FailurePermanent:
		e.mu.Lock()
		h, ok := e.health[url]
		if !ok {
			h = &relayHealth{}
			e.health[url] = h
		}
		h.blocked = true
		e.mu.Unlock()
		logging.Warn("publish: relay %s permanently excluded: %v", url, err)
	default:
		logging.DebugMethod("publish", "recordFailure", "relay %s transient failure: %v", url, err)
	}
}

// Backoff computes min(base*2^attempt, cap) ± jitter, clamped non-negative.
func Backoff(attempt int, base, cap, jitter time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			delay = cap
			break
		}
	}
	if delay > cap {
		delay = cap
	}
	if jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(2*jitter))) - jitter
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SaveEvent lets the engine act as an eventstore so the embedded relay can
// hand accepted events straight to the publish pipeline.
func (e *Engine) SaveEvent(ctx context.Context, evt *nostr.Event) error {
	return e.Publish(ctx, evt)
}

// ReplaceEvent forwards like SaveEvent; nothing is stored locally.
func (e *Engine) ReplaceEvent(ctx context.Context, evt *nostr.Event) error {
	return e.Publish(ctx, evt)
}

// QueryEvents returns an empty, closed channel because this store does not
// persist events.
func (e *Engine) QueryEvents(ctx context.Context, filter nostr.Filter) (chan *nostr.Event, error) {
	ch := make(chan *nostr.Event)
	close(ch)
	return ch, nil
}

// DeleteEvent is a no-op for a forwarding store.
func (e *Engine) DeleteEvent(ctx context.Context, evt *nostr.Event) error { return nil }

func (e *Engine) Init() error { return nil }
func (e *Engine) Close()      {}

var _ eventstore.Store = (*Engine)(nil)
