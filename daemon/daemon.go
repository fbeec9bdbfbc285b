// Package daemon wires the decision pipeline together: receive event,
// resolve plaintext, dedup, dispatch or auto-reply, encrypt, publish. One
// goroutine owns the pipeline and all mutable state; housekeeping and stats
// emission run as discrete steps of the same select loop so they can never
// interleave with an in-flight event.
package daemon

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashwden/nostrgate/conversation"
	"github.com/ashwden/nostrgate/dispatch"
	"github.com/ashwden/nostrgate/envelope"
	"github.com/ashwden/nostrgate/ledger"
	"github.com/ashwden/nostrgate/logging"
	"github.com/ashwden/nostrgate/publish"
	"github.com/nbd-wtf/go-nostr"
)

const (
	DefaultHousekeepingInterval = 10 * time.Minute
	DefaultStatsInterval        = 5 * time.Minute
)

// Policy controls who gets auto-replies. Commands are always restricted to
// the allow list regardless of policy.
type Policy int

const (
	PolicyAllowlist Policy = iota // auto-reply to allow-listed senders only
	PolicyAll                     // auto-reply to anyone
	PolicyNone                    // never respond
)

// ParsePolicy maps a config string to a Policy, defaulting to allowlist.
func ParsePolicy(s string) Policy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all", "open":
		return PolicyAll
	case "none", "ignore":
		return PolicyNone
	}
	return PolicyAllowlist
}

// Subscriber is the inbound event stream (relaypool.Pool in production).
type Subscriber interface {
	SubscribeDMs(ctx context.Context, recipientPub string, since nostr.Timestamp) <-chan *nostr.Event
}

// Broadcaster mirrors outbound replies to locally connected clients. The
// embedded relay implements it; it is optional.
type Broadcaster interface {
	BroadcastEvent(evt *nostr.Event) int
}

// Config holds the daemon policy knobs. The cmd layer builds it from env
// and flags.
type Config struct {
	AllowedSenders       []string // hex pubkeys, or a single "*" wildcard
	Policy               Policy
	AutoReplyTriggers    []string
	AutoReplyText        string
	ConversationWindow   time.Duration
	IdleEviction         time.Duration
	LedgerMaxEntries     int
	HousekeepingInterval time.Duration
	StatsInterval        time.Duration
}

// Daemon owns all per-message state. Construct with New, drive with Run.
type Daemon struct {
	cfg        Config
	resolver   *envelope.Resolver
	ledger     *ledger.Ledger
	tracker    *conversation.Tracker
	dispatcher *dispatch.Dispatcher
	engine     *publish.Engine
	sub        Subscriber

	broadcaster Broadcaster

	allowed  map[string]struct{}
	allowAll bool
	triggers []string

	startTime time.Time

	// counters; gauges are refreshed by the loop so Stats can be called
	// from other goroutines (the health endpoint) without racing the state
	totalReceived       int64
	totalReplied        int64
	commandsExecuted    int64
	autoRepliesSent     int64
	decryptFailures     int64
	activeConversations int64
	trackedEventIDs     int64
}

// Stats is the periodic observable snapshot.
type Stats struct {
	UptimeSeconds       float64 `json:"uptime_seconds"`
	TotalReceived       int64   `json:"total_received"`
	TotalReplied        int64   `json:"total_replied"`
	CommandsExecuted    int64   `json:"commands_executed"`
	AutoRepliesSent     int64   `json:"auto_replies_sent"`
	DecryptFailures     int64   `json:"decrypt_failures"`
	ActiveConversations int64   `json:"active_conversations"`
	TrackedEventIDs     int64   `json:"tracked_event_ids"`

	Publish publish.Stats `json:"publish"`
}

func New(cfg Config, resolver *envelope.Resolver, dispatcher *dispatch.Dispatcher, tracker *conversation.Tracker, engine *publish.Engine, sub Subscriber) *Daemon {
	if cfg.ConversationWindow <= 0 {
		cfg.ConversationWindow = conversation.DefaultWindow
	}
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = conversation.DefaultMaxIdle
	}
	if cfg.HousekeepingInterval <= 0 {
		cfg.HousekeepingInterval = DefaultHousekeepingInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}
	if cfg.AutoReplyText == "" {
		cfg.AutoReplyText = "I'm an automated agent. Your message was received; a human will follow up."
	}

	d := &Daemon{
		cfg:        cfg,
		resolver:   resolver,
		ledger:     ledger.New(cfg.LedgerMaxEntries, cfg.IdleEviction),
		tracker:    tracker,
		dispatcher: dispatcher,
		engine:     engine,
		sub:        sub,
		allowed:    make(map[string]struct{}),
		startTime:  time.Now(),
	}
	for _, s := range cfg.AllowedSenders {
		s = strings.TrimSpace(s)
		if s == "*" {
			d.allowAll = true
			continue
		}
		if s != "" {
			d.allowed[strings.ToLower(s)] = struct{}{}
		}
	}
	for _, t := range cfg.AutoReplyTriggers {
		if t = strings.TrimSpace(t); t != "" {
			d.triggers = append(d.triggers, strings.ToLower(t))
		}
	}
	return d
}

// SetBroadcaster attaches an optional reply mirror (the embedded relay).
func (d *Daemon) SetBroadcaster(b Broadcaster) { d.broadcaster = b }

// Stats returns a snapshot; safe to call from any goroutine.
func (d *Daemon) Stats() Stats {
	return Stats{
		UptimeSeconds:       time.Since(d.startTime).Seconds(),
		TotalReceived:       atomic.LoadInt64(&d.totalReceived),
		TotalReplied:        atomic.LoadInt64(&d.totalReplied),
		CommandsExecuted:    atomic.LoadInt64(&d.commandsExecuted),
		AutoRepliesSent:     atomic.LoadInt64(&d.autoRepliesSent),
		DecryptFailures:     atomic.LoadInt64(&d.decryptFailures),
		ActiveConversations: atomic.LoadInt64(&d.activeConversations),
		TrackedEventIDs:     atomic.LoadInt64(&d.trackedEventIDs),
		Publish:             d.engine.Stats(),
	}
}

// Run consumes the subscription stream until ctx is cancelled. It returns
// ctx.Err() on shutdown; nothing arising from a single message terminates
// the loop.
func (d *Daemon) Run(ctx context.Context) error {
	events := d.sub.SubscribeDMs(ctx, d.resolver.PublicKey(), nostr.Now())
	logging.Info("daemon: listening for DMs to %s", d.resolver.PublicKey())

	housekeeping := time.NewTicker(d.cfg.HousekeepingInterval)
	defer housekeeping.Stop()
	stats := time.NewTicker(d.cfg.StatsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info("daemon: shutting down")
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				logging.Warn("daemon: event stream closed, resubscribing")
				events = d.sub.SubscribeDMs(ctx, d.resolver.PublicKey(), nostr.Now())
				continue
			}
			d.handleEvent(ctx, evt)
		case <-housekeeping.C:
			d.housekeep(time.Now())
		case <-stats.C:
			d.logStats()
		}
	}
}

// handleEvent runs the full decision pipeline for one inbound event.
func (d *Daemon) handleEvent(ctx context.Context, evt *nostr.Event) {
	atomic.AddInt64(&d.totalReceived, 1)
	now := time.Now()

	// dedup before any crypto work: N-relay redelivery costs one pipeline pass
	if !d.ledger.FirstSeen(evt.ID) {
		logging.DebugMethod("daemon", "handleEvent", "duplicate event %s ignored", evt.ID)
		return
	}
	d.refreshGauges()

	dec, err := d.resolver.Resolve(evt)
	if err != nil {
		// silent drop: logged, never replied, never fatal
		atomic.AddInt64(&d.decryptFailures, 1)
		logging.DebugMethod("daemon", "handleEvent", "event %s dropped: %v", evt.ID, err)
		return
	}

	d.tracker.RecordMessage(dec.Sender, now)
	d.refreshGauges()

	if dec.Scheme == envelope.SchemeUnknown {
		logging.DebugMethod("daemon", "handleEvent", "event %s has no recognized scheme: %s", evt.ID, dec.Plaintext)
		return
	}
	if d.cfg.Policy == PolicyNone {
		return
	}

	// commands first, allow-listed senders only; a command match is never
	// also an auto-reply trigger
	if d.isAllowed(dec.Sender) {
		if reply, matched, executed := d.dispatcher.Dispatch(ctx, dec.Plaintext, dec.Sender, now); matched {
			// a cooldown notice is a reply but not an execution
			if executed {
				atomic.AddInt64(&d.commandsExecuted, 1)
			}
			d.sendReply(ctx, dec, reply)
			return
		}
	}

	if d.cfg.Policy == PolicyAllowlist && !d.isAllowed(dec.Sender) {
		return
	}
	if !d.matchesTrigger(dec.Plaintext) {
		return
	}
	if d.ledger.HasReplied(evt.ID) {
		return
	}
	if d.tracker.Phase(dec.Sender, now) != conversation.PhaseNew {
		logging.DebugMethod("daemon", "handleEvent", "auto-reply suppressed for %s: conversation active", dec.Sender)
		return
	}
	if d.sendReply(ctx, dec, d.cfg.AutoReplyText) {
		d.ledger.MarkReplied(evt.ID)
		d.tracker.RecordReply(dec.Sender, now)
		atomic.AddInt64(&d.autoRepliesSent, 1)
	}
}

// sendReply encrypts under the inbound scheme and publishes. A publish
// failure is logged and reported false; the caller decides whether the
// trigger stays answerable.
func (d *Daemon) sendReply(ctx context.Context, dec *envelope.Decrypted, text string) bool {
	if text == "" {
		return false
	}
	reply, err := d.resolver.BuildReply(dec, text)
	if err != nil {
		logging.Error("daemon: building reply to %s: %v", dec.Sender, err)
		return false
	}
	if err := d.engine.Publish(ctx, reply); err != nil {
		logging.Error("daemon: publishing reply %s: %v", reply.ID, err)
		return false
	}
	if d.broadcaster != nil {
		d.broadcaster.BroadcastEvent(reply)
	}
	atomic.AddInt64(&d.totalReplied, 1)
	return true
}

func (d *Daemon) isAllowed(sender string) bool {
	if d.allowAll {
		return true
	}
	_, ok := d.allowed[strings.ToLower(sender)]
	return ok
}

func (d *Daemon) matchesTrigger(plaintext string) bool {
	if len(d.triggers) == 0 {
		return false
	}
	lower := strings.ToLower(plaintext)
	for _, t := range d.triggers {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// housekeep runs the eviction sweeps as one discrete step between events.
func (d *Daemon) housekeep(now time.Time) {
	evicted := d.tracker.EvictIdle(now)
	d.ledger.Sweep(now)
	d.refreshGauges()
	logging.DebugMethod("daemon", "housekeep", "evicted %d conversations, %d event ids tracked", evicted, d.ledger.Seen())
}

func (d *Daemon) refreshGauges() {
	atomic.StoreInt64(&d.activeConversations, int64(d.tracker.Len()))
	atomic.StoreInt64(&d.trackedEventIDs, int64(d.ledger.Seen()))
}

func (d *Daemon) logStats() {
	s := d.Stats()
	logging.Info("daemon: uptime=%.0fs received=%d replied=%d commands=%d auto=%d conversations=%d tracked_ids=%d rate_limited=%d blocked=%d",
		s.UptimeSeconds, s.TotalReceived, s.TotalReplied, s.CommandsExecuted, s.AutoRepliesSent,
		s.ActiveConversations, s.TrackedEventIDs, s.Publish.RateLimitedRelays, s.Publish.BlockedRelays)
}
