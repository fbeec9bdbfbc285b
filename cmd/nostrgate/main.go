// nostrgate - an encrypted DM gateway daemon for a local agent, built on
// go-nostr and khatru. It listens for DMs addressed to its key across a set
// of relays, answers commands from allow-listed senders and auto-replies to
// fresh conversations, and exposes an embedded relay with stats and health
// endpoints for operators.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fiatjaf/khatru"
	"github.com/fiatjaf/khatru/policies"
	"github.com/nbd-wtf/go-nostr"

	"github.com/ashwden/nostrgate/conversation"
	"github.com/ashwden/nostrgate/cooldown"
	"github.com/ashwden/nostrgate/daemon"
	"github.com/ashwden/nostrgate/dispatch"
	"github.com/ashwden/nostrgate/envelope"
	"github.com/ashwden/nostrgate/gateway"
	"github.com/ashwden/nostrgate/logging"
	"github.com/ashwden/nostrgate/publish"
	"github.com/ashwden/nostrgate/relaypool"
)

// Health state constants
const (
	HealthGreen  = "GREEN"
	HealthYellow = "YELLOW"
	HealthRed    = "RED"
)

// healthState grades the publish side: RED when every relay is excluded,
// YELLOW when at least half are limited or blocked.
func healthState(st daemon.Stats, totalRelays int) string {
	if totalRelays == 0 {
		return HealthRed
	}
	unavailable := st.Publish.RateLimitedRelays + st.Publish.BlockedRelays
	if st.Publish.BlockedRelays >= totalRelays || unavailable >= totalRelays {
		return HealthRed
	}
	if unavailable*2 >= totalRelays {
		return HealthYellow
	}
	return HealthGreen
}

func main() {
	// use LoadConfig to read env/flags
	cfg := LoadConfig()

	// Initialize logging package from config
	// Examples:
	//   - VERBOSE=1 or VERBOSE=true: enable all verbose logging
	//   - VERBOSE=publish: enable verbose for the publish module only
	//   - VERBOSE=daemon.handleEvent,relaypool: enable specific method + module
	//   - VERBOSE=: disable all verbose logging (default)
	logging.SetVerbose(cfg.Verbose)

	sec, err := decodeSecretKey(cfg.SecKey)
	if err != nil {
		logging.Fatal("invalid secret key: %v (set NOSTRGATE_SECKEY)", err)
	}
	resolver, err := envelope.NewResolver(sec)
	if err != nil {
		logging.Fatal("initializing identity: %v", err)
	}

	if len(cfg.Relays) == 0 {
		logging.Fatal("no relays configured - set RELAYS")
	}
	if len(cfg.AllowedSenders) == 0 {
		logging.Warn("no allowed senders configured - commands are disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := relaypool.New(ctx, cfg.Relays)
	live := pool.Connect()
	logging.Info("connected to %d/%d relays", live, len(cfg.Relays))

	engine := publish.NewEngine(pool.URLs(), publish.NewPoolPublisher(pool.SimplePool()), publish.Config{
		MaxRetries: cfg.PublishMaxRetries,
		BaseDelay:  cfg.PublishBaseDelay,
		MaxDelay:   cfg.PublishMaxDelay,
	})

	tracker := conversation.NewTracker(cfg.ConversationTimeout, cfg.IdleEviction)
	cooldowns := cooldown.NewRegistry(cfg.CommandCooldowns, tracker)
	client := gateway.NewLocalClient(cfg.GatewayURL, cfg.RestartCommand)
	dispatcher := dispatch.New(dispatch.GatewayCommands(client), cooldowns)

	d := daemon.New(daemon.Config{
		AllowedSenders:     cfg.AllowedSenders,
		Policy:             daemon.ParsePolicy(cfg.DMPolicy),
		AutoReplyTriggers:  cfg.AutoReplyTriggers,
		AutoReplyText:      cfg.AutoReplyText,
		ConversationWindow: cfg.ConversationTimeout,
		IdleEviction:       cfg.IdleEviction,
	}, resolver, dispatcher, tracker, engine, pool)

	// embedded relay: operators can publish events through the daemon's
	// engine and watch outbound replies without joining the public relays
	r := khatru.NewRelay()
	ApplyToRelay(r, cfg, resolver.PublicKey())
	r.StoreEvent = append(r.StoreEvent, engine.SaveEvent)
	r.QueryEvents = append(r.QueryEvents, engine.QueryEvents)
	d.SetBroadcaster(r)

	// strict limits: this surface is for operators, not public traffic
	filterIpRateLimiter := policies.FilterIPRateLimiter(20, time.Minute, 100)
	r.RejectFilter = append(r.RejectFilter,
		func(ctx context.Context, filter nostr.Filter) (reject bool, msg string) {
			reject, msg = filterIpRateLimiter(ctx, filter)
			if reject {
				logging.Warn("filter IP rate limiter: %v, %s, from: %s", reject, msg, khatru.GetIP(ctx))
			}
			return reject, msg
		},
	)
	connectionRateLimiter := policies.ConnectionRateLimiter(1, time.Minute, 20)
	r.RejectConnection = append(r.RejectConnection,
		func(req *http.Request) (reject bool) {
			reject = connectionRateLimiter(req)
			if reject {
				logging.Warn("connection rate limiter: %v, from: %s", reject, khatru.GetIPFromRequest(req))
			}
			return reject
		},
	)

	mux := r.Router()
	mux.HandleFunc("/api/v1/stats", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d.Stats()); err != nil {
			http.Error(w, "failed to encode stats", http.StatusInternalServerError)
		}
	})

	// health endpoint for docker healthchecks
	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, req *http.Request) {
		st := d.Stats()
		state := healthState(st, len(pool.URLs()))

		var httpStatus int
		var status string
		switch state {
		case HealthGreen:
			httpStatus = http.StatusOK
			status = "healthy"
		case HealthYellow:
			httpStatus = http.StatusOK
			status = "degraded"
		default:
			httpStatus = http.StatusServiceUnavailable
			status = "unhealthy"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"status":              status,
			"service":             r.Info.Name,
			"version":             Version,
			"health_state":        state,
			"uptime_seconds":      st.UptimeSeconds,
			"rate_limited_relays": st.Publish.RateLimitedRelays,
			"blocked_relays":      st.Publish.BlockedRelays,
			"round_failures":      st.Publish.RoundFailures,
		})
	})

	// parse addr into host and port
	host, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		// maybe user provided only a port like ":8080"
		if cfg.Addr != "" && cfg.Addr[0] == ':' {
			host = ""
			portStr = cfg.Addr[1:]
		} else {
			logging.Fatal("invalid addr: %v", err)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		logging.Fatal("invalid port: %v", err)
	}

	go func() {
		logging.Info("Starting %s relay surface on %s", ProjectName, cfg.Addr)
		if err := r.Start(host, port); err != nil {
			logging.Error("relay surface exited: %v", err)
		}
	}()

	logging.Info("Starting %s daemon as %s", ProjectName, resolver.PublicKey())
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal("daemon exited: %v", err)
	}
	logging.Info("shutdown complete")
}
