// Configuration management for nostrgate.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fiatjaf/khatru"
	nip19 "github.com/nbd-wtf/go-nostr/nip19"
)

// getEnvOr returns the environment variable value or a default if not set
func getEnvOr(env, defaultValue string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return defaultValue
}

// Config holds runtime configuration coming from environment and CLI flags.
type Config struct {
	Addr    string
	Relays  []string
	Verbose string

	SecKey            string
	AllowedSenders    []string
	DMPolicy          string
	AutoReplyTriggers []string
	AutoReplyText     string

	ConversationTimeout time.Duration
	IdleEviction        time.Duration
	CommandCooldowns    map[string]time.Duration

	GatewayURL     string
	RestartCommand []string

	PublishMaxRetries int
	PublishBaseDelay  time.Duration
	PublishMaxDelay   time.Duration

	RelayName        string
	RelayDescription string
	RelayContact     string
	RelayIcon        string
}

// LoadConfig reads environment variables and flags. Flags override env values.
func LoadConfig() *Config {
	addr := flag.String("addr", getEnvOr("ADDR", ":3340"), "address for the embedded relay and stats endpoints (env: ADDR)")
	relays := flag.String("relays", os.Getenv("RELAYS"), "comma-separated relay URLs for DM subscription and publishing (env: RELAYS)")
	verbose := flag.String("verbose", os.Getenv("VERBOSE"), "verbose logging control: '1'/'true' for all, 'publish' for module, 'daemon.handleEvent,relaypool' for specific methods (env: VERBOSE)")

	secKey := flag.String("seckey", os.Getenv("NOSTRGATE_SECKEY"), "daemon secret key, nsec or hex (env: NOSTRGATE_SECKEY)")
	allowedSenders := flag.String("allowed-senders", os.Getenv("ALLOWED_SENDERS"), "comma-separated hex pubkeys allowed to run commands, or '*' (env: ALLOWED_SENDERS)")
	dmPolicy := flag.String("dm-policy", getEnvOr("DM_POLICY", "allowlist"), "auto-reply policy: allowlist, all or none (env: DM_POLICY)")
	autoReplyTriggers := flag.String("auto-reply-triggers", os.Getenv("AUTO_REPLY_TRIGGERS"), "comma-separated substrings that trigger an auto-reply (env: AUTO_REPLY_TRIGGERS)")
	autoReplyText := flag.String("auto-reply-text", os.Getenv("AUTO_REPLY_TEXT"), "text sent as the auto-reply (env: AUTO_REPLY_TEXT)")

	conversationTimeout := flag.Duration("conversation-timeout", parseDurationOr(os.Getenv("CONVERSATION_TIMEOUT"), time.Hour), "window after a reply during which auto-replies are suppressed (env: CONVERSATION_TIMEOUT)")
	idleEviction := flag.Duration("idle-eviction", parseDurationOr(os.Getenv("IDLE_EVICTION"), 24*time.Hour), "idle time after which per-sender state is dropped (env: IDLE_EVICTION)")
	commandCooldowns := flag.String("command-cooldowns", os.Getenv("COMMAND_COOLDOWNS"), "per-command cooldowns as name=duration pairs, e.g. 'restart=5m,status=30s' (env: COMMAND_COOLDOWNS)")

	gatewayURL := flag.String("gateway-url", getEnvOr("GATEWAY_URL", "http://127.0.0.1:8800"), "base URL of the local agent gateway (env: GATEWAY_URL)")
	restartCommand := flag.String("restart-command", os.Getenv("RESTART_COMMAND"), "command executed for the restart command, e.g. 'systemctl restart agent' (env: RESTART_COMMAND)")

	envMaxRetries := os.Getenv("PUBLISH_MAX_RETRIES")
	maxRetriesVal := 3
	if envMaxRetries != "" {
		if v, err := strconv.Atoi(envMaxRetries); err == nil {
			maxRetriesVal = v
		}
	}
	publishMaxRetries := flag.Int("publish-max-retries", maxRetriesVal, "publish rounds before giving up on an event (env: PUBLISH_MAX_RETRIES)")
	publishBaseDelay := flag.Duration("publish-base-delay", parseDurationOr(os.Getenv("PUBLISH_BASE_DELAY"), 500*time.Millisecond), "base delay for publish backoff (env: PUBLISH_BASE_DELAY)")
	publishMaxDelay := flag.Duration("publish-max-delay", parseDurationOr(os.Getenv("PUBLISH_MAX_DELAY"), 8*time.Second), "delay cap for publish backoff (env: PUBLISH_MAX_DELAY)")

	relayName := flag.String("relay-name", os.Getenv("RELAY_NAME"), "embedded relay name (env: RELAY_NAME)")
	relayDescription := flag.String("relay-description", os.Getenv("RELAY_DESCRIPTION"), "embedded relay description (env: RELAY_DESCRIPTION)")
	relayContact := flag.String("relay-contact", os.Getenv("RELAY_CONTACT"), "embedded relay contact (env: RELAY_CONTACT)")
	relayIcon := flag.String("relay-icon", os.Getenv("RELAY_ICON"), "embedded relay icon URL (env: RELAY_ICON)")

	flag.Parse()

	return &Config{
		Addr:    *addr,
		Relays:  parseList(*relays),
		Verbose: *verbose,

		SecKey:            *secKey,
		AllowedSenders:    parseList(*allowedSenders),
		DMPolicy:          *dmPolicy,
		AutoReplyTriggers: parseList(*autoReplyTriggers),
		AutoReplyText:     *autoReplyText,

		ConversationTimeout: *conversationTimeout,
		IdleEviction:        *idleEviction,
		CommandCooldowns:    parseCooldowns(*commandCooldowns),

		GatewayURL:     *gatewayURL,
		RestartCommand: strings.Fields(*restartCommand),

		PublishMaxRetries: *publishMaxRetries,
		PublishBaseDelay:  *publishBaseDelay,
		PublishMaxDelay:   *publishMaxDelay,

		RelayName:        *relayName,
		RelayDescription: *relayDescription,
		RelayContact:     *relayContact,
		RelayIcon:        *relayIcon,
	}
}

// parseList splits a comma-separated value, dropping empty entries.
func parseList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDurationOr parses s as a duration, falling back to def.
func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// parseCooldowns parses name=duration pairs. Malformed pairs are skipped so a
// typo in one entry does not wipe the whole table.
func parseCooldowns(s string) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, val, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(val))
		if err != nil || d < 0 {
			continue
		}
		out[strings.TrimSpace(name)] = d
	}
	return out
}

// decodeSecretKey accepts an nsec bech32 string or raw hex and returns the
// hex secret key.
func decodeSecretKey(sec string) (string, error) {
	sec = strings.TrimSpace(sec)
	if sec == "" {
		return "", fmt.Errorf("no secret key provided")
	}
	if strings.HasPrefix(sec, "nsec") {
		prefix, val, err := nip19.Decode(sec)
		if err != nil {
			return "", fmt.Errorf("decoding nsec: %w", err)
		}
		s, ok := val.(string)
		if !ok || prefix != "nsec" {
			return "", fmt.Errorf("unexpected nip19 payload for %s", prefix)
		}
		return s, nil
	}
	if _, err := hex.DecodeString(sec); err != nil {
		return "", fmt.Errorf("secret key is neither nsec nor hex: %w", err)
	}
	return sec, nil
}

// ApplyToRelay applies config NIP-11 fields to the embedded khatru relay.
func ApplyToRelay(r *khatru.Relay, cfg *Config, pubkey string) {
	if cfg.RelayName != "" {
		r.Info.Name = cfg.RelayName
	} else {
		r.Info.Name = ProjectName
	}
	if cfg.RelayDescription != "" {
		r.Info.Description = cfg.RelayDescription
	} else {
		r.Info.Description = "encrypted DM gateway for a local agent"
	}
	if cfg.RelayContact != "" {
		r.Info.Contact = cfg.RelayContact
	}
	if cfg.RelayIcon != "" {
		r.Info.Icon = cfg.RelayIcon
	}
	r.Info.PubKey = pubkey
	r.Info.Software = "https://github.com/ashwden/nostrgate"
	r.Info.Version = Version
}
