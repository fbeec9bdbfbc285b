// Package relaypool owns the shared relay connection pool and the inbound
// DM subscription stream. The same pool serves the publish path; neither
// side assumes exclusive ownership of a relay connection.
package relaypool

import (
	"context"
	"strings"

	"github.com/ashwden/nostrgate/envelope"
	"github.com/ashwden/nostrgate/logging"
	"github.com/nbd-wtf/go-nostr"
)

// Pool wraps a nostr.SimplePool plus the configured relay URLs.
type Pool struct {
	urls []string
	pool *nostr.SimplePool
}

func New(ctx context.Context, urls []string) *Pool {
	cleaned := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			cleaned = append(cleaned, u)
		}
	}
	return &Pool{
		urls: cleaned,
		pool: nostr.NewSimplePool(ctx, nostr.WithPenaltyBox()),
	}
}

// URLs returns the configured relay set.
func (p *Pool) URLs() []string { return p.urls }

// SimplePool exposes the underlying pool for the publish path.
func (p *Pool) SimplePool() *nostr.SimplePool { return p.pool }

// Connect makes a best-effort initial connection to every relay and returns
// how many are reachable. Relays that fail here are retried lazily later.
func (p *Pool) Connect() int {
	live := 0
	for _, u := range p.urls {
		if _, err := p.pool.EnsureRelay(u); err != nil {
			logging.Warn("relaypool: failed initial connect to %s: %v", u, err)
			continue
		}
		live++
		logging.DebugMethod("relaypool", "Connect", "connected to %s", u)
	}
	return live
}

// SubscribeDMs subscribes across all relays for direct messages and gift
// wraps addressed to recipientPub, starting at since. The pool deduplicates
// per-subscription but cross-restart duplicates still reach the daemon,
// which is why the dedup ledger exists. The returned channel closes when
// ctx is cancelled.
func (p *Pool) SubscribeDMs(ctx context.Context, recipientPub string, since nostr.Timestamp) <-chan *nostr.Event {
	filter := nostr.Filter{
		Kinds: []int{envelope.KindDirectMessage, envelope.KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{recipientPub}},
		Since: &since,
	}
	sub := p.pool.SubscribeMany(ctx, p.urls, filter)

	out := make(chan *nostr.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ie, ok := <-sub:
				if !ok {
					logging.Warn("relaypool: subscription stream closed")
					return
				}
				if ie.Event == nil {
					continue
				}
				select {
				case out <- ie.Event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
