package publish

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// PoolPublisher delivers through a shared nostr.SimplePool. The pool owns
// connection reuse and reconnects; no caller may assume exclusive ownership
// of a relay connection.
type PoolPublisher struct {
	pool *nostr.SimplePool
}

func NewPoolPublisher(pool *nostr.SimplePool) *PoolPublisher {
	return &PoolPublisher{pool: pool}
}

func (p *PoolPublisher) Publish(ctx context.Context, url string, evt *nostr.Event) error {
	rl, err := p.pool.EnsureRelay(url)
	if err != nil {
		return fmt.Errorf("%s: %w", url, err)
	}
	if err := rl.Publish(ctx, *evt); err != nil {
		return fmt.Errorf("%s: %w", url, err)
	}
	return nil
}

var _ RelayPublisher = (*PoolPublisher)(nil)
