package cache

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/logging"
)

// Bus carries cache invalidation signals between gateway processes. Every
// write or delete on a ReplicatedCache publishes the affected key; each
// process subscribes and drops the key from its in-process tier, so a
// webhook subscription edited on one instance stops being served stale on
// the others without waiting out the local TTL.
type Bus interface {
	// Publish broadcasts an invalidated key to every subscriber,
	// including the publishing process itself.
	Publish(ctx context.Context, key string) error

	// Subscribe returns a channel of invalidated keys. The channel is
	// closed when ctx is cancelled or the transport drops.
	Subscribe(ctx context.Context) (<-chan string, error)
}

// ReplicatedCache layers a bounded in-process tier over a shared tier and
// keeps peer processes coherent through a Bus. Reads hit the in-process
// tier first and refill it from the shared tier under a short TTL, so
// even a missed broadcast heals within one TTL. With a nil bus it
// degrades to a plain two-tier cache for single-process deployments.
type ReplicatedCache struct {
	local    Cache
	shared   Cache
	bus      Bus
	localTTL time.Duration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// NewReplicatedCache builds the cache. localTTL bounds how long a stale
// entry can survive a missed invalidation (default 10s).
func NewReplicatedCache(local, shared Cache, bus Bus, localTTL time.Duration) *ReplicatedCache {
	if localTTL <= 0 {
		localTTL = 10 * time.Second
	}
	return &ReplicatedCache{local: local, shared: shared, bus: bus, localTTL: localTTL}
}

// Start runs the invalidation subscriber until ctx is cancelled or Close
// is called. It returns immediately when no bus is configured.
func (c *ReplicatedCache) Start(ctx context.Context) {
	if c.bus == nil {
		return
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	c.started = true
	c.cancel = cancel
	c.mu.Unlock()

	keys, err := c.bus.Subscribe(subCtx)
	if err != nil {
		logging.Op().Error("cache invalidation subscribe failed", "error", err)
		return
	}
	for key := range keys {
		// Peer (or our own) edit: drop the local copy, the next read
		// refills from the shared tier.
		_ = c.local.Delete(subCtx, key)
	}
}

func (c *ReplicatedCache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, err := c.local.Get(ctx, key); err == nil {
		return val, nil
	}
	val, err := c.shared.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	_ = c.local.Set(ctx, key, val, c.localTTL)
	return val, nil
}

// Set writes both tiers and tells peers their local copy is stale.
func (c *ReplicatedCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = c.local.Set(ctx, key, value, c.localTTL)
	if err := c.shared.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	c.broadcast(ctx, key)
	return nil
}

// Delete removes the key everywhere: both tiers here, local tiers on
// every peer via the bus.
func (c *ReplicatedCache) Delete(ctx context.Context, key string) error {
	_ = c.local.Delete(ctx, key)
	if err := c.shared.Delete(ctx, key); err != nil {
		return err
	}
	c.broadcast(ctx, key)
	return nil
}

func (c *ReplicatedCache) broadcast(ctx context.Context, key string) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, key); err != nil {
		// Peers heal via the local TTL; the write itself already landed.
		logging.Op().Warn("cache invalidation publish failed", "key", key, "error", err)
	}
}

func (c *ReplicatedCache) Exists(ctx context.Context, key string) (bool, error) {
	if ok, err := c.local.Exists(ctx, key); err == nil && ok {
		return true, nil
	}
	return c.shared.Exists(ctx, key)
}

func (c *ReplicatedCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return err
	}
	return c.shared.Ping(ctx)
}

func (c *ReplicatedCache) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	_ = c.local.Close()
	return c.shared.Close()
}
