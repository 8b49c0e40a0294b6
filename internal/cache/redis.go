package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	keyPrefix = "quasar:cache:"

	// invalidationChannel is the pub/sub channel RedisBus broadcasts
	// invalidated keys on.
	invalidationChannel = "quasar:cache:invalidate"
)

// RedisCache is the shared cache tier, visible to every gateway process
// pointed at the same Redis.
type RedisCache struct {
	client     *redis.Client
	ownsClient bool
}

// NewRedisCache connects to Redis, verifies connectivity and owns the
// resulting client (Close releases it).
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisCache{client: client, ownsClient: true}, nil
}

// NewRedisCacheFromClient wraps a caller-owned client; Close leaves it
// open for the caller's other uses (e.g. the invalidation bus).
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Client exposes the underlying connection so collaborators like the
// RedisBus can share it.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, keyPrefix+key, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	if !c.ownsClient {
		return nil
	}
	return c.client.Close()
}

// RedisBus implements Bus over Redis pub/sub. All gateway processes
// sharing a Redis see each other's invalidations.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus creates a bus on an existing client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, key string) error {
	return b.client.Publish(ctx, invalidationChannel, key).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan string, error) {
	pubsub := b.client.Subscribe(ctx, invalidationChannel)
	// Force the subscription onto the wire before the first publish can
	// race past it.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	keys := make(chan string, 64)
	go func() {
		defer close(keys)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case keys <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return keys, nil
}
