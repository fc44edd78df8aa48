package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupeTTL is how long a processed message id is remembered.
const DefaultDedupeTTL = 24 * time.Hour

// Deduper remembers which messages were already processed.
type Deduper interface {
	// Claim marks key as in progress. It returns false if key was already
	// claimed and not released.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets key so a redelivery can be processed again.
	Release(ctx context.Context, key string) error
}

// Deduplicate wraps h so a message whose DedupeKey was already processed is
// acknowledged without running h; onDuplicate, when non-nil, is told about
// it. A failing h releases its claim. If the deduper itself fails, h runs
// anyway: handlers are idempotent.
func Deduplicate(d Deduper, h Handler, logger *slog.Logger, onDuplicate func(ctx context.Context, msg Message)) Handler {
	return func(ctx context.Context, msg Message) error {
		key := msg.DedupeKey()
		first, err := d.Claim(ctx, key)
		if err != nil {
			logger.Warn("dedupe claim failed, handling anyway", "topic", msg.Topic, "error", err)
			return h(ctx, msg)
		}
		if !first {
			consumedTotal.WithLabelValues(msg.Topic, "duplicate").Inc()
			logger.Debug("duplicate message dropped", "topic", msg.Topic, "key", msg.Key, "event_id", msg.ID)
			if onDuplicate != nil {
				onDuplicate(ctx, msg)
			}
			return nil
		}
		if err := h(ctx, msg); err != nil {
			if rerr := d.Release(ctx, key); rerr != nil {
				logger.Warn("dedupe release failed", "topic", msg.Topic, "error", rerr)
			}
			return err
		}
		return nil
	}
}

// MemoryDeduper is a process-local Deduper.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryDeduper creates an in-memory deduper.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &MemoryDeduper{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (d *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[key] = now.Add(d.ttl)
	if len(d.seen)%1024 == 0 {
		for k, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, k)
			}
		}
	}
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
	return nil
}

// RedisDeduper shares claims across replicas with SET NX and a TTL.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a Redis-backed deduper.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDeduper{client: client, prefix: "profilesync:dedupe:", ttl: ttl}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+key).Err()
}

// Ping checks Redis reachability for health checks.
func (d *RedisDeduper) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}
