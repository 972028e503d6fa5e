package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for cross-invocation coordination: mutual
// exclusion locks for the scheduler pass and batch processing, and the
// last-pass marker.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func lockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}

func lastPassKey() string {
	return "scheduler:last_pass"
}

// Well-known lock names.
const (
	LockSchedulerPass = "scheduler-pass"
	LockDiscovery     = "discovery"
)

// AcquireLock attempts to acquire a named mutual exclusion lock. The TTL
// guards against a crashed holder; a live holder refreshes it.
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKey(name), "locked", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseLock releases a named lock.
func (c *Client) ReleaseLock(ctx context.Context, name string) error {
	return c.rdb.Del(ctx, lockKey(name)).Err()
}

// RefreshLock extends the TTL of a held lock.
func (c *Client) RefreshLock(ctx context.Context, name string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, lockKey(name), ttl).Err()
}

// SetLastPass records when a scheduler pass last completed.
func (c *Client) SetLastPass(ctx context.Context, at time.Time) error {
	return c.rdb.Set(ctx, lastPassKey(), at.UTC().Format(time.RFC3339), 0).Err()
}

// GetLastPass returns when a scheduler pass last completed; zero time when
// no pass has run yet.
func (c *Client) GetLastPass(ctx context.Context) (time.Time, error) {
	val, err := c.rdb.Get(ctx, lastPassKey()).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get failed: %w", err)
	}
	return time.Parse(time.RFC3339, val)
}
