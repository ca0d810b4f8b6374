package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for event transport and retry admission.
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

// Health checks if Redis is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func admissionKey(transactionID string) string {
	return fmt.Sprintf("retry_admission:%s", transactionID)
}

// AcquireRetryLock attempts to acquire the per-exception retry admission
// lock. Serializes retry admission across collector instances; the store's
// unique constraint remains the last line of defense.
func (c *Client) AcquireRetryLock(ctx context.Context, transactionID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, admissionKey(transactionID), "locked", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseRetryLock releases the retry admission lock.
func (c *Client) ReleaseRetryLock(ctx context.Context, transactionID string) error {
	return c.rdb.Del(ctx, admissionKey(transactionID)).Err()
}
