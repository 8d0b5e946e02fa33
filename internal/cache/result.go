// Package cache stores execution results in Redis so identical runs can be
// answered without provisioning a sandbox.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"aindrocode/internal/config"
	"aindrocode/internal/monitor"
	"aindrocode/internal/sandbox"
)

// ResultCache maps execution requests to their results.
type ResultCache struct {
	client  *redis.Client
	ttl     time.Duration
	prefix  string
	metrics *monitor.Metrics
}

// New connects to Redis and verifies the connection.
func New(cfg config.CacheConfig, metrics *monitor.Metrics) (*ResultCache, error) {
	if cfg.Addr == "" {
		return nil, errors.New("cache addr cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewWithClient(client, cfg.TTL, cfg.Prefix, metrics), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration, prefix string, metrics *monitor.Metrics) *ResultCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ResultCache{client: client, ttl: ttl, prefix: prefix, metrics: metrics}
}

func (c *ResultCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *ResultCache) Close() error {
	return c.client.Close()
}

// Key hashes every input that can change what a run prints. Fields are
// length-prefixed so adjacent values cannot run together.
func Key(req sandbox.ExecutionRequest) string {
	h := sha256.New()
	write := func(s string) {
		fmt.Fprintf(h, "%d:%s;", len(s), s)
	}
	write(strings.ToLower(strings.TrimSpace(req.Language)))
	write(req.Code)
	write(req.Input)
	write(req.Path)
	for _, f := range req.Files {
		write(f.Path)
		write(f.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Cacheable reports whether res may be stored. Previews point at a sandbox
// that no longer exists, and timeouts say nothing stable about the code.
func Cacheable(res *sandbox.ExecutionResult) bool {
	return res != nil && res.PreviewURL == "" && !res.TimedOut
}

// Get returns the cached result for req. A miss is (nil, false, nil).
func (c *ResultCache) Get(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+Key(req)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.metrics.RecordCacheLookup(false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	var res sandbox.ExecutionResult
	if err := json.Unmarshal(data, &res); err != nil {
		// A corrupt entry is a miss; the next Put overwrites it.
		c.metrics.RecordCacheLookup(false)
		return nil, false, nil
	}
	c.metrics.RecordCacheLookup(true)
	return &res, true, nil
}

// Put stores res for req if it is cacheable.
func (c *ResultCache) Put(ctx context.Context, req sandbox.ExecutionRequest, res *sandbox.ExecutionResult) error {
	if !Cacheable(res) {
		return nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+Key(req), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Healthy reports whether Redis answers a ping.
func (c *ResultCache) Healthy(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}
