package cache_test

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/illmade-knight/go-catalogcache/pkg/cache"
	"github.com/illmade-knight/go-catalogcache/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// fakeConnection is a test double for cache.Connection backed by a real
// client pointed at miniredis. The connected flag can be flipped at will.
type fakeConnection struct {
	connected atomic.Bool
	client    *redis.Client
}

func (f *fakeConnection) IsConnected() bool     { return f.connected.Load() }
func (f *fakeConnection) Client() *redis.Client { return f.client }

// fastRetry keeps the default schedule shape but with tiny delays.
func fastRetry() cache.RetryPolicy {
	return cache.RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      10 * time.Millisecond,
	}
}

func newTestCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis, *fakeConnection) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	conn := &fakeConnection{client: rdb}
	conn.connected.Store(true)

	cfg := cache.DefaultCacheConfig()
	cfg.Retry = fastRetry()
	return cache.NewRedisCache(cfg, conn, zerolog.Nop()), mr, conn
}

func widget() *types.Product {
	return &types.Product{
		ID:          42,
		Name:        "Widget",
		Description: "A small widget",
		Price:       9.99,
		Category:    "Tools",
		Stock:       7,
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		UpdatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// syncBuffer is a goroutine-safe log sink for asserting on log output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
