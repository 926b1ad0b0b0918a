package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/illmade-knight/go-catalogcache/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Connection is the part of the ConnectionManager the cache depends on.
type Connection interface {
	IsConnected() bool
	Client() *redis.Client
}

// CacheConfig holds the TTL, key and retry policy of a RedisCache.
type CacheConfig struct {
	TTL               time.Duration
	ListTTL           time.Duration
	Prefix            string
	HashPrefix        string
	LegacyListPattern string
	ScanCount         int64
	Retry             RetryPolicy
}

// DefaultCacheConfig returns a 5 minute entity TTL, a 10 minute list TTL and
// the default retry policy.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:               5 * time.Minute,
		ListTTL:           10 * time.Minute,
		Prefix:            DefaultPrefix,
		HashPrefix:        DefaultHashPrefix,
		LegacyListPattern: LegacyListPattern,
		ScanCount:         100,
		Retry:             DefaultRetryPolicy(),
	}
}

// RedisCache keeps product entries in Redis either as a hash of string
// fields or as a single JSON string, and list query results as JSON strings.
// Every backend call goes through the retry policy.
type RedisCache struct {
	conn   Connection
	logger zerolog.Logger
	cfg    CacheConfig
	retry  RetryPolicy
	stats  counters
	sleep  sleepFunc
	now    func() time.Time
}

// NewRedisCache creates a cache on top of an already constructed connection.
func NewRedisCache(cfg CacheConfig, conn Connection, logger zerolog.Logger) *RedisCache {
	defaults := DefaultCacheConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.ListTTL <= 0 {
		cfg.ListTTL = defaults.ListTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaults.Prefix
	}
	if cfg.HashPrefix == "" {
		cfg.HashPrefix = defaults.HashPrefix
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = defaults.ScanCount
	}
	if cfg.Retry.BackoffFactor == 0 && cfg.Retry.InitialDelay == 0 {
		cfg.Retry = defaults.Retry
	}
	return &RedisCache{
		conn:   conn,
		logger: logger.With().Str("component", "RedisCache").Logger(),
		cfg:    cfg,
		retry:  cfg.Retry,
		sleep:  sleepContext,
		now:    time.Now,
	}
}

type options struct {
	ttl     time.Duration
	prefix  string
	useHash bool
}

// Option adjusts a single cache call.
type Option func(*options)

// WithTTL overrides the default expiry for a write.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithPrefix overrides the key namespace for a call.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithHash selects hash-mode (true, the default) or string-mode storage.
func WithHash(useHash bool) Option {
	return func(o *options) { o.useHash = useHash }
}

func (c *RedisCache) options(opts []Option, ttl time.Duration) options {
	o := options{ttl: ttl, useHash: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = ttl
	}
	return o
}

func (c *RedisCache) hashPrefix(o options) string {
	if o.prefix != "" {
		return o.prefix
	}
	return c.cfg.HashPrefix
}

func (c *RedisCache) prefix(o options) string {
	if o.prefix != "" {
		return o.prefix
	}
	return c.cfg.Prefix
}

// client asserts connectivity. It runs inside the retried function so a
// transient disconnect can recover on a later attempt.
func (c *RedisCache) client() (*redis.Client, error) {
	if !c.conn.IsConnected() {
		return nil, ErrNotConnected
	}
	rdb := c.conn.Client()
	if rdb == nil {
		return nil, ErrNotConnected
	}
	return rdb, nil
}

// Stats returns a copy of the counters.
func (c *RedisCache) Stats() Stats {
	return c.stats.snapshot()
}

// Config returns the effective configuration.
func (c *RedisCache) Config() CacheConfig {
	return c.cfg
}

func validateProduct(p *types.Product) error {
	switch {
	case p == nil:
		return errors.New("cache: product is nil")
	case p.ID <= 0:
		return fmt.Errorf("cache: product id %d must be positive", p.ID)
	case p.Price < 0:
		return fmt.Errorf("cache: product %d has negative price", p.ID)
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("cache: product %d has no name", p.ID)
	case strings.TrimSpace(p.Category) == "":
		return fmt.Errorf("cache: product %d has no category", p.ID)
	}
	return nil
}

func hashArgs(fields map[string]string) []interface{} {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

// Put writes p under its hash key (fields, then expiry) or, with
// WithHash(false), as a JSON string with an atomic set-with-expiry.
func (c *RedisCache) Put(ctx context.Context, p *types.Product, opts ...Option) error {
	if err := validateProduct(p); err != nil {
		return err
	}
	o := c.options(opts, c.cfg.TTL)

	if o.useHash {
		key := GenerateHashKey(p.ID, c.hashPrefix(o))
		fields := encodeProduct(p)
		fields[FieldCachedAt] = formatTime(c.now())
		_, err := withRetry(ctx, c, "put", func(ctx context.Context) (struct{}, error) {
			rdb, err := c.client()
			if err != nil {
				return struct{}{}, err
			}
			if err := rdb.HSet(ctx, key, hashArgs(fields)...).Err(); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, rdb.Expire(ctx, key, o.ttl).Err()
		})
		if err != nil {
			return err
		}
		c.logger.Debug().Str("key", key).Dur("ttl", o.ttl).Msg("Cached product as hash.")
		return nil
	}

	key := SingleKey(p.ID, c.prefix(o))
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal product %d: %w", p.ID, err)
	}
	if err := c.setString(ctx, "put", key, data, o.ttl); err != nil {
		return err
	}
	c.logger.Debug().Str("key", key).Dur("ttl", o.ttl).Msg("Cached product as string.")
	return nil
}

// Get reads a product. The bool result is false on a miss. Malformed hash
// contents produce a *ValidationError rather than a miss.
func (c *RedisCache) Get(ctx context.Context, id int64, opts ...Option) (*types.Product, bool, error) {
	o := c.options(opts, c.cfg.TTL)

	if !o.useHash {
		key := SingleKey(id, c.prefix(o))
		var p types.Product
		found, err := c.getJSON(ctx, "get", key, &p, func() error { return checkDecoded(key, &p) })
		if err != nil || !found {
			return nil, false, err
		}
		return &p, true, nil
	}

	key := GenerateHashKey(id, c.hashPrefix(o))
	fields, err := withRetry(ctx, c, "get", func(ctx context.Context) (map[string]string, error) {
		rdb, err := c.client()
		if err != nil {
			return nil, err
		}
		return rdb.HGetAll(ctx, key).Result()
	})
	if err != nil {
		c.stats.operations.Add(1)
		return nil, false, err
	}
	if len(fields) == 0 {
		c.stats.miss()
		c.logger.Debug().Str("key", key).Msg("Cache miss.")
		return nil, false, nil
	}

	p, err := decodeProduct(key, fields)
	if err != nil {
		c.stats.operations.Add(1)
		c.stats.errors.Add(1)
		c.logger.Warn().Err(err).Str("key", key).Msg("Rejected malformed cache entry.")
		return nil, false, err
	}
	c.stats.hit()
	c.logger.Debug().Str("key", key).Msg("Cache hit.")
	return p, true, nil
}

// PutList stores a page of results under the list key for fingerprint.
func (c *RedisCache) PutList(ctx context.Context, page types.ProductPage, fingerprint string, opts ...Option) error {
	o := c.options(opts, c.cfg.ListTTL)
	key := ListKey(fingerprint, c.prefix(o))
	if page.Items == nil {
		page.Items = []types.Product{}
	}
	data, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("failed to marshal product list: %w", err)
	}
	if err := c.setString(ctx, "putList", key, data, o.ttl); err != nil {
		return err
	}
	c.logger.Debug().Str("key", key).Int("count", len(page.Items)).Dur("ttl", o.ttl).Msg("Cached product list.")
	return nil
}

// GetList reads a cached page. The bool result is false on a miss.
func (c *RedisCache) GetList(ctx context.Context, fingerprint string, opts ...Option) (*types.ProductPage, bool, error) {
	o := c.options(opts, c.cfg.ListTTL)
	key := ListKey(fingerprint, c.prefix(o))
	var page types.ProductPage
	found, err := c.getJSON(ctx, "getList", key, &page, nil)
	if err != nil || !found {
		return nil, false, err
	}
	return &page, true, nil
}

// Invalidate removes both the hash and the string entry for id in one DEL.
// Deleting absent keys is not an error.
func (c *RedisCache) Invalidate(ctx context.Context, id int64, opts ...Option) error {
	o := c.options(opts, c.cfg.TTL)
	keys := []string{GenerateHashKey(id, c.hashPrefix(o)), SingleKey(id, c.prefix(o))}
	removed, err := withRetry(ctx, c, "invalidate", func(ctx context.Context) (int64, error) {
		rdb, err := c.client()
		if err != nil {
			return 0, err
		}
		return rdb.Del(ctx, keys...).Result()
	})
	if err != nil {
		return err
	}
	c.logger.Debug().Int64("product_id", id).Int64("removed", removed).Msg("Invalidated product cache.")
	return nil
}

// InvalidateLists removes every list entry, current and legacy namespace.
// It walks the keyspace with SCAN so the server is never blocked, then
// deletes all matches in one call. The number of removed keys is returned.
func (c *RedisCache) InvalidateLists(ctx context.Context, opts ...Option) (int, error) {
	o := c.options(opts, c.cfg.ListTTL)
	patterns := []string{listPattern(c.prefix(o))}
	if c.cfg.LegacyListPattern != "" && c.cfg.LegacyListPattern != patterns[0] {
		patterns = append(patterns, c.cfg.LegacyListPattern)
	}

	removed, err := withRetry(ctx, c, "invalidateLists", func(ctx context.Context) (int64, error) {
		rdb, err := c.client()
		if err != nil {
			return 0, err
		}
		keys, err := c.scanKeys(ctx, rdb, patterns)
		if err != nil {
			return 0, err
		}
		if len(keys) == 0 {
			return 0, nil
		}
		return rdb.Del(ctx, keys...).Result()
	})
	if err != nil {
		return 0, err
	}
	c.logger.Info().Int64("removed", removed).Strs("patterns", patterns).Msg("Invalidated list caches.")
	return int(removed), nil
}

func (c *RedisCache) scanKeys(ctx context.Context, rdb *redis.Client, patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string
	for _, pattern := range patterns {
		var cursor uint64
		for {
			batch, next, err := rdb.Scan(ctx, cursor, pattern, c.cfg.ScanCount).Result()
			if err != nil {
				return nil, fmt.Errorf("scan %q: %w", pattern, err)
			}
			for _, k := range batch {
				if _, dup := seen[k]; !dup {
					seen[k] = struct{}{}
					keys = append(keys, k)
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return keys, nil
}

// UpdateFields merges the supplied fields into an existing hash entry and
// refreshes cachedAt. Fields that are not supplied are left untouched and
// the entry keeps its expiry. When no entry exists nothing is written, so a
// partial hash without an expiry can never be created here.
func (c *RedisCache) UpdateFields(ctx context.Context, id int64, fields map[string]string, opts ...Option) error {
	o := c.options(opts, c.cfg.TTL)
	key := GenerateHashKey(id, c.hashPrefix(o))

	merged := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		if k == FieldID {
			continue
		}
		merged[k] = v
	}
	merged[FieldCachedAt] = formatTime(c.now())

	updated, err := withRetry(ctx, c, "updateFields", func(ctx context.Context) (bool, error) {
		rdb, err := c.client()
		if err != nil {
			return false, err
		}
		var wrote bool
		err = rdb.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil || n == 0 {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, hashArgs(merged)...)
				return nil
			})
			wrote = err == nil
			return err
		}, key)
		return wrote, err
	})
	if err != nil {
		return err
	}
	if !updated {
		c.logger.Debug().Str("key", key).Msg("Skipped field update, product not cached.")
		return nil
	}
	c.logger.Debug().Str("key", key).Int("fields", len(merged)).Msg("Updated cached product fields.")
	return nil
}

func (c *RedisCache) setString(ctx context.Context, op, key string, data []byte, ttl time.Duration) error {
	_, err := withRetry(ctx, c, op, func(ctx context.Context) (struct{}, error) {
		rdb, err := c.client()
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, rdb.Set(ctx, key, data, ttl).Err()
	})
	return err
}

// checkDecoded applies the hash decoder's required-field rules to a product
// read from a JSON string entry.
func checkDecoded(key string, p *types.Product) error {
	switch {
	case p.ID <= 0:
		return &ValidationError{Key: key, Field: FieldID, Reason: "must be positive"}
	case p.Price < 0:
		return &ValidationError{Key: key, Field: FieldPrice, Reason: "must not be negative"}
	case strings.TrimSpace(p.Name) == "":
		return &ValidationError{Key: key, Field: FieldName, Reason: "is empty"}
	case strings.TrimSpace(p.Category) == "":
		return &ValidationError{Key: key, Field: FieldCategory, Reason: "is empty"}
	}
	return nil
}

// getJSON reads key and decodes it into dst, updating hit/miss counters.
// A non-nil check runs after decoding and rejects the entry like a decode
// failure.
func (c *RedisCache) getJSON(ctx context.Context, op, key string, dst interface{}, check func() error) (bool, error) {
	type result struct {
		data  string
		found bool
	}
	res, err := withRetry(ctx, c, op, func(ctx context.Context) (result, error) {
		rdb, err := c.client()
		if err != nil {
			return result{}, err
		}
		data, err := rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return result{}, nil
		}
		if err != nil {
			return result{}, err
		}
		return result{data: data, found: true}, nil
	})
	if err != nil {
		c.stats.operations.Add(1)
		return false, err
	}
	if !res.found {
		c.stats.miss()
		c.logger.Debug().Str("key", key).Msg("Cache miss.")
		return false, nil
	}
	if err := json.Unmarshal([]byte(res.data), dst); err != nil {
		c.stats.operations.Add(1)
		c.stats.errors.Add(1)
		c.logger.Warn().Err(err).Str("key", key).Msg("Rejected undecodable cache entry.")
		return false, &ValidationError{Key: key, Field: "value", Reason: "is not valid JSON"}
	}
	if check != nil {
		if err := check(); err != nil {
			c.stats.operations.Add(1)
			c.stats.errors.Add(1)
			c.logger.Warn().Err(err).Str("key", key).Msg("Rejected malformed cache entry.")
			return false, err
		}
	}
	c.stats.hit()
	c.logger.Debug().Str("key", key).Msg("Cache hit.")
	return true, nil
}
