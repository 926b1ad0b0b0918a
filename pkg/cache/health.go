package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const healthKeyTTL = 10 * time.Second

// HealthStatus is the result of a cache health probe.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency"`
	Stats     Stats         `json:"stats"`
	Errors    []string      `json:"errors,omitempty"`
}

// HealthCheck writes a disposable key, reads it back and deletes it, timing
// the round trip. It never returns an error: every failure is reported in
// the Errors field of an unhealthy status.
func (c *RedisCache) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{Connected: c.conn.IsConnected()}
	start := time.Now()

	if !status.Connected {
		status.Errors = append(status.Errors, ErrNotConnected.Error())
	} else if err := c.probe(ctx); err != nil {
		status.Errors = append(status.Errors, err.Error())
	} else {
		status.Healthy = true
	}

	status.Latency = time.Since(start)
	status.Stats = c.Stats()
	return status
}

func (c *RedisCache) probe(ctx context.Context) error {
	rdb, err := c.client()
	if err != nil {
		return err
	}
	key := GenerateKey("health:"+uuid.NewString(), c.cfg.Prefix)
	want := strconv.FormatInt(c.now().UnixNano(), 10)

	if err := rdb.Set(ctx, key, want, healthKeyTTL).Err(); err != nil {
		return fmt.Errorf("health write failed: %w", err)
	}
	got, err := rdb.Get(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("health read failed: %w", err)
	}
	if err := rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("health cleanup failed: %w", err)
	}
	if got != want {
		return fmt.Errorf("health read-back mismatch: wrote %q, read %q", want, got)
	}
	return nil
}
