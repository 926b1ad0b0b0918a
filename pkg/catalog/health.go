package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/illmade-knight/go-catalogcache/pkg/cache"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// DatabaseHealth is the persistence half of a health report.
type DatabaseHealth struct {
	Status       string `json:"status"`
	ProductCount int64  `json:"productCount"`
	Error        string `json:"error,omitempty"`
}

// CacheHealth is the cache half of a health report.
type CacheHealth struct {
	Status  string       `json:"status"`
	Latency string       `json:"latency,omitempty"`
	Stats   *cache.Stats `json:"stats,omitempty"`
	Errors  []string     `json:"errors,omitempty"`
}

// Health combines both layers. Status is healthy only when both are,
// degraded when only the cache is not, and unhealthy otherwise.
type Health struct {
	Status    string         `json:"status"`
	Database  DatabaseHealth `json:"database"`
	Cache     CacheHealth    `json:"cache"`
	Timestamp time.Time      `json:"timestamp"`
}

// Health never fails; every problem is reported in the result.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{Timestamp: time.Now().UTC()}

	count, err := s.repo.Count(ctx)
	if err != nil {
		h.Database = DatabaseHealth{Status: StatusUnhealthy, Error: err.Error()}
	} else {
		h.Database = DatabaseHealth{Status: StatusHealthy, ProductCount: count}
	}

	h.Cache = s.cacheHealth(ctx)

	switch {
	case h.Database.Status != StatusHealthy:
		h.Status = StatusUnhealthy
	case h.Cache.Status != StatusHealthy:
		h.Status = StatusDegraded
	default:
		h.Status = StatusHealthy
	}
	if h.Status != StatusHealthy {
		s.logger.Warn().Str("status", h.Status).Str("database", h.Database.Status).Str("cache", h.Cache.Status).Msg("Health check is not healthy.")
	}
	return h
}

func (s *Service) cacheHealth(ctx context.Context) (result CacheHealth) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Cache health probe panicked.")
			result = CacheHealth{Status: StatusUnknown, Errors: []string{fmt.Sprint(r)}}
		}
	}()

	status := s.cache.HealthCheck(ctx)
	stats := status.Stats
	result = CacheHealth{
		Status:  StatusUnhealthy,
		Latency: status.Latency.String(),
		Stats:   &stats,
		Errors:  status.Errors,
	}
	if status.Healthy {
		result.Status = StatusHealthy
	}
	return result
}
