package cache

import (
	"sync/atomic"
)

// Stats is a point-in-time copy of the cache counters.
type Stats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Operations int64   `json:"totalOperations"`
	Errors     int64   `json:"errors"`
	Retries    int64   `json:"retries"`
	HitRate    float64 `json:"hitRate"`
}

// counters is the live, process-wide counters block. Every field is updated
// atomically so a snapshot never observes a torn increment.
type counters struct {
	hits       atomic.Int64
	misses     atomic.Int64
	operations atomic.Int64
	errors     atomic.Int64
	retries    atomic.Int64
}

func (c *counters) hit() {
	c.hits.Add(1)
	c.operations.Add(1)
}

func (c *counters) miss() {
	c.misses.Add(1)
	c.operations.Add(1)
}

func (c *counters) snapshot() Stats {
	s := Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Operations: c.operations.Load(),
		Errors:     c.errors.Load(),
		Retries:    c.retries.Load(),
	}
	if s.Operations > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Operations) * 100
	}
	return s
}
