package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-catalogcache/pkg/types"
	"github.com/rs/zerolog"
)

// AsyncConfig controls the background cache maintenance queue and the
// feature flags that gate each category of work.
type AsyncConfig struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
	// EnqueueTimeout bounds how long an invalidation waits for a free slot
	// before it runs on the caller's goroutine instead.
	EnqueueTimeout time.Duration

	AsyncEnabled            bool // Put, PutList, Recache and UpdateFields.
	InvalidationEnabled     bool // Invalidate.
	ListInvalidationEnabled bool // InvalidateLists, and the list step of Recache.
}

// DefaultAsyncConfig enables every category with 4 workers and a 1024 slot queue.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		Workers:                 4,
		QueueSize:               1024,
		TaskTimeout:             10 * time.Second,
		EnqueueTimeout:          2 * time.Second,
		AsyncEnabled:            true,
		InvalidationEnabled:     true,
		ListInvalidationEnabled: true,
	}
}

// Writer is the subset of RedisCache the async façade drives.
type Writer interface {
	Put(ctx context.Context, p *types.Product, opts ...Option) error
	PutList(ctx context.Context, page types.ProductPage, fingerprint string, opts ...Option) error
	Invalidate(ctx context.Context, id int64, opts ...Option) error
	InvalidateLists(ctx context.Context, opts ...Option) (int, error)
	UpdateFields(ctx context.Context, id int64, fields map[string]string, opts ...Option) error
}

type task struct {
	name string
	run  func(ctx context.Context) error
}

// generationStripes is the number of invalidation counters product ids are
// spread over. Two ids sharing a stripe only cost an occasional skipped put.
const generationStripes = 256

// listShard serves standalone list tasks.
const listShard = 0

// AsyncCache schedules cache writes and invalidations on bounded queues
// served by background workers. Each worker owns one queue and every task
// for a product is routed to the same queue, so work for one product runs in
// the order it was scheduled. List writes and list invalidations never
// overlap.
//
// Puts are shed when their queue is full. Invalidations and field merges are
// never shed: they wait up to EnqueueTimeout for a slot and then run on the
// caller's goroutine. A put that was queued before an invalidation of the
// same product is skipped when it reaches a worker.
//
// Callers return as soon as the task is queued; failures inside a task are
// logged at warn level and never reach the caller.
type AsyncCache struct {
	cache  Writer
	cfg    AsyncConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queues []chan task
	wg     sync.WaitGroup

	generations    [generationStripes]atomic.Uint64
	listGeneration atomic.Uint64
	listMu         sync.Mutex
}

// NewAsyncCache creates the façade and starts its workers.
func NewAsyncCache(cfg AsyncConfig, cache Writer, logger zerolog.Logger) *AsyncCache {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Second
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 2 * time.Second
	}
	perQueue := cfg.QueueSize / cfg.Workers
	if perQueue == 0 && cfg.QueueSize > 0 {
		perQueue = 1
	}

	a := &AsyncCache{
		cache:  cache,
		cfg:    cfg,
		logger: logger.With().Str("component", "AsyncCache").Logger(),
		queues: make([]chan task, cfg.Workers),
	}
	for i := range a.queues {
		a.queues[i] = make(chan task, perQueue)
		a.wg.Add(1)
		go a.worker(a.queues[i])
	}
	return a
}

func (a *AsyncCache) shard(id int64) int {
	n := uint64(len(a.queues))
	return int(uint64(id) % n)
}

func (a *AsyncCache) generation(id int64) *atomic.Uint64 {
	return &a.generations[uint64(id)%generationStripes]
}

// superseded wraps a put so it is skipped when gen moved on after scheduling.
func (a *AsyncCache) superseded(name string, gen *atomic.Uint64, run func(ctx context.Context) error) func(ctx context.Context) error {
	scheduled := gen.Load()
	return func(ctx context.Context) error {
		if gen.Load() != scheduled {
			a.logger.Debug().Str("task", name).Msg("Skipped superseded cache write.")
			return nil
		}
		return run(ctx)
	}
}

// PutAsync caches p in the background. It reports whether work was queued.
func (a *AsyncCache) PutAsync(p *types.Product, opts ...Option) bool {
	if !a.cfg.AsyncEnabled || p == nil {
		return false
	}
	product := *p
	name := fmt.Sprintf("put:%d", product.ID)
	return a.submit(a.shard(product.ID), false, name, a.superseded(name, a.generation(product.ID), func(ctx context.Context) error {
		return a.cache.Put(ctx, &product, opts...)
	}))
}

// PutListAsync caches a list page under fingerprint in the background. The
// page is not written when any list invalidation was scheduled after it.
func (a *AsyncCache) PutListAsync(page types.ProductPage, fingerprint string, opts ...Option) bool {
	if !a.cfg.AsyncEnabled {
		return false
	}
	page.Items = append([]types.Product(nil), page.Items...)
	name := "putList:" + fingerprint
	write := a.superseded(name, &a.listGeneration, func(ctx context.Context) error {
		return a.cache.PutList(ctx, page, fingerprint, opts...)
	})
	return a.submit(listShard, false, name, func(ctx context.Context) error {
		a.listMu.Lock()
		defer a.listMu.Unlock()
		return write(ctx)
	})
}

// InvalidateAsync removes both representations of id in the background.
func (a *AsyncCache) InvalidateAsync(id int64, opts ...Option) bool {
	if !a.cfg.InvalidationEnabled {
		return false
	}
	a.generation(id).Add(1)
	return a.submit(a.shard(id), true, fmt.Sprintf("invalidate:%d", id), func(ctx context.Context) error {
		return a.cache.Invalidate(ctx, id, opts...)
	})
}

// InvalidateListsAsync drops every cached list in the background.
func (a *AsyncCache) InvalidateListsAsync(opts ...Option) bool {
	if !a.cfg.ListInvalidationEnabled {
		return false
	}
	a.listGeneration.Add(1)
	return a.submit(listShard, true, "invalidateLists", func(ctx context.Context) error {
		return a.invalidateLists(ctx, opts...)
	})
}

// invalidateLists serialises with list writes so a page read before the
// invalidation can never land after it.
func (a *AsyncCache) invalidateLists(ctx context.Context, opts ...Option) error {
	a.listMu.Lock()
	defer a.listMu.Unlock()
	_, err := a.cache.InvalidateLists(ctx, opts...)
	return err
}

// UpdateFieldsAsync merges fields into the cached hash of id in the background.
func (a *AsyncCache) UpdateFieldsAsync(id int64, fields map[string]string, opts ...Option) bool {
	if !a.cfg.AsyncEnabled {
		return false
	}
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	a.generation(id).Add(1)
	return a.submit(a.shard(id), true, fmt.Sprintf("updateFields:%d", id), func(ctx context.Context) error {
		return a.cache.UpdateFields(ctx, id, copied, opts...)
	})
}

// RecacheAsync writes p and then, when list invalidation is enabled, drops
// every cached list. Both steps run in order inside one task on the
// product's queue. With list invalidation enabled the task is never shed.
func (a *AsyncCache) RecacheAsync(p *types.Product, opts ...Option) bool {
	if !a.cfg.AsyncEnabled || p == nil {
		return false
	}
	product := *p
	name := fmt.Sprintf("recache:%d", product.ID)
	invalidateLists := a.cfg.ListInvalidationEnabled
	if invalidateLists {
		a.listGeneration.Add(1)
	}
	put := a.superseded(name, a.generation(product.ID), func(ctx context.Context) error {
		return a.cache.Put(ctx, &product, opts...)
	})
	return a.submit(a.shard(product.ID), invalidateLists, name, func(ctx context.Context) error {
		putErr := put(ctx)
		if putErr != nil {
			putErr = fmt.Errorf("put: %w", putErr)
		}
		if !invalidateLists {
			return putErr
		}
		if err := a.invalidateLists(ctx, opts...); err != nil {
			return errors.Join(putErr, fmt.Errorf("invalidate lists: %w", err))
		}
		return putErr
	})
}

func (a *AsyncCache) submit(shard int, mustRun bool, name string, run func(ctx context.Context) error) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.logger.Warn().Str("task", name).Msg("Async cache is closed, task not scheduled.")
		return false
	}
	t := task{name: name, run: run}
	queue := a.queues[shard]
	select {
	case queue <- t:
		return true
	default:
	}
	if !mustRun {
		a.logger.Warn().Str("task", name).Int("queue_size", cap(queue)).Msg("Async cache queue is full, task dropped.")
		return false
	}

	timer := time.NewTimer(a.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case queue <- t:
		return true
	case <-timer.C:
	}
	a.logger.Warn().Str("task", name).Int("queue_size", cap(queue)).Msg("Async cache queue stayed full, running task inline.")
	a.run(t)
	return true
}

func (a *AsyncCache) worker(queue <-chan task) {
	defer a.wg.Done()
	for t := range queue {
		a.run(t)
	}
}

func (a *AsyncCache) run(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.TaskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn().Str("task", t.name).Interface("panic", r).Msg("Async cache task panicked.")
		}
	}()

	if err := t.run(ctx); err != nil {
		a.logger.Warn().Err(err).Str("task", t.name).Msg("Async cache task failed.")
		return
	}
	a.logger.Debug().Str("task", t.name).Msg("Async cache task completed.")
}

func (a *AsyncCache) pending() int {
	n := 0
	for _, q := range a.queues {
		n += len(q)
	}
	return n
}

// Close stops accepting work and drains the queue, waiting until every
// queued task has run or ctx expires.
func (a *AsyncCache) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	pending := a.pending()
	for _, q := range a.queues {
		close(q)
	}
	a.mu.Unlock()

	a.logger.Info().Int("pending", pending).Msg("Draining async cache queue...")
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info().Msg("Async cache queue drained.")
		return nil
	case <-ctx.Done():
		a.logger.Error().Err(ctx.Err()).Int("remaining", a.pending()).Msg("Timeout draining async cache queue.")
		return ctx.Err()
	}
}
