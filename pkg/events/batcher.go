package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var errBatcherClosed = errors.New("batcher is closed")

// batcherConfig controls when a batch is handed to the flush function.
type batcherConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
}

// batcher accumulates items and flushes them when the batch is full, when
// the interval elapses, or on close. Flush failures are logged and the batch
// is dropped.
type batcher[T any] struct {
	cfg    batcherConfig
	flushF func(ctx context.Context, batch []T) error
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	input  chan T
	wg     sync.WaitGroup
}

func newBatcher[T any](cfg batcherConfig, flush func(ctx context.Context, batch []T) error, logger zerolog.Logger) *batcher[T] {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 30 * time.Second
	}
	b := &batcher[T]{
		cfg:    cfg,
		flushF: flush,
		logger: logger,
		input:  make(chan T, cfg.BatchSize*2),
	}
	b.wg.Add(1)
	go b.worker()
	return b
}

func (b *batcher[T]) add(ctx context.Context, item T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBatcherClosed
	}
	select {
	case b.input <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *batcher[T]) worker() {
	defer b.wg.Done()
	batch := make([]T, 0, b.cfg.BatchSize)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case item, ok := <-b.input:
			if !ok {
				b.flush(batch)
				return
			}
			batch = append(batch, item)
			if len(batch) >= b.cfg.BatchSize {
				b.flush(batch)
				batch = make([]T, 0, b.cfg.BatchSize)
				ticker.Reset(b.cfg.FlushInterval)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(batch)
				batch = make([]T, 0, b.cfg.BatchSize)
			}
		}
	}
}

func (b *batcher[T]) flush(batch []T) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
	defer cancel()

	if err := b.flushF(ctx, batch); err != nil {
		b.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to flush event batch.")
		return
	}
	b.logger.Debug().Int("batch_size", len(batch)).Msg("Flushed event batch.")
}

// close flushes what is buffered and waits for the worker until ctx expires.
func (b *batcher[T]) close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.input)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for event batch to flush.")
		return ctx.Err()
	}
}
