package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sink receives every event the bus dispatches.
type Sink interface {
	Handle(ctx context.Context, e Event) error
	Close(ctx context.Context) error
}

// BusConfig sizes the dispatch queue.
type BusConfig struct {
	QueueSize      int
	HandlerTimeout time.Duration
}

// DefaultBusConfig returns a 512 slot queue and a 5s per-sink timeout.
func DefaultBusConfig() BusConfig {
	return BusConfig{QueueSize: 512, HandlerTimeout: 5 * time.Second}
}

// Bus fans events out to its sinks from a single dispatcher goroutine so
// sinks see events in emission order.
type Bus struct {
	cfg    BusConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	sinks  []Sink
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewBus creates a bus and starts its dispatcher.
func NewBus(cfg BusConfig, logger zerolog.Logger) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultBusConfig().QueueSize
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultBusConfig().HandlerTimeout
	}
	b := &Bus{
		cfg:    cfg,
		logger: logger.With().Str("component", "EventBus").Logger(),
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a sink for all subsequent events.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit queues e for dispatch. A full queue or a closed bus drops the event.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Debug().Str("kind", string(e.Kind)).Msg("Event bus is closed, event dropped.")
		return
	}
	select {
	case b.queue <- e:
	default:
		b.logger.Warn().Str("kind", string(e.Kind)).Int64("product_id", e.ProductID).Msg("Event queue is full, event dropped.")
	}
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for e := range b.queue {
		b.mu.RLock()
		sinks := append([]Sink(nil), b.sinks...)
		b.mu.RUnlock()

		for _, s := range sinks {
			b.deliver(s, e)
		}
	}
}

func (b *Bus) deliver(s Sink, e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn().Interface("panic", r).Str("event_id", e.ID).Msg("Event sink panicked.")
		}
	}()

	if err := s.Handle(ctx, e); err != nil {
		b.logger.Warn().Err(err).Str("event_id", e.ID).Str("kind", string(e.Kind)).Msg("Event sink failed.")
	}
}

// Close stops intake, drains queued events and then closes every sink.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	b.logger.Info().Msg("Draining event bus...")
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Error().Err(ctx.Err()).Msg("Timeout draining event bus.")
		return ctx.Err()
	}

	var errs []error
	b.mu.RLock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.RUnlock()
	for _, s := range sinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sink %T: %w", s, err))
		}
	}
	b.logger.Info().Msg("Event bus stopped.")
	return errors.Join(errs...)
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that logs at info level.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "EventLog").Logger()}
}

func (s *LogSink) Handle(_ context.Context, e Event) error {
	s.logger.Info().
		Str("event_id", e.ID).
		Str("kind", string(e.Kind)).
		Int64("product_id", e.ProductID).
		Str("user_id", e.UserID).
		Time("timestamp", e.Timestamp).
		Msg("Product event.")
	return nil
}

func (s *LogSink) Close(context.Context) error { return nil }
