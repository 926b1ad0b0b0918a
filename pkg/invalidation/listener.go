// Package invalidation evicts cached products in response to product events
// received from a Pub/Sub subscription. It keeps the shared cache honest when
// the catalog database is written by processes that bypass this service.
package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-catalogcache/pkg/cache"
	"github.com/illmade-knight/go-catalogcache/pkg/events"
	"github.com/rs/zerolog"
)

// Scheduler is the part of the async cache the listener drives.
type Scheduler interface {
	InvalidateAsync(id int64, opts ...cache.Option) bool
	InvalidateListsAsync(opts ...cache.Option) bool
}

// Config identifies the subscription and bounds concurrent handling.
// Messages whose origin attribute equals IgnoreOrigin are acked untouched:
// the instance that published them already invalidated the shared cache.
type Config struct {
	SubscriptionID         string
	MaxOutstandingMessages int
	NumGoroutines          int
	IgnoreOrigin           string
}

// Listener receives product events and schedules the matching invalidations.
type Listener struct {
	subscription *pubsub.Subscription
	scheduler    Scheduler
	ignoreOrigin string
	logger       zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener verifies the subscription exists before returning.
func NewListener(ctx context.Context, cfg Config, client *pubsub.Client, scheduler Scheduler, logger zerolog.Logger) (*Listener, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil")
	}
	sub := client.Subscription(cfg.SubscriptionID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("subscription %s does not exist", cfg.SubscriptionID)
	}

	if cfg.MaxOutstandingMessages > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	}
	if cfg.NumGoroutines > 0 {
		sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines
	}

	return &Listener{
		subscription: sub,
		scheduler:    scheduler,
		ignoreOrigin: cfg.IgnoreOrigin,
		logger:       logger.With().Str("component", "InvalidationListener").Str("subscription_id", cfg.SubscriptionID).Logger(),
	}, nil
}

// Start receives in a background goroutine until Stop is called or ctx ends.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return
	}

	receiveCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		l.logger.Info().Msg("Listening for product events.")
		err := l.subscription.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			l.handle(msg)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error.")
		}
		l.logger.Info().Msg("Stopped listening for product events.")
	}(l.done)
}

// Stop cancels receiving and waits for in-flight handlers until ctx expires.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if done == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		l.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for listener to stop.")
		return ctx.Err()
	}
}

// target extracts the event kind and product id, preferring the message
// attributes and falling back to the JSON body.
func target(msg *pubsub.Message) (events.Kind, int64, error) {
	kind, hasKind := msg.Attributes["kind"]
	rawID, hasID := msg.Attributes["product_id"]
	if hasKind && hasID {
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			return "", 0, fmt.Errorf("invalid product_id attribute %q: %w", rawID, err)
		}
		return events.Kind(kind), id, nil
	}

	var e events.Event
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		return "", 0, fmt.Errorf("failed to decode event: %w", err)
	}
	return e.Kind, e.ProductID, nil
}

// handle always acks. A message that cannot be understood will not become
// understandable on redelivery.
func (l *Listener) handle(msg *pubsub.Message) {
	defer msg.Ack()

	if l.ignoreOrigin != "" && msg.Attributes[events.OriginAttribute] == l.ignoreOrigin {
		l.logger.Debug().Str("msg_id", msg.ID).Msg("Skipping product event published by this service.")
		return
	}

	kind, id, err := target(msg)
	if err != nil {
		l.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Discarding unreadable product event.")
		return
	}

	switch kind {
	case events.KindCreated:
		l.scheduler.InvalidateListsAsync()
	case events.KindUpdated, events.KindDeleted:
		if id > 0 {
			l.scheduler.InvalidateAsync(id)
		}
		l.scheduler.InvalidateListsAsync()
	case events.KindViewed:
		return
	default:
		l.logger.Warn().Str("kind", string(kind)).Str("msg_id", msg.ID).Msg("Discarding product event of unknown kind.")
		return
	}
	l.logger.Debug().Str("kind", string(kind)).Int64("product_id", id).Time("publish_time", msg.PublishTime).Msg("Scheduled invalidation for product event.")
}
