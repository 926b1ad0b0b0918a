package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// OriginAttribute names the message attribute that identifies the publisher.
const OriginAttribute = "origin"

// Origin is the OriginAttribute value on every event this service publishes.
const Origin = "catalogservice"

// PubsubSink publishes each event as a JSON message on a Pub/Sub topic.
type PubsubSink struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewPubsubSink verifies topicID exists before returning.
func NewPubsubSink(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) (*PubsubSink, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	return &PubsubSink{
		topic:  topic,
		logger: logger.With().Str("component", "PubsubSink").Str("topic_id", topicID).Logger(),
	}, nil
}

// Handle queues the message and returns; the publish result is logged
// asynchronously.
func (s *PubsubSink) Handle(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", e.ID, err)
	}

	result := s.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"kind":          string(e.Kind),
			"product_id":    strconv.FormatInt(e.ProductID, 10),
			"event_id":      e.ID,
			OriginAttribute: Origin,
		},
	})

	go func() {
		getCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msgID, err := result.Get(getCtx)
		if err != nil {
			s.logger.Error().Err(err).Str("event_id", e.ID).Msg("Failed to publish event.")
			return
		}
		s.logger.Debug().Str("published_msg_id", msgID).Str("event_id", e.ID).Msg("Event published.")
	}()
	return nil
}

// Close flushes pending messages, respecting the context's timeout.
func (s *PubsubSink) Close(ctx context.Context) error {
	stopDone := make(chan struct{})
	go func() {
		s.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
