package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-catalogcache/pkg/events"
	"github.com/illmade-knight/go-catalogcache/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestPubsubClient(t *testing.T, ctx context.Context) *pubsub.Client {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPubsubSink(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	t.Run("Publishes the event with attributes", func(t *testing.T) {
		// Arrange
		client := newTestPubsubClient(t, ctx)
		topic, err := client.CreateTopic(ctx, "product-events")
		require.NoError(t, err)
		sub, err := client.CreateSubscription(ctx, "product-events-sub", pubsub.SubscriptionConfig{Topic: topic})
		require.NoError(t, err)

		sink, err := events.NewPubsubSink(ctx, client, "product-events", zerolog.Nop())
		require.NoError(t, err)
		sent := events.New(events.KindCreated, 42, &types.Product{ID: 42, Name: "Widget"}, "user-7")

		// Act
		require.NoError(t, sink.Handle(ctx, sent))
		require.NoError(t, sink.Close(ctx))

		// Assert
		receiveCtx, receiveCancel := context.WithTimeout(ctx, 5*time.Second)
		defer receiveCancel()
		var received *pubsub.Message
		err = sub.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			received = msg
			msg.Ack()
			receiveCancel()
		})
		require.NoError(t, err)
		require.NotNil(t, received)

		assert.Equal(t, "created", received.Attributes["kind"])
		assert.Equal(t, "42", received.Attributes["product_id"])
		assert.Equal(t, sent.ID, received.Attributes["event_id"])
		assert.Equal(t, events.Origin, received.Attributes[events.OriginAttribute])

		var decoded events.Event
		require.NoError(t, json.Unmarshal(received.Data, &decoded))
		assert.Equal(t, "user-7", decoded.UserID)
		assert.Equal(t, "Widget", decoded.Product.Name)
	})

	t.Run("Missing topic is rejected", func(t *testing.T) {
		client := newTestPubsubClient(t, ctx)

		_, err := events.NewPubsubSink(ctx, client, "nope", zerolog.Nop())

		assert.ErrorContains(t, err, "does not exist")
	})
}
