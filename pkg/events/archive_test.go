package events_test

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-catalogcache/pkg/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memObject struct {
	bytes.Buffer
	store *memStore
	name  string
}

func (o *memObject) Close() error {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	if o.store.closeErr != nil {
		return o.store.closeErr
	}
	o.store.objects[o.name] = o.Bytes()
	return nil
}

// memStore keeps finished objects in memory, keyed by bucket/object.
type memStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	closeErr error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) NewWriter(_ context.Context, bucket, object string) io.WriteCloser {
	return &memObject{store: s, name: bucket + "/" + object}
}

func (s *memStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.objects))
	for n := range s.objects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *memStore) Events(t *testing.T, name string) []events.Event {
	t.Helper()
	s.mu.Lock()
	data := s.objects[name]
	s.mu.Unlock()

	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	var out []events.Event
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		var e events.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, scanner.Err())
	return out
}

func eventAt(id int64, ts time.Time) events.Event {
	e := events.New(events.KindUpdated, id, nil, "alice")
	e.Timestamp = ts
	return e
}

func TestArchiveSink(t *testing.T) {
	ctx := context.Background()

	t.Run("Requires a bucket", func(t *testing.T) {
		_, err := events.NewArchiveSink(events.ArchiveConfig{}, newMemStore(), zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("Groups a batch by UTC day", func(t *testing.T) {
		// Arrange
		store := newMemStore()
		sink, err := events.NewArchiveSink(events.ArchiveConfig{
			BucketName:    "archive",
			ObjectPrefix:  "product-events",
			BatchSize:     3,
			FlushInterval: time.Hour,
		}, store, zerolog.Nop())
		require.NoError(t, err)
		day1 := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
		day2 := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)

		// Act
		require.NoError(t, sink.Handle(ctx, eventAt(1, day1)))
		require.NoError(t, sink.Handle(ctx, eventAt(2, day2)))
		require.NoError(t, sink.Handle(ctx, eventAt(3, day1)))
		require.Eventually(t, func() bool { return len(store.Names()) == 2 }, time.Second, 5*time.Millisecond)
		require.NoError(t, sink.Close(ctx))

		// Assert
		names := store.Names()
		assert.True(t, strings.HasPrefix(names[0], "archive/product-events/2026/03/01/"))
		assert.True(t, strings.HasSuffix(names[0], ".jsonl.gz"))
		assert.True(t, strings.HasPrefix(names[1], "archive/product-events/2026/03/02/"))

		first := store.Events(t, names[0])
		require.Len(t, first, 2)
		assert.Equal(t, int64(1), first[0].ProductID)
		assert.Equal(t, int64(3), first[1].ProductID)
		assert.Equal(t, "alice", first[0].UserID)
	})

	t.Run("Close flushes the partial batch", func(t *testing.T) {
		store := newMemStore()
		sink, err := events.NewArchiveSink(events.ArchiveConfig{BucketName: "archive", BatchSize: 100, FlushInterval: time.Hour}, store, zerolog.Nop())
		require.NoError(t, err)

		require.NoError(t, sink.Handle(ctx, eventAt(7, time.Now())))
		require.NoError(t, sink.Close(ctx))

		assert.Len(t, store.Names(), 1)
	})

	t.Run("Upload failures are logged and dropped", func(t *testing.T) {
		store := newMemStore()
		store.closeErr = errors.New("permission denied")
		sink, err := events.NewArchiveSink(events.ArchiveConfig{BucketName: "archive", BatchSize: 1, FlushInterval: time.Hour}, store, zerolog.Nop())
		require.NoError(t, err)

		require.NoError(t, sink.Handle(ctx, eventAt(1, time.Now())))
		assert.NoError(t, sink.Close(ctx))
		assert.Empty(t, store.Names())
	})

	t.Run("Handle after close is rejected", func(t *testing.T) {
		sink, err := events.NewArchiveSink(events.ArchiveConfig{BucketName: "archive"}, newMemStore(), zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, sink.Close(ctx))

		assert.Error(t, sink.Handle(ctx, eventAt(1, time.Now())))
	})
}
