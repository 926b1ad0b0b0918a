package events

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ObjectStore abstracts the parts of *storage.Client the archive writes
// through, so uploads can be tested without a bucket.
type ObjectStore interface {
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
}

type gcsObjectStore struct {
	client *storage.Client
}

// NewGCSObjectStore adapts client to ObjectStore.
func NewGCSObjectStore(client *storage.Client) ObjectStore {
	return &gcsObjectStore{client: client}
}

func (s *gcsObjectStore) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	w.ContentEncoding = "gzip"
	return w
}

// ArchiveConfig controls the GCS archive sink.
type ArchiveConfig struct {
	BucketName    string
	ObjectPrefix  string
	BatchSize     int
	FlushInterval time.Duration
	UploadTimeout time.Duration
}

// ArchiveSink writes batches of events to Cloud Storage as gzipped JSON
// lines, one object per UTC day present in the batch:
// <prefix>/YYYY/MM/DD/<uuid>.jsonl.gz.
type ArchiveSink struct {
	cfg     ArchiveConfig
	store   ObjectStore
	logger  zerolog.Logger
	batcher *batcher[Event]
}

// NewArchiveSink creates the sink and starts its batching worker.
func NewArchiveSink(cfg ArchiveConfig, store ObjectStore, logger zerolog.Logger) (*ArchiveSink, error) {
	if store == nil {
		return nil, errors.New("object store cannot be nil")
	}
	if cfg.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	s := &ArchiveSink{
		cfg:    cfg,
		store:  store,
		logger: logger.With().Str("component", "ArchiveSink").Str("bucket", cfg.BucketName).Logger(),
	}
	s.batcher = newBatcher(batcherConfig{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		FlushTimeout:  cfg.UploadTimeout,
	}, s.upload, s.logger)
	return s, nil
}

// Handle hands the event to the batching worker.
func (s *ArchiveSink) Handle(ctx context.Context, e Event) error {
	return s.batcher.add(ctx, e)
}

// Close flushes buffered events and stops the worker.
func (s *ArchiveSink) Close(ctx context.Context) error {
	return s.batcher.close(ctx)
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006/01/02")
}

func (s *ArchiveSink) upload(ctx context.Context, batch []Event) error {
	groups := make(map[string][]Event)
	for _, e := range batch {
		key := dayKey(e.Timestamp)
		groups[key] = append(groups[key], e)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, key := range keys {
		if err := s.uploadGroup(ctx, key, groups[key]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *ArchiveSink) uploadGroup(ctx context.Context, key string, group []Event) error {
	objectName := path.Join(s.cfg.ObjectPrefix, key, uuid.NewString()+".jsonl.gz")
	w := s.store.NewWriter(ctx, s.cfg.BucketName, objectName)

	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)
	var err error
	for _, e := range group {
		if err = enc.Encode(e); err != nil {
			err = fmt.Errorf("json encoding failed for %s: %w", objectName, err)
			break
		}
	}
	if gzErr := gz.Close(); err == nil && gzErr != nil {
		err = fmt.Errorf("failed to compress %s: %w", objectName, gzErr)
	}
	// Closing the writer finalises the upload.
	if closeErr := w.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}
	if err != nil {
		return err
	}

	s.logger.Info().Str("object_name", objectName).Int("record_count", len(group)).Msg("Archived event batch.")
	return nil
}
