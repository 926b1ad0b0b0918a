package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// EventRow is the BigQuery row shape of an Event.
type EventRow struct {
	EventID   string    `bigquery:"event_id"`
	Kind      string    `bigquery:"kind"`
	ProductID int64     `bigquery:"product_id"`
	UserID    string    `bigquery:"user_id"`
	Name      string    `bigquery:"name"`
	Category  string    `bigquery:"category"`
	Price     float64   `bigquery:"price"`
	Timestamp time.Time `bigquery:"timestamp"`
}

func toRow(e Event) *EventRow {
	row := &EventRow{
		EventID:   e.ID,
		Kind:      string(e.Kind),
		ProductID: e.ProductID,
		UserID:    e.UserID,
		Timestamp: e.Timestamp,
	}
	if e.Product != nil {
		row.Name = e.Product.Name
		row.Category = e.Product.Category
		row.Price = e.Product.Price
	}
	return row
}

// RowInserter is satisfied by *bigquery.Inserter.
type RowInserter interface {
	Put(ctx context.Context, src interface{}) error
}

// BigQueryConfig controls batching for the BigQuery sink.
type BigQueryConfig struct {
	DatasetID     string
	TableID       string
	BatchSize     int
	FlushInterval time.Duration
	InsertTimeout time.Duration
}

// NewBigQueryClient creates a client using Application Default Credentials
// unless a credentials file is provided.
func NewBigQueryClient(ctx context.Context, projectID, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	logger.Info().Str("project_id", projectID).Msg("BigQuery client created successfully.")
	return client, nil
}

// EventTableInserter returns an inserter for the configured table, creating
// the table from the EventRow schema when it does not exist.
func EventTableInserter(ctx context.Context, client *bigquery.Client, cfg BigQueryConfig, logger zerolog.Logger) (*bigquery.Inserter, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	logger = logger.With().Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	table := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := table.Metadata(ctx); err != nil {
		if !strings.Contains(err.Error(), "notFound") {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
		logger.Warn().Msg("BigQuery table not found. Attempting to create with inferred schema.")
		schema, err := bigquery.InferSchema(EventRow{})
		if err != nil {
			return nil, fmt.Errorf("failed to infer event schema: %w", err)
		}
		if err := table.Create(ctx, &bigquery.TableMetadata{Schema: schema}); err != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
		}
		logger.Info().Msg("BigQuery table created successfully.")
	}
	return table.Inserter(), nil
}

// BigQuerySink batches events and streams them into BigQuery. A batch is
// flushed when it reaches BatchSize, when FlushInterval elapses, or on Close.
type BigQuerySink struct {
	inserter RowInserter
	logger   zerolog.Logger
	batcher  *batcher[*EventRow]
}

// NewBigQuerySink creates the sink and starts its batching worker.
func NewBigQuerySink(cfg BigQueryConfig, inserter RowInserter, logger zerolog.Logger) *BigQuerySink {
	s := &BigQuerySink{
		inserter: inserter,
		logger:   logger.With().Str("component", "BigQuerySink").Logger(),
	}
	s.batcher = newBatcher(batcherConfig{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		FlushTimeout:  cfg.InsertTimeout,
	}, s.insert, s.logger)
	return s
}

// Handle hands the event to the batching worker.
func (s *BigQuerySink) Handle(ctx context.Context, e Event) error {
	return s.batcher.add(ctx, toRow(e))
}

func (s *BigQuerySink) insert(ctx context.Context, batch []*EventRow) error {
	err := s.inserter.Put(ctx, batch)
	var multiErr bigquery.PutMultiError
	if errors.As(err, &multiErr) {
		for _, rowErr := range multiErr {
			s.logger.Error().Int("row_index", rowErr.RowIndex).Msgf("BigQuery insert error for row: %v", rowErr.Errors)
		}
	}
	return err
}

// Close flushes buffered rows and stops the worker.
func (s *BigQuerySink) Close(ctx context.Context) error {
	return s.batcher.close(ctx)
}
