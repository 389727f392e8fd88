package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/illmade-knight/go-openalex-ingest/pkg/dispatch"
)

// BigQueryConfig holds configuration for the BigQuery sink.
type BigQueryConfig struct {
	ProjectID       string
	DatasetID       string
	TableID         string
	CredentialsFile string // optional; ADC is used when empty
}

// BigQuerySink streams batches into a BigQuery table with insertAll. The
// insert API reports failures per row, which maps directly onto the
// dispatcher's partial-failure protocol. The insert ID is taken from each
// record's _LOAD_ID so endpoint-side retries stay best-effort deduplicated.
type BigQuerySink struct {
	client   *bigquery.Client
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewBigQuerySink creates a client, verifies the target table exists, and
// returns the sink. Unlike a schema-inferring inserter, the warehouse table
// is provisioned out-of-band, so a missing table is a configuration problem
// surfaced at startup rather than something to create here.
func NewBigQuerySink(ctx context.Context, cfg BigQueryConfig, logger zerolog.Logger) (*BigQuerySink, error) {
	if cfg.ProjectID == "" || cfg.DatasetID == "" || cfg.TableID == "" {
		return nil, errors.New("bigquery sink requires project, dataset and table IDs")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}

	logger = logger.With().Str("component", "BigQuerySink").
		Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := tableRef.Metadata(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("verifying BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
	}
	logger.Info().Msg("Connected to existing BigQuery table.")

	return &BigQuerySink{
		client:   client,
		inserter: tableRef.Inserter(),
		logger:   logger,
	}, nil
}

// Name identifies the sink in logs and errors.
func (s *BigQuerySink) Name() string { return "bigquery" }

// Put inserts the records and maps row-level insert errors back onto their
// input positions. Records that do not decode as JSON objects are rejected
// locally without an endpoint round trip.
func (s *BigQuerySink) Put(ctx context.Context, records [][]byte) ([]dispatch.RecordResult, error) {
	results := make([]dispatch.RecordResult, len(records))
	rows := make([]*jsonRow, 0, len(records))
	rowToInput := make([]int, 0, len(records))

	for i, rec := range records {
		row, err := newJSONRow(rec)
		if err != nil {
			results[i] = dispatch.RecordResult{Reason: fmt.Sprintf("malformed payload: %v", err)}
			continue
		}
		results[i] = dispatch.RecordResult{Accepted: true}
		rows = append(rows, row)
		rowToInput = append(rowToInput, i)
	}
	if len(rows) == 0 {
		return results, nil
	}

	err := s.inserter.Put(ctx, rows)
	if err == nil {
		return results, nil
	}

	var multiErr bigquery.PutMultiError
	if !errors.As(err, &multiErr) {
		return nil, fmt.Errorf("bigquery Inserter.Put: %w", err)
	}
	for _, rowErr := range multiErr {
		if rowErr.RowIndex < 0 || rowErr.RowIndex >= len(rowToInput) {
			continue
		}
		idx := rowToInput[rowErr.RowIndex]
		results[idx] = dispatch.RecordResult{Reason: fmt.Sprintf("insert error: %v", rowErr.Errors)}
	}
	s.logger.Warn().Int("failed_rows", len(multiErr)).Int("records", len(records)).Msg("BigQuery batch had per-row failures.")
	return results, nil
}

// Close releases the BigQuery client.
func (s *BigQuerySink) Close() error { return s.client.Close() }

// jsonRow adapts one serialized envelope to the inserter's ValueSaver.
type jsonRow struct {
	values   map[string]bigquery.Value
	insertID string
}

func newJSONRow(data []byte) (*jsonRow, error) {
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, err
	}
	values := make(map[string]bigquery.Value, len(decoded))
	var insertID string
	for k, v := range decoded {
		if k == "_LOAD_ID" {
			if s, ok := v.(string); ok {
				insertID = s
			}
		}
		values[k] = v
	}
	return &jsonRow{values: values, insertID: insertID}, nil
}

// Save implements bigquery.ValueSaver.
func (r *jsonRow) Save() (map[string]bigquery.Value, string, error) {
	return r.values, r.insertID, nil
}
