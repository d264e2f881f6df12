// Package sheets implements a Google Sheets source connector. Each stream
// maps to one sheet tab; the first row is treated as the header. Sheets has
// no server-side ordering or change feed, so every fetch is a full snapshot
// and the cursor records the extraction time.
package sheets

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/strataflow/strataflow/pkg/config"
	"github.com/strataflow/strataflow/pkg/connector/base"
	"github.com/strataflow/strataflow/pkg/connector/core"
	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/models"
	"github.com/strataflow/strataflow/pkg/pool"
)

// SheetsSource implements core.Source for Google Sheets spreadsheets.
type SheetsSource struct {
	*base.BaseConnector

	spreadsheetID string
	batchSize     int
	service       *sheets.Service

	mu            sync.RWMutex
	isInitialized bool
	recordsRead   int64
}

// NewSheetsSource creates a new Google Sheets source connector.
func NewSheetsSource(cfg *config.ConnectorConfig) (core.Source, error) {
	return &SheetsSource{
		BaseConnector: base.NewBaseConnector("sheets"),
		batchSize:     1000,
	}, nil
}

// Initialize validates parameters and builds the Sheets API client.
func (s *SheetsSource) Initialize(ctx context.Context, cfg *config.ConnectorConfig) error {
	if err := s.BaseConnector.Initialize(ctx, cfg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isInitialized {
		return errors.New(errors.ErrorTypeValidation, "source already initialized")
	}

	params := cfg.Connection.Params
	s.spreadsheetID = params["spreadsheet_id"]
	if s.spreadsheetID == "" {
		return errors.New(errors.ErrorTypeConfig, "spreadsheet_id is required in connection.params")
	}
	if cfg.Performance.BatchSize > 0 {
		s.batchSize = cfg.Performance.BatchSize
	}

	var opts []option.ClientOption
	switch cfg.Connection.AuthType {
	case "api_key":
		key := params["api_key"]
		if key == "" {
			return errors.New(errors.ErrorTypeConfig, "api_key auth requires api_key in connection.params")
		}
		opts = append(opts, option.WithAPIKey(key))
	case "service_account", "":
		switch {
		case params["credentials_json"] != "":
			opts = append(opts, option.WithCredentialsJSON([]byte(params["credentials_json"])))
		case params["credentials_file"] != "":
			opts = append(opts, option.WithCredentialsFile(params["credentials_file"]))
		default:
			return errors.New(errors.ErrorTypeConfig, "service_account auth requires credentials_json or credentials_file")
		}
		opts = append(opts, option.WithScopes(sheets.SpreadsheetsReadonlyScope))
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unsupported auth_type %q", cfg.Connection.AuthType)
	}

	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeAuthentication, "failed to create Sheets client")
	}
	s.service = svc
	s.isInitialized = true

	s.GetLogger().Info("Google Sheets source initialized",
		zap.String("spreadsheet_id", s.spreadsheetID))

	return nil
}

// TestConnection verifies the spreadsheet is reachable with the configured
// credentials.
func (s *SheetsSource) TestConnection(ctx context.Context) error {
	s.mu.RLock()
	svc := s.service
	s.mu.RUnlock()

	if svc == nil {
		return errors.New(errors.ErrorTypeConnection, "Sheets client not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, s.GetConfig().ConnectionTimeout())
	defer cancel()

	_, err := svc.Spreadsheets.Get(s.spreadsheetID).
		Fields("spreadsheetId").
		Context(ctx).
		Do()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "connection test failed")
	}
	return nil
}

// GetSchema reads the header row and a small sample of data rows from the
// tab and infers column types.
func (s *SheetsSource) GetSchema(ctx context.Context, stream string) (*core.Schema, error) {
	header, rows, err := s.readRange(ctx, stream, fmt.Sprintf("%s!1:50", stream))
	if err != nil {
		return nil, err
	}
	if len(header) == 0 {
		return nil, errors.Newf(errors.ErrorTypeSchema, "tab %s has no header row", stream)
	}

	fields := make([]core.Field, 0, len(header))
	for i, name := range header {
		fieldType := core.FieldTypeString
		for _, row := range rows {
			if i < len(row) && row[i] != nil && row[i] != "" {
				fieldType = core.InferFieldType(row[i])
				break
			}
		}
		fields = append(fields, core.Field{
			Name:     name,
			Type:     fieldType,
			Nullable: true,
		})
	}

	return &core.Schema{
		Stream:       stream,
		Fields:       fields,
		DiscoveredAt: time.Now(),
	}, nil
}

// Fetch reads the whole tab. The incoming cursor is ignored: a spreadsheet
// cannot report which rows changed, so every run re-extracts the full
// snapshot and the downstream dedup absorbs the unchanged rows.
func (s *SheetsSource) Fetch(ctx context.Context, stream string, cursor core.Cursor) (*core.BatchStream, error) {
	s.mu.RLock()
	if !s.isInitialized {
		s.mu.RUnlock()
		return nil, errors.New(errors.ErrorTypeValidation, "source not initialized")
	}
	s.mu.RUnlock()

	batchChan := make(chan []*models.Record, s.GetConfig().Performance.BufferSize)
	errorChan := make(chan error, 1)

	go func() {
		defer close(batchChan)
		defer close(errorChan)

		if err := s.streamSnapshot(ctx, stream, batchChan); err != nil {
			errorChan <- err
		}
	}()

	return &core.BatchStream{
		Batches: batchChan,
		Errors:  errorChan,
	}, nil
}

func (s *SheetsSource) streamSnapshot(ctx context.Context, stream string, batchChan chan<- []*models.Record) error {
	var header []string
	var rows [][]interface{}
	if err := s.ExecuteWithRetry(ctx, func() error {
		var err error
		header, rows, err = s.readRange(ctx, stream, stream)
		return err
	}); err != nil {
		return err
	}
	if len(header) == 0 {
		return errors.Newf(errors.ErrorTypeSchema, "tab %s has no header row", stream)
	}

	extractedAt := time.Now()
	snapshotCursor := core.CursorValueString(extractedAt)
	batch := pool.GetBatchSlice(s.batchSize)

	for _, row := range rows {
		record := models.NewRecord("sheets")
		record.Metadata.Stream = stream
		record.SetTimestamp(extractedAt)
		record.Metadata.CursorValue = snapshotCursor
		for i, name := range header {
			if i < len(row) {
				record.SetData(name, row[i])
			} else {
				record.SetData(name, nil)
			}
		}

		batch = append(batch, record)
		s.mu.Lock()
		s.recordsRead++
		s.mu.Unlock()

		if len(batch) >= s.batchSize {
			select {
			case batchChan <- batch:
				batch = pool.GetBatchSlice(s.batchSize)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if len(batch) > 0 {
		select {
		case batchChan <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// readRange fetches a value range and splits off the header row. Header
// cells are stringified and blank names get positional fallbacks.
func (s *SheetsSource) readRange(ctx context.Context, stream, valueRange string) ([]string, [][]interface{}, error) {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, valueRange).
		ValueRenderOption("UNFORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		if strings.Contains(err.Error(), "Unable to parse range") {
			return nil, nil, errors.Wrapf(err, errors.ErrorTypeSchema, "tab %s not found", stream)
		}
		return nil, nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read spreadsheet values")
	}
	if len(resp.Values) == 0 {
		return nil, nil, nil
	}

	header := make([]string, len(resp.Values[0]))
	for i, cell := range resp.Values[0] {
		name := strings.TrimSpace(fmt.Sprintf("%v", cell))
		if name == "" || name == "<nil>" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		header[i] = name
	}

	return header, resp.Values[1:], nil
}

// MaxCursor returns the snapshot timestamp stamped on the batch.
func (s *SheetsSource) MaxCursor(stream string, batch []*models.Record) core.Cursor {
	return core.MaxCursorOfBatch(batch)
}

// SupportsIncremental reports that Sheets cannot filter by cursor; runs are
// always full snapshots.
func (s *SheetsSource) SupportsIncremental() bool {
	return false
}

// Close releases the Sheets client.
func (s *SheetsSource) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.service = nil
	s.isInitialized = false

	s.GetLogger().Info("Google Sheets source closed", zap.Int64("records_read", s.recordsRead))
	return s.BaseConnector.Close(ctx)
}
