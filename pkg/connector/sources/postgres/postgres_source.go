// Package postgres implements the relational-database source connector for
// PostgreSQL. Incremental syncs use keyset pagination on the configured
// cursor column; streams without a cursor column are read as full snapshots.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/strataflow/strataflow/pkg/config"
	"github.com/strataflow/strataflow/pkg/connector/base"
	"github.com/strataflow/strataflow/pkg/connector/core"
	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/models"
	"github.com/strataflow/strataflow/pkg/pool"
)

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.]*$`)

// PostgresSource implements core.Source for PostgreSQL.
type PostgresSource struct {
	*base.BaseConnector

	connectionStr string
	batchSize     int

	db         *pgxpool.Pool
	poolConfig *pgxpool.Config

	mu            sync.RWMutex
	isInitialized bool
	recordsRead   int64
}

// NewPostgresSource creates a new PostgreSQL source connector.
func NewPostgresSource(cfg *config.ConnectorConfig) (core.Source, error) {
	return &PostgresSource{
		BaseConnector: base.NewBaseConnector("postgres"),
		batchSize:     1000,
	}, nil
}

// Initialize sets up the connection pool and validates connectivity.
func (s *PostgresSource) Initialize(ctx context.Context, cfg *config.ConnectorConfig) error {
	if err := s.BaseConnector.Initialize(ctx, cfg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isInitialized {
		return errors.New(errors.ErrorTypeValidation, "source already initialized")
	}

	if err := s.parseConfig(cfg); err != nil {
		return err
	}

	if err := s.ExecuteWithRetry(ctx, func() error {
		return s.setupPool(ctx)
	}); err != nil {
		return err
	}

	s.isInitialized = true

	s.GetLogger().Info("PostgreSQL source initialized",
		zap.Int("batch_size", s.batchSize),
		zap.Int32("max_connections", s.poolConfig.MaxConns))

	return nil
}

func (s *PostgresSource) parseConfig(cfg *config.ConnectorConfig) error {
	dsn := cfg.Connection.Params["dsn"]
	if dsn == "" {
		return errors.New(errors.ErrorTypeConfig, "dsn is required in connection.params")
	}
	s.connectionStr = dsn

	if cfg.Performance.BatchSize > 0 {
		s.batchSize = cfg.Performance.BatchSize
	}
	return nil
}

func (s *PostgresSource) setupPool(ctx context.Context) error {
	var err error

	s.poolConfig, err = pgxpool.ParseConfig(s.connectionStr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse connection string")
	}

	cfg := s.GetConfig()
	s.poolConfig.MaxConns = int32(cfg.Performance.MaxConcurrency)
	if s.poolConfig.MaxConns <= 0 {
		s.poolConfig.MaxConns = 4
	}
	s.poolConfig.MaxConnLifetime = time.Hour
	s.poolConfig.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout())
	defer cancel()

	s.db, err = pgxpool.NewWithConfig(connectCtx, s.poolConfig)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create connection pool")
	}

	if err := s.db.Ping(connectCtx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to reach PostgreSQL")
	}

	return nil
}

// TestConnection verifies reachability without side effects.
func (s *PostgresSource) TestConnection(ctx context.Context) error {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	if db == nil {
		return errors.New(errors.ErrorTypeConnection, "connection pool not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, s.GetConfig().ConnectionTimeout())
	defer cancel()

	var result int
	if err := db.QueryRow(ctx, "SELECT 1").Scan(&result); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "connection test failed")
	}
	return nil
}

// GetSchema returns the ordered column list for a table from
// information_schema.
func (s *PostgresSource) GetSchema(ctx context.Context, stream string) (*core.Schema, error) {
	if !identPattern.MatchString(stream) {
		return nil, errors.Newf(errors.ErrorTypeSchema, "invalid stream name %q", stream)
	}

	schemaName := "public"
	tableName := stream
	if parts := strings.SplitN(stream, ".", 2); len(parts) == 2 {
		schemaName = parts[0]
		tableName = parts[1]
	}

	query := `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`

	rows, err := s.db.Query(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to query table schema")
	}
	defer rows.Close()

	fields := make([]core.Field, 0)
	for rows.Next() {
		var columnName, dataType, isNullable string
		if err := rows.Scan(&columnName, &dataType, &isNullable); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to scan schema row")
		}
		fields = append(fields, core.Field{
			Name:     columnName,
			Type:     mapPostgresType(dataType),
			Nullable: isNullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "error iterating schema rows")
	}

	if len(fields) == 0 {
		return nil, errors.Newf(errors.ErrorTypeSchema, "table %s not found or has no columns", stream)
	}

	return &core.Schema{
		Stream:       stream,
		Fields:       fields,
		DiscoveredAt: time.Now(),
	}, nil
}

// Fetch yields record batches for a table, restricted to rows after the
// cursor when a cursor column is configured.
func (s *PostgresSource) Fetch(ctx context.Context, stream string, cursor core.Cursor) (*core.BatchStream, error) {
	s.mu.RLock()
	if !s.isInitialized {
		s.mu.RUnlock()
		return nil, errors.New(errors.ErrorTypeValidation, "source not initialized")
	}
	s.mu.RUnlock()

	if !identPattern.MatchString(stream) {
		return nil, errors.Newf(errors.ErrorTypeSchema, "invalid stream name %q", stream)
	}

	streamCfg := s.GetConfig().Stream(stream)
	if streamCfg == nil {
		return nil, errors.Newf(errors.ErrorTypeSchema, "stream %s not configured", stream)
	}
	cursorField := streamCfg.CursorField
	if cursorField != "" && !identPattern.MatchString(cursorField) {
		return nil, errors.Newf(errors.ErrorTypeConfig, "invalid cursor field %q", cursorField)
	}

	query, args := buildFetchQuery(stream, cursorField, cursor)

	batchChan := make(chan []*models.Record, s.GetConfig().Performance.BufferSize)
	errorChan := make(chan error, 1)

	go func() {
		defer close(batchChan)
		defer close(errorChan)

		if err := s.ExecuteWithRetry(ctx, func() error {
			return s.streamBatches(ctx, stream, query, args, cursorField, batchChan)
		}); err != nil {
			errorChan <- err
		}
	}()

	return &core.BatchStream{
		Batches: batchChan,
		Errors:  errorChan,
	}, nil
}

func buildFetchQuery(stream, cursorField string, cursor core.Cursor) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(stream)

	var args []interface{}
	if cursorField != "" {
		if !cursor.IsZero() {
			sb.WriteString(" WHERE ")
			sb.WriteString(cursorField)
			sb.WriteString(" > $1")
			args = append(args, cursor.String())
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(cursorField)
	}
	return sb.String(), args
}

func (s *PostgresSource) streamBatches(ctx context.Context, stream, query string, args []interface{}, cursorField string, batchChan chan<- []*models.Record) error {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to execute fetch query")
	}
	defer rows.Close()

	columns := make([]string, len(rows.FieldDescriptions()))
	for i, fd := range rows.FieldDescriptions() {
		columns[i] = fd.Name
	}

	batch := pool.GetBatchSlice(s.batchSize)

	for rows.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		record, err := s.scanRowToRecord(rows, columns, stream, cursorField)
		if err != nil {
			return err
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
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "row stream interrupted")
	}

	// Send final partial batch
	if len(batch) > 0 {
		select {
		case batchChan <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (s *PostgresSource) scanRowToRecord(rows pgx.Rows, columns []string, stream, cursorField string) (*models.Record, error) {
	values, err := rows.Values()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to get row values")
	}

	record := models.NewRecord("postgres")
	record.Metadata.Stream = stream
	record.SetTimestamp(time.Now())

	for i, value := range values {
		if i >= len(columns) {
			break
		}
		record.SetData(columns[i], convertValue(value))
		if cursorField != "" && columns[i] == cursorField {
			record.Metadata.CursorValue = core.CursorValueString(value)
		}
	}

	return record, nil
}

// MaxCursor extracts the high-water mark from a batch. Output is ordered by
// the cursor column, so the scan in MaxCursorOfBatch terminates at the
// batch's true maximum.
func (s *PostgresSource) MaxCursor(stream string, batch []*models.Record) core.Cursor {
	return core.MaxCursorOfBatch(batch)
}

// SupportsIncremental reports cursor support; actual use depends on each
// stream having a cursor_field configured.
func (s *PostgresSource) SupportsIncremental() bool {
	return true
}

// Close closes the connection pool.
func (s *PostgresSource) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	s.isInitialized = false

	s.GetLogger().Info("PostgreSQL source closed", zap.Int64("records_read", s.recordsRead))
	return s.BaseConnector.Close(ctx)
}

// mapPostgresType maps PostgreSQL data types to core field types.
func mapPostgresType(pgType string) core.FieldType {
	switch pgType {
	case "integer", "bigint", "smallint", "serial", "bigserial":
		return core.FieldTypeInt
	case "numeric", "decimal", "real", "double precision":
		return core.FieldTypeFloat
	case "boolean":
		return core.FieldTypeBool
	case "timestamp", "timestamp without time zone", "timestamp with time zone", "timestamptz", "date", "time":
		return core.FieldTypeTimestamp
	case "json", "jsonb":
		return core.FieldTypeJSON
	case "bytea":
		return core.FieldTypeBinary
	default:
		return core.FieldTypeString
	}
}

// convertValue normalizes driver values to plain Go types.
func convertValue(value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case [16]byte: // uuid
		return fmt.Sprintf("%x-%x-%x-%x-%x", v[0:4], v[4:6], v[6:8], v[8:10], v[10:16])
	case []byte:
		return string(v)
	default:
		return v
	}
}
