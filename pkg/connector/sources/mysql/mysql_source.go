// Package mysql implements the relational-database source connector for
// MySQL/MariaDB over database/sql. It follows the same keyset-pagination
// discipline as the PostgreSQL connector.
package mysql

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql" // database/sql driver
	"go.uber.org/zap"

	"github.com/strataflow/strataflow/pkg/config"
	"github.com/strataflow/strataflow/pkg/connector/base"
	"github.com/strataflow/strataflow/pkg/connector/core"
	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/models"
	"github.com/strataflow/strataflow/pkg/pool"
)

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// MySQLSource implements core.Source for MySQL.
type MySQLSource struct {
	*base.BaseConnector

	dsn       string
	batchSize int

	db *sql.DB

	mu            sync.RWMutex
	isInitialized bool
	recordsRead   int64
}

// NewMySQLSource creates a new MySQL source connector.
func NewMySQLSource(cfg *config.ConnectorConfig) (core.Source, error) {
	return &MySQLSource{
		BaseConnector: base.NewBaseConnector("mysql"),
		batchSize:     1000,
	}, nil
}

// Initialize opens the database handle and validates connectivity.
func (s *MySQLSource) Initialize(ctx context.Context, cfg *config.ConnectorConfig) error {
	if err := s.BaseConnector.Initialize(ctx, cfg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isInitialized {
		return errors.New(errors.ErrorTypeValidation, "source already initialized")
	}

	s.dsn = cfg.Connection.Params["dsn"]
	if s.dsn == "" {
		return errors.New(errors.ErrorTypeConfig, "dsn is required in connection.params")
	}
	if cfg.Performance.BatchSize > 0 {
		s.batchSize = cfg.Performance.BatchSize
	}

	db, err := sql.Open("mysql", s.dsn)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse DSN")
	}
	db.SetMaxOpenConns(cfg.Performance.MaxConcurrency)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := s.ExecuteWithRetry(ctx, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout())
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to reach MySQL")
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	s.isInitialized = true

	s.GetLogger().Info("MySQL source initialized", zap.Int("batch_size", s.batchSize))
	return nil
}

// TestConnection verifies reachability without side effects.
func (s *MySQLSource) TestConnection(ctx context.Context) error {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	if db == nil {
		return errors.New(errors.ErrorTypeConnection, "database handle not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, s.GetConfig().ConnectionTimeout())
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "connection test failed")
	}
	return nil
}

// GetSchema returns the ordered column list from information_schema.
func (s *MySQLSource) GetSchema(ctx context.Context, stream string) (*core.Schema, error) {
	if !identPattern.MatchString(stream) {
		return nil, errors.Newf(errors.ErrorTypeSchema, "invalid stream name %q", stream)
	}

	query := `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position
	`

	rows, err := s.db.QueryContext(ctx, query, stream)
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
			Type:     mapMySQLType(dataType),
			Nullable: strings.EqualFold(isNullable, "YES"),
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

// Fetch yields record batches, restricted to rows after the cursor when a
// cursor column is configured.
func (s *MySQLSource) Fetch(ctx context.Context, stream string, cursor core.Cursor) (*core.BatchStream, error) {
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

	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(stream)
	var args []interface{}
	if cursorField != "" {
		if !cursor.IsZero() {
			sb.WriteString(" WHERE ")
			sb.WriteString(cursorField)
			sb.WriteString(" > ?")
			args = append(args, cursor.String())
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(cursorField)
	}
	query := sb.String()

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

func (s *MySQLSource) streamBatches(ctx context.Context, stream, query string, args []interface{}, cursorField string, batchChan chan<- []*models.Record) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to execute fetch query")
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to read result columns")
	}

	values := make([]interface{}, len(columns))
	scanTargets := make([]interface{}, len(columns))
	for i := range values {
		scanTargets[i] = &values[i]
	}

	batch := pool.GetBatchSlice(s.batchSize)

	for rows.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := rows.Scan(scanTargets...); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to scan row")
		}

		record := models.NewRecord("mysql")
		record.Metadata.Stream = stream
		record.SetTimestamp(time.Now())
		for i, col := range columns {
			v := convertValue(values[i])
			record.SetData(col, v)
			if cursorField != "" && col == cursorField {
				record.Metadata.CursorValue = core.CursorValueString(v)
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
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "row stream interrupted")
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

// MaxCursor extracts the high-water mark from a batch.
func (s *MySQLSource) MaxCursor(stream string, batch []*models.Record) core.Cursor {
	return core.MaxCursorOfBatch(batch)
}

// SupportsIncremental reports cursor support.
func (s *MySQLSource) SupportsIncremental() bool {
	return true
}

// Close closes the database handle.
func (s *MySQLSource) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.GetLogger().Error("failed to close database handle", zap.Error(err))
		}
		s.db = nil
	}
	s.isInitialized = false

	s.GetLogger().Info("MySQL source closed", zap.Int64("records_read", s.recordsRead))
	return s.BaseConnector.Close(ctx)
}

// mapMySQLType maps MySQL data types to core field types.
func mapMySQLType(mysqlType string) core.FieldType {
	switch strings.ToLower(mysqlType) {
	case "tinyint", "smallint", "mediumint", "int", "bigint":
		return core.FieldTypeInt
	case "decimal", "float", "double":
		return core.FieldTypeFloat
	case "bit":
		return core.FieldTypeBool
	case "date", "datetime", "timestamp", "time":
		return core.FieldTypeTimestamp
	case "json":
		return core.FieldTypeJSON
	case "blob", "tinyblob", "mediumblob", "longblob", "binary", "varbinary":
		return core.FieldTypeBinary
	default:
		return core.FieldTypeString
	}
}

// convertValue normalizes driver values; the MySQL driver returns []byte
// for most text and numeric columns.
func convertValue(value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return string(v)
	default:
		return v
	}
}
