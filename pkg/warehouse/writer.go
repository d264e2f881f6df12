// Package warehouse implements the layered destination writer. Each
// (connector, stream) pair owns three SQLite tables: an append-only raw
// layer, a validated layer carrying enrichment annotations, and a business
// layer versioned as SCD2. Tables and columns are created lazily from the
// first batch; later batches may add columns but never change types.
package warehouse

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/strataflow/strataflow/pkg/connector/core"
	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/logger"
	"github.com/strataflow/strataflow/pkg/models"
)

// Layer identifies one of the three storage layers.
type Layer string

const (
	LayerRaw       Layer = "raw"
	LayerValidated Layer = "validated"
	LayerBusiness  Layer = "business"
)

// ValidatedAnnotations carries the enrichment results stamped onto every
// row of a validated batch.
type ValidatedAnnotations struct {
	PIIFlags     []string
	QualityScore float64
	Degraded     bool
}

// Writer writes record batches into the layered warehouse tables.
type Writer struct {
	db     *sql.DB
	logger *zap.Logger

	// ddlMu serializes table creation and column discovery
	ddlMu   sync.Mutex
	columns map[string]map[string]bool
}

// NewWriter creates a layered writer over the given database handle.
func NewWriter(db *sql.DB) *Writer {
	return &Writer{
		db:      db,
		logger:  logger.Get().With(zap.String("component", "warehouse")),
		columns: make(map[string]map[string]bool),
	}
}

// WriteRaw appends a batch to the raw layer. Rows are deduplicated on
// content hash, so re-running an extraction does not duplicate data.
func (w *Writer) WriteRaw(ctx context.Context, connectorID, stream string, batch []*models.Record) (int64, error) {
	table := TableName(LayerRaw, connectorID, stream)
	meta := []columnDef{
		{"_run_id", "TEXT"},
		{"_row_hash", "TEXT"},
		{"_extracted_at", "TIMESTAMP"},
		{"_source", "TEXT"},
		{"_stream", "TEXT"},
	}

	if err := w.ensureTable(ctx, table, meta, batch, "_row_hash"); err != nil {
		return 0, err
	}

	return w.insertBatch(ctx, table, batch, func(r *models.Record) map[string]interface{} {
		return map[string]interface{}{
			"_run_id":       r.Metadata.RunID,
			"_row_hash":     RowHash(r),
			"_extracted_at": r.Metadata.ExtractedAt.UTC(),
			"_source":       r.Metadata.Source,
			"_stream":       r.Metadata.Stream,
		}
	})
}

// WriteValidated writes an enriched batch to the validated layer with its
// annotations. Deduplicated on content hash like the raw layer.
func (w *Writer) WriteValidated(ctx context.Context, connectorID, stream string, batch []*models.Record, ann ValidatedAnnotations) (int64, error) {
	table := TableName(LayerValidated, connectorID, stream)
	meta := []columnDef{
		{"_run_id", "TEXT"},
		{"_row_hash", "TEXT"},
		{"_extracted_at", "TIMESTAMP"},
		{"_source", "TEXT"},
		{"_stream", "TEXT"},
		{"_pii_flags", "TEXT"},
		{"_quality_score", "REAL"},
		{"_degraded", "INTEGER"},
	}

	if err := w.ensureTable(ctx, table, meta, batch, "_row_hash"); err != nil {
		return 0, err
	}

	piiFlags := strings.Join(ann.PIIFlags, ",")
	degraded := 0
	if ann.Degraded {
		degraded = 1
	}

	return w.insertBatch(ctx, table, batch, func(r *models.Record) map[string]interface{} {
		return map[string]interface{}{
			"_run_id":        r.Metadata.RunID,
			"_row_hash":      RowHash(r),
			"_extracted_at":  r.Metadata.ExtractedAt.UTC(),
			"_source":        r.Metadata.Source,
			"_stream":        r.Metadata.Stream,
			"_pii_flags":     piiFlags,
			"_quality_score": ann.QualityScore,
			"_degraded":      degraded,
		}
	})
}

// WriteBusiness applies a batch to the SCD2 business layer. For each record
// the current version is looked up by business key: an identical content
// hash is a no-op, a differing hash closes the current version and inserts
// a new one, and an unseen key inserts its first version. Returns the
// number of new versions written.
func (w *Writer) WriteBusiness(ctx context.Context, connectorID, stream string, batch []*models.Record, businessKeys []string) (int64, error) {
	if len(businessKeys) == 0 {
		return 0, errors.Newf(errors.ErrorTypeConfig, "stream %s has no business_keys configured", stream)
	}

	table := TableName(LayerBusiness, connectorID, stream)
	meta := []columnDef{
		{"_run_id", "TEXT"},
		{"_row_hash", "TEXT"},
		{"_key_hash", "TEXT"},
		{"_valid_from", "TIMESTAMP"},
		{"_valid_to", "TIMESTAMP"},
		{"_is_current", "INTEGER"},
	}

	if err := w.ensureTable(ctx, table, meta, batch, ""); err != nil {
		return 0, err
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeWrite, "failed to begin business write")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var written int64

	for _, r := range batch {
		keyHash, err := keyHash(r, businessKeys)
		if err != nil {
			return 0, err
		}
		rowHash := RowHash(r)

		var currentHash string
		err = tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT _row_hash FROM %s WHERE _key_hash = ? AND _is_current = 1`, quoteIdent(table)),
			keyHash,
		).Scan(&currentHash)

		switch {
		case err == sql.ErrNoRows:
			// first version of this key
		case err != nil:
			return 0, errors.Wrap(err, errors.ErrorTypeWrite, "failed to look up current version")
		case currentHash == rowHash:
			continue
		default:
			_, err = tx.ExecContext(ctx,
				fmt.Sprintf(`UPDATE %s SET _valid_to = ?, _is_current = 0 WHERE _key_hash = ? AND _is_current = 1`, quoteIdent(table)),
				now, keyHash)
			if err != nil {
				return 0, errors.Wrap(err, errors.ErrorTypeWrite, "failed to close current version")
			}
		}

		row := map[string]interface{}{
			"_run_id":     r.Metadata.RunID,
			"_row_hash":   rowHash,
			"_key_hash":   keyHash,
			"_valid_from": now,
			"_valid_to":   nil,
			"_is_current": 1,
		}
		for k, v := range r.Data {
			row[dataColumn(k)] = columnValue(v)
		}
		if _, err := w.execInsert(ctx, tx, table, row, false); err != nil {
			return 0, err
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeWrite, "failed to commit business write")
	}

	w.logger.Debug("business batch applied",
		zap.String("table", table),
		zap.Int("batch_size", len(batch)),
		zap.Int64("new_versions", written))
	return written, nil
}

type columnDef struct {
	name    string
	sqlType string
}

// insertBatch writes a batch in one transaction using INSERT OR IGNORE so
// rows already present (same content hash) are skipped.
func (w *Writer) insertBatch(ctx context.Context, table string, batch []*models.Record, metaFn func(*models.Record) map[string]interface{}) (int64, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeWrite, "failed to begin batch write")
	}
	defer tx.Rollback()

	var written int64
	for _, r := range batch {
		row := metaFn(r)
		for k, v := range r.Data {
			row[dataColumn(k)] = columnValue(v)
		}

		inserted, err := w.insertRowCount(ctx, tx, table, row)
		if err != nil {
			return 0, err
		}
		written += inserted
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeWrite, "failed to commit batch write")
	}
	return written, nil
}

func (w *Writer) insertRowCount(ctx context.Context, tx *sql.Tx, table string, row map[string]interface{}) (int64, error) {
	res, err := w.execInsert(ctx, tx, table, row, true)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (w *Writer) execInsert(ctx context.Context, tx *sql.Tx, table string, row map[string]interface{}, ignore bool) (sql.Result, error) {
	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		placeholders[i] = "?"
		args[i] = row[c]
	}

	verb := "INSERT"
	if ignore {
		verb = "INSERT OR IGNORE"
	}
	query := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)",
		verb, quoteIdent(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeWrite, "insert into %s failed", table)
	}
	return res, nil
}

// ensureTable creates the table on first write and adds columns that newer
// batches introduce. uniqueCol, when set, gets a unique index for dedup.
func (w *Writer) ensureTable(ctx context.Context, table string, meta []columnDef, batch []*models.Record, uniqueCol string) error {
	w.ddlMu.Lock()
	defer w.ddlMu.Unlock()

	known, exists := w.columns[table]
	if !exists {
		defs := make([]string, 0, len(meta))
		known = make(map[string]bool, len(meta))
		for _, c := range meta {
			defs = append(defs, fmt.Sprintf("%s %s", quoteIdent(c.name), c.sqlType))
			known[c.name] = true
		}

		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
		if _, err := w.db.ExecContext(ctx, ddl); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeWrite, "failed to create table %s", table)
		}

		if uniqueCol != "" {
			idx := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
				quoteIdent("idx_"+table+"_hash"), quoteIdent(table), quoteIdent(uniqueCol))
			if _, err := w.db.ExecContext(ctx, idx); err != nil {
				return errors.Wrapf(err, errors.ErrorTypeWrite, "failed to create index on %s", table)
			}
		} else {
			idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s, %s)",
				quoteIdent("idx_"+table+"_key"), quoteIdent(table), quoteIdent("_key_hash"), quoteIdent("_is_current"))
			if _, err := w.db.ExecContext(ctx, idx); err != nil {
				return errors.Wrapf(err, errors.ErrorTypeWrite, "failed to create index on %s", table)
			}
		}

		if err := w.loadExistingColumns(ctx, table, known); err != nil {
			return err
		}
		w.columns[table] = known

		w.logger.Info("warehouse table ready", zap.String("table", table))
	}

	// Column discovery: the union of keys across the batch, typed from the
	// first non-nil value seen.
	for _, r := range batch {
		for k, v := range r.Data {
			col := dataColumn(k)
			if known[col] {
				continue
			}
			ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
				quoteIdent(table), quoteIdent(col), sqliteType(v))
			if _, err := w.db.ExecContext(ctx, ddl); err != nil {
				return errors.Wrapf(err, errors.ErrorTypeWrite, "failed to add column %s to %s", col, table)
			}
			known[col] = true
		}
	}

	return nil
}

// loadExistingColumns merges columns from a table that predates this
// process, so restarts do not re-issue ALTERs for known columns.
func (w *Writer) loadExistingColumns(ctx context.Context, table string, known map[string]bool) error {
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeWrite, "failed to read schema of %s", table)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeWrite, "failed to scan schema of %s", table)
		}
		known[name] = true
	}
	return rows.Err()
}

var identSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// TableName builds the layer-namespaced table name for a stream.
func TableName(layer Layer, connectorID, stream string) string {
	return fmt.Sprintf("%s__%s__%s",
		layer,
		identSanitizer.ReplaceAllString(connectorID, "_"),
		identSanitizer.ReplaceAllString(stream, "_"))
}

func dataColumn(field string) string {
	col := identSanitizer.ReplaceAllString(field, "_")
	// Leading underscore is reserved for warehouse metadata columns
	if strings.HasPrefix(col, "_") {
		col = "f" + col
	}
	return col
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}

// RowHash computes the content identity of a record: SHA-256 over the
// canonical JSON of its data payload. Map keys marshal in sorted order, so
// equal payloads always hash equal.
func RowHash(r *models.Record) string {
	payload, err := json.Marshal(r.Data)
	if err != nil {
		payload = []byte(fmt.Sprintf("%v", r.Data))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func keyHash(r *models.Record, businessKeys []string) (string, error) {
	parts := make([]string, 0, len(businessKeys))
	for _, k := range businessKeys {
		v, ok := r.GetData(k)
		if !ok || v == nil {
			return "", errors.Newf(errors.ErrorTypeData, "record missing business key %q", k)
		}
		parts = append(parts, k+"="+core.CursorValueString(v))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:]), nil
}

func columnValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, bool, int, int32, int64, float32, float64, string, []byte, time.Time:
		return val
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(encoded)
	}
}

func sqliteType(v interface{}) string {
	switch core.InferFieldType(v) {
	case core.FieldTypeInt, core.FieldTypeBool:
		return "INTEGER"
	case core.FieldTypeFloat:
		return "REAL"
	case core.FieldTypeTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}
