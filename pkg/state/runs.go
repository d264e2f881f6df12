package state

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/logger"
	"github.com/strataflow/strataflow/pkg/models"
)

const createSyncRunsTable = `
CREATE TABLE IF NOT EXISTS sync_runs (
	id                TEXT PRIMARY KEY,
	connector_id      TEXT NOT NULL,
	trigger_kind      TEXT NOT NULL,
	status            TEXT NOT NULL,
	started_at        TIMESTAMP NOT NULL,
	ended_at          TIMESTAMP,
	records_read      INTEGER NOT NULL DEFAULT 0,
	raw_written       INTEGER NOT NULL DEFAULT 0,
	validated_written INTEGER NOT NULL DEFAULT 0,
	business_written  INTEGER NOT NULL DEFAULT 0,
	degraded          INTEGER NOT NULL DEFAULT 0,
	error_type        TEXT NOT NULL DEFAULT '',
	error_detail      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_connector
	ON sync_runs (connector_id, started_at DESC)`

// RunStore persists sync run records for history and in-flight tracking.
type RunStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRunStore creates the sync_runs table if needed and returns a store.
func NewRunStore(db *sql.DB) (*RunStore, error) {
	if _, err := db.Exec(createSyncRunsTable); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to create sync_runs table")
	}
	return &RunStore{
		db:     db,
		logger: logger.Get().With(zap.String("component", "run_store")),
	}, nil
}

// Create inserts a new run record at dispatch time.
func (rs *RunStore) Create(ctx context.Context, run *models.SyncRun) error {
	if run.ID == "" || run.ConnectorID == "" {
		return errors.New(errors.ErrorTypeValidation, "run id and connector_id are required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := rs.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, connector_id, trigger_kind, status, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.ConnectorID, run.Trigger, run.Status, run.StartedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to insert sync run")
	}
	return nil
}

// MarkRunning transitions a queued run to running.
func (rs *RunStore) MarkRunning(ctx context.Context, id string) error {
	res, err := rs.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ? WHERE id = ?`,
		models.RunStatusRunning, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to mark run running")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.ErrorTypeNotFound, "sync run %s not found", id)
	}
	return nil
}

// Finalize writes the run's terminal status and counters.
func (rs *RunStore) Finalize(ctx context.Context, run *models.SyncRun) error {
	if run.EndedAt.IsZero() {
		run.EndedAt = time.Now().UTC()
	}

	res, err := rs.db.ExecContext(ctx,
		`UPDATE sync_runs SET
		   status = ?, ended_at = ?, records_read = ?,
		   raw_written = ?, validated_written = ?, business_written = ?,
		   degraded = ?, error_type = ?, error_detail = ?
		 WHERE id = ?`,
		run.Status, run.EndedAt, run.RecordsRead,
		run.RecordsWritten.Raw, run.RecordsWritten.Validated, run.RecordsWritten.Business,
		boolToInt(run.Degraded), run.ErrorType, run.ErrorDetail,
		run.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to finalize sync run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.ErrorTypeNotFound, "sync run %s not found", run.ID)
	}
	return nil
}

// Get returns one run by id.
func (rs *RunStore) Get(ctx context.Context, id string) (*models.SyncRun, error) {
	row := rs.db.QueryRowContext(ctx,
		`SELECT id, connector_id, trigger_kind, status, started_at, ended_at,
		        records_read, raw_written, validated_written, business_written,
		        degraded, error_type, error_detail
		 FROM sync_runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "sync run %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to load sync run")
	}
	return run, nil
}

// History returns the most recent runs for a connector, newest first.
func (rs *RunStore) History(ctx context.Context, connectorID string, limit int) ([]*models.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := rs.db.QueryContext(ctx,
		`SELECT id, connector_id, trigger_kind, status, started_at, ended_at,
		        records_read, raw_written, validated_written, business_written,
		        degraded, error_type, error_detail
		 FROM sync_runs WHERE connector_id = ?
		 ORDER BY started_at DESC LIMIT ?`,
		connectorID, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to query run history")
	}
	defer rows.Close()

	var runs []*models.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to scan sync run row")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to iterate sync run rows")
	}
	return runs, nil
}

// HasActiveRun reports whether the connector has a queued or running run.
// Used to block config deletion while a sync is in flight.
func (rs *RunStore) HasActiveRun(ctx context.Context, connectorID string) (bool, error) {
	var count int
	err := rs.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sync_runs WHERE connector_id = ? AND status IN (?, ?)`,
		connectorID, models.RunStatusQueued, models.RunStatusRunning,
	).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeState, "failed to count active runs")
	}
	return count > 0, nil
}

// MarkInterrupted flags queued or running runs as aborted. Called on
// startup so runs orphaned by a crash do not read as active forever.
func (rs *RunStore) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := rs.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, ended_at = ?, error_type = 'internal',
		   error_detail = 'run interrupted by process restart'
		 WHERE status IN (?, ?)`,
		models.RunStatusAborted, time.Now().UTC(),
		models.RunStatusQueued, models.RunStatusRunning)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeState, "failed to mark interrupted runs")
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		rs.logger.Warn("marked interrupted runs as aborted", zap.Int64("count", n))
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.SyncRun, error) {
	var run models.SyncRun
	var endedAt sql.NullTime
	var degraded int

	err := row.Scan(&run.ID, &run.ConnectorID, &run.Trigger, &run.Status,
		&run.StartedAt, &endedAt,
		&run.RecordsRead, &run.RecordsWritten.Raw, &run.RecordsWritten.Validated,
		&run.RecordsWritten.Business, &degraded, &run.ErrorType, &run.ErrorDetail)
	if err != nil {
		return nil, err
	}

	if endedAt.Valid {
		run.EndedAt = endedAt.Time
	}
	run.Degraded = degraded != 0
	return &run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
