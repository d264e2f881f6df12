package state

import (
	"context"
	"database/sql"
	"io"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/strataflow/strataflow/pkg/connector/core"
	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/logger"
	"github.com/strataflow/strataflow/pkg/models"
)

const createSyncStateTable = `
CREATE TABLE IF NOT EXISTS sync_state (
	connector_id TEXT NOT NULL,
	stream       TEXT NOT NULL,
	cursor       TEXT NOT NULL DEFAULT '',
	last_run_id  TEXT NOT NULL DEFAULT '',
	last_run_at  TIMESTAMP,
	last_status  TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (connector_id, stream)
)`

// Store is the durable sync-state manager. Reads go through an in-memory
// cache; Commit writes through to SQLite in a single transaction and then
// refreshes the cache entry.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[stateKey]models.SyncState
}

type stateKey struct {
	connectorID string
	stream      string
}

// NewStore creates the sync_state table if needed and returns a store.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(createSyncStateTable); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to create sync_state table")
	}
	return &Store{
		db:     db,
		logger: logger.Get().With(zap.String("component", "state_store")),
		cache:  make(map[stateKey]models.SyncState),
	}, nil
}

// Get returns the state for a (connector, stream) pair. A pair that has
// never synced gets a zero-cursor state, not an error; the zero cursor
// means "from the beginning".
func (s *Store) Get(ctx context.Context, connectorID, stream string) (models.SyncState, error) {
	key := stateKey{connectorID, stream}

	s.mu.RLock()
	if st, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return st, nil
	}
	s.mu.RUnlock()

	st, err := s.load(ctx, connectorID, stream)
	if err != nil {
		return models.SyncState{}, err
	}

	s.mu.Lock()
	s.cache[key] = st
	s.mu.Unlock()

	return st, nil
}

func (s *Store) load(ctx context.Context, connectorID, stream string) (models.SyncState, error) {
	st := models.SyncState{ConnectorID: connectorID, Stream: stream}

	var lastRunAt, updatedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor, last_run_id, last_run_at, last_status, updated_at
		 FROM sync_state WHERE connector_id = ? AND stream = ?`,
		connectorID, stream,
	).Scan(&st.Cursor, &st.LastRunID, &lastRunAt, &st.LastStatus, &updatedAt)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return models.SyncState{}, errors.Wrap(err, errors.ErrorTypeState, "failed to load sync state")
	}

	if lastRunAt.Valid {
		st.LastRunAt = lastRunAt.Time
	}
	if updatedAt.Valid {
		st.UpdatedAt = updatedAt.Time
	}
	return st, nil
}

// Commit durably advances the state for one (connector, stream) pair in a
// single transaction. Cursor regression is refused: a commit whose cursor
// compares lower than the stored one fails, protecting the high-water mark
// from buggy sources. Use ResetCursor for deliberate rewinds.
func (s *Store) Commit(ctx context.Context, st models.SyncState) error {
	if st.ConnectorID == "" || st.Stream == "" {
		return errors.New(errors.ErrorTypeValidation, "connector_id and stream are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to begin state transaction")
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT cursor FROM sync_state WHERE connector_id = ? AND stream = ?`,
		st.ConnectorID, st.Stream,
	).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to read current cursor")
	}

	if current != "" && core.CompareCursors(core.Cursor(st.Cursor), core.Cursor(current)) < 0 {
		return errors.Newf(errors.ErrorTypeState,
			"cursor regression for %s/%s: %q < %q (use ResetCursor to rewind)",
			st.ConnectorID, st.Stream, st.Cursor, current)
	}

	st.UpdatedAt = time.Now().UTC()
	if err := s.upsert(ctx, tx, st); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to commit sync state")
	}

	s.mu.Lock()
	s.cache[stateKey{st.ConnectorID, st.Stream}] = st
	s.mu.Unlock()

	s.logger.Debug("sync state committed",
		zap.String("connector_id", st.ConnectorID),
		zap.String("stream", st.Stream),
		zap.String("cursor", st.Cursor))
	return nil
}

// ResetCursor rewinds (or clears) the cursor for a pair. This is the only
// path that may move a cursor backwards; every call is logged for audit.
func (s *Store) ResetCursor(ctx context.Context, connectorID, stream, cursor string) error {
	st, err := s.load(ctx, connectorID, stream)
	if err != nil {
		return err
	}
	previous := st.Cursor

	st.Cursor = cursor
	st.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to begin state transaction")
	}
	defer tx.Rollback()

	if err := s.upsert(ctx, tx, st); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to commit cursor reset")
	}

	s.mu.Lock()
	s.cache[stateKey{connectorID, stream}] = st
	s.mu.Unlock()

	s.logger.Warn("cursor manually reset",
		zap.String("connector_id", connectorID),
		zap.String("stream", stream),
		zap.String("previous_cursor", previous),
		zap.String("new_cursor", cursor))
	return nil
}

func (s *Store) upsert(ctx context.Context, tx *sql.Tx, st models.SyncState) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sync_state (connector_id, stream, cursor, last_run_id, last_run_at, last_status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(connector_id, stream) DO UPDATE SET
		   cursor = excluded.cursor,
		   last_run_id = excluded.last_run_id,
		   last_run_at = excluded.last_run_at,
		   last_status = excluded.last_status,
		   updated_at = excluded.updated_at`,
		st.ConnectorID, st.Stream, st.Cursor, st.LastRunID, st.LastRunAt, st.LastStatus, st.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to upsert sync state")
	}
	return nil
}

// List returns all stored states for a connector, ordered by stream.
func (s *Store) List(ctx context.Context, connectorID string) ([]models.SyncState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT connector_id, stream, cursor, last_run_id, last_run_at, last_status, updated_at
		 FROM sync_state WHERE connector_id = ? ORDER BY stream`,
		connectorID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to list sync states")
	}
	defer rows.Close()

	return scanStates(rows)
}

// Export writes every stored state as a JSON array, for backup or
// migration between environments.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT connector_id, stream, cursor, last_run_id, last_run_at, last_status, updated_at
		 FROM sync_state ORDER BY connector_id, stream`)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to read sync states for export")
	}
	defer rows.Close()

	states, err := scanStates(rows)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(states); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to encode sync states")
	}
	return nil
}

// Import loads states from a JSON array produced by Export. Existing rows
// are overwritten; the regression check is bypassed because imports restore
// a known-good snapshot.
func (s *Store) Import(ctx context.Context, r io.Reader) error {
	var states []models.SyncState
	if err := json.NewDecoder(r).Decode(&states); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to decode sync states")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to begin import transaction")
	}
	defer tx.Rollback()

	for _, st := range states {
		if st.ConnectorID == "" || st.Stream == "" {
			return errors.New(errors.ErrorTypeValidation, "imported state missing connector_id or stream")
		}
		if err := s.upsert(ctx, tx, st); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to commit state import")
	}

	s.mu.Lock()
	for _, st := range states {
		s.cache[stateKey{st.ConnectorID, st.Stream}] = st
	}
	s.mu.Unlock()

	s.logger.Info("sync states imported", zap.Int("count", len(states)))
	return nil
}

func scanStates(rows *sql.Rows) ([]models.SyncState, error) {
	var states []models.SyncState
	for rows.Next() {
		var st models.SyncState
		var lastRunAt, updatedAt sql.NullTime
		if err := rows.Scan(&st.ConnectorID, &st.Stream, &st.Cursor, &st.LastRunID,
			&lastRunAt, &st.LastStatus, &updatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to scan sync state row")
		}
		if lastRunAt.Valid {
			st.LastRunAt = lastRunAt.Time
		}
		if updatedAt.Valid {
			st.UpdatedAt = updatedAt.Time
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to iterate sync state rows")
	}
	return states, nil
}
