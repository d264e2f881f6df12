// Package service is the facade consumed by the API and dashboard layers.
// It exposes run triggering, run history, sync-state queries, the audited
// cursor reset, and connector config CRUD backed by the shared SQLite
// database. Configs are validated against the connector registry before
// acceptance.
package service

import (
	"context"
	"database/sql"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/strataflow/strataflow/pkg/config"
	"github.com/strataflow/strataflow/pkg/connector/registry"
	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/logger"
	"github.com/strataflow/strataflow/pkg/models"
	"github.com/strataflow/strataflow/pkg/scheduler"
	"github.com/strataflow/strataflow/pkg/state"
)

const createConnectorConfigsTable = `
CREATE TABLE IF NOT EXISTS connector_configs (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	type       TEXT NOT NULL,
	enabled    INTEGER NOT NULL DEFAULT 1,
	document   TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// Service wires the engine components behind one surface.
type Service struct {
	db     *sql.DB
	states *state.Store
	runs   *state.RunStore
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

// New creates the service facade and its config table.
func New(db *sql.DB, states *state.Store, runs *state.RunStore, sched *scheduler.Scheduler) (*Service, error) {
	if _, err := db.Exec(createConnectorConfigsTable); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to create connector_configs table")
	}
	return &Service{
		db:     db,
		states: states,
		runs:   runs,
		sched:  sched,
		logger: logger.Get().With(zap.String("component", "service")),
	}, nil
}

// TriggerSync requests an immediate run. Returns the run id, or an
// already_running error if the connector has an active run.
func (s *Service) TriggerSync(ctx context.Context, connectorID string) (string, error) {
	return s.sched.TriggerNow(ctx, connectorID)
}

// RunHistory returns the connector's most recent runs, newest first.
func (s *Service) RunHistory(ctx context.Context, connectorID string, limit int) ([]*models.SyncRun, error) {
	return s.runs.History(ctx, connectorID, limit)
}

// GetState returns the sync state for one (connector, stream) pair.
func (s *Service) GetState(ctx context.Context, connectorID, stream string) (models.SyncState, error) {
	return s.states.Get(ctx, connectorID, stream)
}

// ListStates returns all stored states for a connector.
func (s *Service) ListStates(ctx context.Context, connectorID string) ([]models.SyncState, error) {
	return s.states.List(ctx, connectorID)
}

// ResetCursor rewinds a stream's cursor. This is the only supported path
// for moving a cursor backwards; the reset is logged for audit.
func (s *Service) ResetCursor(ctx context.Context, connectorID, stream, cursor string) error {
	return s.states.ResetCursor(ctx, connectorID, stream, cursor)
}

// CreateConnector validates and persists a new connector config, then
// registers it with the scheduler.
func (s *Service) CreateConnector(ctx context.Context, cfg *config.ConnectorConfig) error {
	if err := s.validate(cfg); err != nil {
		return err
	}

	existing, err := s.GetConnector(ctx, cfg.ID)
	if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
		return err
	}
	if existing != nil {
		return errors.Newf(errors.ErrorTypeValidation, "connector %s already exists", cfg.ID)
	}

	now := time.Now().UTC()
	if err := s.save(ctx, cfg, now, now); err != nil {
		return err
	}
	if err := s.sched.Register(cfg); err != nil {
		return err
	}

	s.logger.Info("connector created",
		zap.String("connector_id", cfg.ID),
		zap.String("type", cfg.Type))
	return nil
}

// UpdateConnector replaces an existing connector config. The running copy
// of the old config, if a run is in flight, finishes with the old settings.
func (s *Service) UpdateConnector(ctx context.Context, cfg *config.ConnectorConfig) error {
	if err := s.validate(cfg); err != nil {
		return err
	}
	if _, err := s.GetConnector(ctx, cfg.ID); err != nil {
		return err
	}

	if err := s.save(ctx, cfg, time.Time{}, time.Now().UTC()); err != nil {
		return err
	}
	if err := s.sched.Register(cfg); err != nil {
		return err
	}

	s.logger.Info("connector updated", zap.String("connector_id", cfg.ID))
	return nil
}

// DeleteConnector removes a connector config. Deletion is refused while the
// connector has an active run.
func (s *Service) DeleteConnector(ctx context.Context, connectorID string) error {
	if _, err := s.GetConnector(ctx, connectorID); err != nil {
		return err
	}

	if s.sched.IsActive(connectorID) {
		return errors.Newf(errors.ErrorTypeAlreadyRunning, "connector %s has an active run, cannot delete", connectorID)
	}
	active, err := s.runs.HasActiveRun(ctx, connectorID)
	if err != nil {
		return err
	}
	if active {
		return errors.Newf(errors.ErrorTypeAlreadyRunning, "connector %s has an active run, cannot delete", connectorID)
	}

	s.sched.Unregister(connectorID)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM connector_configs WHERE id = ?`, connectorID); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to delete connector config")
	}

	s.logger.Info("connector deleted", zap.String("connector_id", connectorID))
	return nil
}

// GetConnector loads one stored connector config.
func (s *Service) GetConnector(ctx context.Context, connectorID string) (*config.ConnectorConfig, error) {
	var document string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM connector_configs WHERE id = ?`, connectorID,
	).Scan(&document)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "connector %s not found", connectorID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to load connector config")
	}

	var cfg config.ConnectorConfig
	if err := json.Unmarshal([]byte(document), &cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "stored connector config is corrupt")
	}
	return &cfg, nil
}

// ListConnectors returns all stored configs ordered by id.
func (s *Service) ListConnectors(ctx context.Context) ([]*config.ConnectorConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM connector_configs ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to list connector configs")
	}
	defer rows.Close()

	var configs []*config.ConnectorConfig
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to scan connector config")
		}
		var cfg config.ConnectorConfig
		if err := json.Unmarshal([]byte(document), &cfg); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeState, "stored connector config is corrupt")
		}
		configs = append(configs, &cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to iterate connector configs")
	}
	return configs, nil
}

func (s *Service) validate(cfg *config.ConnectorConfig) error {
	if cfg == nil {
		return errors.New(errors.ErrorTypeValidation, "config is required")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "invalid connector config")
	}
	if !registry.Has(cfg.Type) {
		return errors.Newf(errors.ErrorTypeUnknownSourceType, "unknown source type %q (registered: %v)", cfg.Type, registry.List())
	}
	return nil
}

func (s *Service) save(ctx context.Context, cfg *config.ConnectorConfig, createdAt, updatedAt time.Time) error {
	document, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode connector config")
	}

	if createdAt.IsZero() {
		_, err = s.db.ExecContext(ctx,
			`UPDATE connector_configs SET name = ?, type = ?, enabled = ?, document = ?, updated_at = ?
			 WHERE id = ?`,
			cfg.Name, cfg.Type, boolToInt(cfg.Enabled), string(document), updatedAt, cfg.ID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO connector_configs (id, name, type, enabled, document, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cfg.ID, cfg.Name, cfg.Type, boolToInt(cfg.Enabled), string(document), createdAt, updatedAt)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to save connector config")
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
