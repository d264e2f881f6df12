// Package scheduler owns the set of configured sync jobs. Cron firings and
// manual triggers funnel through one admission check that guarantees at
// most one queued-or-running run per connector; admitted runs are executed
// by a bounded worker pool with a per-run wall-clock timeout.
package scheduler

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/strataflow/strataflow/pkg/config"
	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/logger"
	"github.com/strataflow/strataflow/pkg/metrics"
	"github.com/strataflow/strataflow/pkg/models"
	"github.com/strataflow/strataflow/pkg/orchestrator"
	"github.com/strataflow/strataflow/pkg/state"
)

const defaultQueueCapacity = 256

// cronParser validates and parses standard five-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// runRequest is one admitted run waiting for a worker.
type runRequest struct {
	cfg *config.ConnectorConfig
	run *models.SyncRun
}

// Scheduler dispatches sync runs. Safe for concurrent use.
type Scheduler struct {
	orch    *orchestrator.Orchestrator
	runs    *state.RunStore
	cron    *cron.Cron
	workers int
	logger  *zap.Logger

	queue chan runRequest
	wg    sync.WaitGroup

	mu      sync.Mutex
	configs map[string]*config.ConnectorConfig
	entries map[string]cron.EntryID
	active  map[string]bool
	started bool
}

// New creates a scheduler executing runs through the given orchestrator
// with the given worker-pool size.
func New(orch *orchestrator.Orchestrator, runs *state.RunStore, workers int) *Scheduler {
	if workers <= 0 {
		workers = 4
	}
	return &Scheduler{
		orch:    orch,
		runs:    runs,
		cron:    cron.New(cron.WithParser(cronParser)),
		workers: workers,
		logger:  logger.Get().With(zap.String("component", "scheduler")),
		queue:   make(chan runRequest, defaultQueueCapacity),
		configs: make(map[string]*config.ConnectorConfig),
		entries: make(map[string]cron.EntryID),
		active:  make(map[string]bool),
	}
}

// Register adds or replaces a connector's job. An invalid cron expression
// fails here, at registration, never at trigger time. Disabled connectors
// and connectors with an empty schedule stay manual-only.
func (s *Scheduler) Register(cfg *config.ConnectorConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Schedule != "" {
		if _, err := cronParser.Parse(cfg.Schedule); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeConfig, "invalid cron expression %q for connector %s", cfg.Schedule, cfg.ID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[cfg.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, cfg.ID)
	}
	s.configs[cfg.ID] = cfg

	if cfg.Enabled && cfg.Schedule != "" {
		connectorID := cfg.ID
		entryID, err := s.cron.AddFunc(cfg.Schedule, func() {
			s.fireScheduled(connectorID)
		})
		if err != nil {
			return errors.Wrapf(err, errors.ErrorTypeConfig, "failed to schedule connector %s", cfg.ID)
		}
		s.entries[cfg.ID] = entryID
	}

	s.logger.Info("connector registered",
		zap.String("connector_id", cfg.ID),
		zap.String("schedule", cfg.Schedule),
		zap.Bool("enabled", cfg.Enabled))
	return nil
}

// Unregister removes a connector's job. An in-flight run finishes
// normally; only future triggers stop.
func (s *Scheduler) Unregister(connectorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[connectorID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, connectorID)
	}
	delete(s.configs, connectorID)
}

// TriggerNow requests an immediate manual run. Returns the run id, or an
// already_running error if the connector has a queued or running run (no
// run record is created for a rejected trigger).
func (s *Scheduler) TriggerNow(ctx context.Context, connectorID string) (string, error) {
	s.mu.Lock()
	cfg, ok := s.configs[connectorID]
	s.mu.Unlock()
	if !ok {
		return "", errors.Newf(errors.ErrorTypeNotFound, "connector %s is not registered", connectorID)
	}

	return s.dispatch(ctx, cfg, models.TriggerManual)
}

// IsActive reports whether the connector has a queued or running run.
func (s *Scheduler) IsActive(connectorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[connectorID]
}

func (s *Scheduler) fireScheduled(connectorID string) {
	s.mu.Lock()
	cfg, ok := s.configs[connectorID]
	s.mu.Unlock()
	if !ok {
		return
	}

	if _, err := s.dispatch(context.Background(), cfg, models.TriggerScheduled); err != nil {
		if errors.IsType(err, errors.ErrorTypeAlreadyRunning) {
			// Expected when a run outlasts its interval; the next firing
			// will pick up from the committed cursor.
			s.logger.Debug("scheduled trigger skipped, run already active",
				zap.String("connector_id", connectorID))
			return
		}
		s.logger.Error("scheduled trigger failed",
			zap.String("connector_id", connectorID),
			zap.Error(err))
	}
}

// dispatch is the single admission path for both trigger kinds: one
// atomic check-and-set on the per-connector active flag, then a run record
// and a queue entry.
func (s *Scheduler) dispatch(ctx context.Context, cfg *config.ConnectorConfig, trigger models.TriggerKind) (string, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return "", errors.New(errors.ErrorTypeInternal, "scheduler is not running")
	}
	if s.active[cfg.ID] {
		s.mu.Unlock()
		metrics.RunsRejected.WithLabelValues(cfg.ID, string(trigger)).Inc()
		return "", errors.Newf(errors.ErrorTypeAlreadyRunning, "connector %s already has an active run", cfg.ID)
	}
	s.active[cfg.ID] = true
	s.mu.Unlock()

	run := &models.SyncRun{
		ID:          uuid.NewString(),
		ConnectorID: cfg.ID,
		Trigger:     trigger,
		Status:      models.RunStatusQueued,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		s.release(cfg.ID)
		return "", err
	}

	select {
	case s.queue <- runRequest{cfg: cfg, run: run}:
		metrics.QueueDepth.Inc()
	default:
		s.release(cfg.ID)
		run.Status = models.RunStatusFailed
		run.ErrorType = string(errors.ErrorTypeInternal)
		run.ErrorDetail = "run queue full"
		if err := s.runs.Finalize(ctx, run); err != nil {
			s.logger.Error("failed to finalize rejected run", zap.Error(err))
		}
		return "", errors.Newf(errors.ErrorTypeInternal, "run queue full, connector %s not dispatched", cfg.ID)
	}

	s.logger.Info("run dispatched",
		zap.String("run_id", run.ID),
		zap.String("connector_id", cfg.ID),
		zap.String("trigger", string(trigger)))
	return run.ID, nil
}

func (s *Scheduler) release(connectorID string) {
	s.mu.Lock()
	delete(s.active, connectorID)
	s.mu.Unlock()
}

// Start launches the worker pool and the cron loop. The provided context
// bounds the scheduler's lifetime; cancel it (or call Stop) to shut down.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.cron.Start()

	s.logger.Info("scheduler started", zap.Int("workers", s.workers))
}

// Stop halts cron firings, drains no further requests, and waits for
// in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	close(s.queue)
	s.wg.Wait()

	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()

	for {
		select {
		case req, ok := <-s.queue:
			if !ok {
				return
			}
			metrics.QueueDepth.Dec()
			s.execute(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

// execute runs one admitted request under the connector's run timeout and
// releases the admission slot when the run finishes, whatever the outcome.
func (s *Scheduler) execute(ctx context.Context, req runRequest) {
	defer s.release(req.cfg.ID)

	runCtx, cancel := context.WithTimeout(ctx, req.cfg.RunTimeout())
	defer cancel()

	if err := s.orch.Execute(runCtx, req.cfg, req.run, orchestrator.ExecuteOptions{}); err != nil {
		s.logger.Error("run failed",
			zap.String("run_id", req.run.ID),
			zap.String("connector_id", req.cfg.ID),
			zap.Error(err))
	}
}
