// Package orchestrator executes sync runs end to end: extraction through
// the layered warehouse writes and the final cursor commit. A stream is
// only considered advanced when its cursor commit succeeds; everything
// before that point is safe to retry.
package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/strataflow/strataflow/pkg/config"
	"github.com/strataflow/strataflow/pkg/connector/core"
	"github.com/strataflow/strataflow/pkg/connector/registry"
	"github.com/strataflow/strataflow/pkg/enrichment"
	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/logger"
	"github.com/strataflow/strataflow/pkg/metrics"
	"github.com/strataflow/strataflow/pkg/models"
	"github.com/strataflow/strataflow/pkg/pool"
	"github.com/strataflow/strataflow/pkg/state"
	"github.com/strataflow/strataflow/pkg/warehouse"
)

// Orchestrator sequences one sync run at a time per call. It is safe for
// concurrent use across different connectors; the scheduler guarantees no
// two runs share a connector.
type Orchestrator struct {
	states   *state.Store
	runs     *state.RunStore
	writer   *warehouse.Writer
	enricher enrichment.Enricher
	lineage  enrichment.LineageSink
	logger   *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEnricher installs the enrichment collaborator chain invoked between
// the raw and validated writes.
func WithEnricher(e enrichment.Enricher) Option {
	return func(o *Orchestrator) { o.enricher = e }
}

// WithLineageSink installs the lineage sink that receives run summaries.
func WithLineageSink(s enrichment.LineageSink) Option {
	return func(o *Orchestrator) { o.lineage = s }
}

// New creates an orchestrator. Enrichment defaults to the pass-through
// enricher and lineage to the logging sink.
func New(states *state.Store, runs *state.RunStore, writer *warehouse.Writer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		states:   states,
		runs:     runs,
		writer:   writer,
		enricher: enrichment.Noop{},
		lineage:  enrichment.LogSink{},
		logger:   logger.Get().With(zap.String("component", "orchestrator")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ExecuteOptions narrow a run to a subset of streams or force a full
// re-extraction.
type ExecuteOptions struct {
	// Streams limits the run; empty means every configured stream
	Streams []string
	// FullResync clears each stream's cursor before fetching. The clear
	// goes through the audited reset path.
	FullResync bool
}

// Execute runs one sync for the given run record. The run must already
// exist in the run store; Execute finalizes it with terminal status and
// counts. Streams fail independently: one stream's failure does not roll
// back another's committed cursor.
func (o *Orchestrator) Execute(ctx context.Context, cfg *config.ConnectorConfig, run *models.SyncRun, opts ExecuteOptions) error {
	// Run identity rides the context so enrichment and lineage collaborators
	// log with the run attached.
	ctx = logger.ContextWithRun(ctx, run.ID, cfg.ID)
	log := logger.WithContext(ctx).With(
		zap.String("component", "orchestrator"),
		zap.String("source_type", cfg.Type),
	)

	run.Status = models.RunStatusRunning
	if err := o.runs.MarkRunning(ctx, run.ID); err != nil {
		return err
	}
	metrics.RunsStarted.WithLabelValues(cfg.ID, string(run.Trigger)).Inc()
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()
	timer := metrics.NewTimer()

	streams := opts.Streams
	if len(streams) == 0 {
		streams = cfg.StreamNames()
	}

	var runErr error
	source, err := o.buildSource(ctx, cfg)
	if err != nil {
		runErr = err
	} else {
		defer source.Close(ctx)

		for _, streamName := range streams {
			if err := o.syncStream(ctx, source, cfg, run, streamName, opts.FullResync); err != nil {
				log.Error("stream sync failed",
					zap.String("stream", streamName),
					zap.Error(err))
				if runErr == nil {
					runErr = err
				}
				// Per-stream independence: later streams still get their
				// chance, already-committed streams stay committed.
				continue
			}
		}
	}

	o.finalize(ctx, cfg, run, streams, runErr)
	metrics.RunDuration.WithLabelValues(cfg.ID, string(run.Status)).Observe(timer.Seconds())
	metrics.RunsFinished.WithLabelValues(cfg.ID, string(run.Status)).Inc()

	log.Info("run finished",
		zap.String("status", string(run.Status)),
		zap.Int64("records_read", run.RecordsRead),
		zap.Int64("business_written", run.RecordsWritten.Business),
		zap.Bool("degraded", run.Degraded))
	return runErr
}

func (o *Orchestrator) buildSource(ctx context.Context, cfg *config.ConnectorConfig) (core.Source, error) {
	source, err := registry.Create(cfg.Type, cfg)
	if err != nil {
		return nil, err
	}
	if err := source.Initialize(ctx, cfg); err != nil {
		source.Close(ctx)
		return nil, err
	}
	return source, nil
}

func (o *Orchestrator) syncStream(ctx context.Context, source core.Source, cfg *config.ConnectorConfig, run *models.SyncRun, streamName string, fullResync bool) error {
	streamCfg := cfg.Stream(streamName)
	if streamCfg == nil {
		return errors.Newf(errors.ErrorTypeConfig, "stream %s not configured for connector %s", streamName, cfg.ID)
	}
	ctx = logger.ContextWithStream(ctx, streamName)

	if fullResync {
		if err := o.states.ResetCursor(ctx, cfg.ID, streamName, ""); err != nil {
			return err
		}
	}

	st, err := o.states.Get(ctx, cfg.ID, streamName)
	if err != nil {
		return err
	}
	cursor := core.Cursor(st.Cursor)

	// Cancel unblocks the producer goroutine if we abort mid-stream
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := source.Fetch(fetchCtx, streamName, cursor)
	if err != nil {
		return err
	}

	maxCursor := cursor
	for batch := range stream.Batches {
		batchMax, err := o.processBatch(ctx, source, streamCfg, cfg, run, streamName, batch)
		if err != nil {
			return err
		}
		if core.CompareCursors(batchMax, maxCursor) > 0 {
			maxCursor = batchMax
		}
	}
	if err, ok := <-stream.Errors; ok && err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "run cancelled")
	}

	// The single commit point for the stream. Failure anywhere above
	// leaves the old cursor in place, so the next run re-reads from it.
	return o.states.Commit(ctx, models.SyncState{
		ConnectorID: cfg.ID,
		Stream:      streamName,
		Cursor:      string(maxCursor),
		LastRunID:   run.ID,
		LastRunAt:   run.StartedAt,
		LastStatus:  models.RunStatusCompleted,
	})
}

func (o *Orchestrator) processBatch(ctx context.Context, source core.Source, streamCfg *config.StreamConfig, cfg *config.ConnectorConfig, run *models.SyncRun, streamName string, batch []*models.Record) (core.Cursor, error) {
	defer func() {
		for _, r := range batch {
			r.Release()
		}
		pool.PutBatchSlice(batch)
	}()

	for _, r := range batch {
		r.Metadata.RunID = run.ID
	}
	run.RecordsRead += int64(len(batch))
	metrics.RecordsRead.WithLabelValues(cfg.ID, streamName).Add(float64(len(batch)))

	// Writes land under the configured target name; the source stream name
	// only drives extraction.
	target := streamCfg.TargetName()

	rawCount, err := o.writer.WriteRaw(ctx, cfg.ID, target, batch)
	if err != nil {
		return core.None, err
	}
	run.RecordsWritten.Raw += rawCount
	metrics.RecordsWritten.WithLabelValues(cfg.ID, target, string(warehouse.LayerRaw)).Add(float64(rawCount))

	// Hard enrichment failure aborts the stream before any cursor moves;
	// a degraded result is data about the data and the run continues.
	result, err := o.enricher.Enrich(ctx, batch)
	if err != nil {
		return core.None, errors.Wrap(err, errors.ErrorTypeEnrichment, "enrichment collaborator failed")
	}
	if result == nil {
		result = &enrichment.Result{QualityScore: 1}
	}
	if result.Degraded {
		run.Degraded = true
		metrics.DegradedBatches.WithLabelValues(cfg.ID, streamName).Inc()
	}

	validatedCount, err := o.writer.WriteValidated(ctx, cfg.ID, target, batch, warehouse.ValidatedAnnotations{
		PIIFlags:     result.PIIFlags,
		QualityScore: result.QualityScore,
		Degraded:     result.Degraded,
	})
	if err != nil {
		return core.None, err
	}
	run.RecordsWritten.Validated += validatedCount
	metrics.RecordsWritten.WithLabelValues(cfg.ID, target, string(warehouse.LayerValidated)).Add(float64(validatedCount))

	businessCount, err := o.writer.WriteBusiness(ctx, cfg.ID, target, batch, streamCfg.BusinessKeys)
	if err != nil {
		return core.None, err
	}
	run.RecordsWritten.Business += businessCount
	metrics.RecordsWritten.WithLabelValues(cfg.ID, target, string(warehouse.LayerBusiness)).Add(float64(businessCount))

	return source.MaxCursor(streamName, batch), nil
}

func (o *Orchestrator) finalize(ctx context.Context, cfg *config.ConnectorConfig, run *models.SyncRun, streams []string, runErr error) {
	switch {
	case runErr == nil:
		run.Status = models.RunStatusCompleted
	case errors.IsType(runErr, errors.ErrorTypeTimeout) || ctx.Err() != nil:
		run.Status = models.RunStatusAborted
		run.ErrorType = string(errors.ErrorTypeTimeout)
		run.ErrorDetail = runErr.Error()
	default:
		run.Status = models.RunStatusFailed
		run.ErrorType = string(errors.TypeOf(runErr))
		run.ErrorDetail = runErr.Error()
	}

	// Finalize must survive a cancelled run context
	finalizeCtx := context.WithoutCancel(ctx)
	if err := o.runs.Finalize(finalizeCtx, run); err != nil {
		o.logger.Error("failed to finalize run record",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}

	o.emitLineage(finalizeCtx, cfg, run, streams)
}

// emitLineage is best-effort: a sink failure is logged, never propagated.
func (o *Orchestrator) emitLineage(ctx context.Context, cfg *config.ConnectorConfig, run *models.SyncRun, streams []string) {
	cursors := make(map[string]string, len(streams))
	for _, s := range streams {
		if st, err := o.states.Get(ctx, cfg.ID, s); err == nil {
			cursors[s] = st.Cursor
		}
	}

	summary := models.RunSummary{
		RunID:          run.ID,
		ConnectorID:    cfg.ID,
		SourceType:     cfg.Type,
		Streams:        streams,
		Status:         run.Status,
		RecordsRead:    run.RecordsRead,
		RecordsWritten: run.RecordsWritten,
		Cursors:        cursors,
		StartedAt:      run.StartedAt,
		EndedAt:        run.EndedAt,
	}
	if err := o.lineage.Emit(ctx, summary); err != nil {
		o.logger.Warn("lineage emission failed",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}
}
