// Package enrichment defines the contract between the sync engine and the
// enrichment collaborators that sit between the raw and validated layers
// (PII scanning, quality scoring, normalization). The engine owns
// sequencing and failure handling; collaborators own their analysis.
//
// A returned error is a hard failure: the stream aborts before the cursor
// commits and the batch never reaches the validated layer. A nil error
// with Degraded set means the batch proceeds, annotated, and the run is
// flagged degraded.
package enrichment

import (
	"context"

	"go.uber.org/zap"

	"github.com/strataflow/strataflow/pkg/logger"
	"github.com/strataflow/strataflow/pkg/models"
)

// Result is an enricher's verdict on one batch.
type Result struct {
	// Degraded marks the batch as processed with reduced confidence
	Degraded bool
	// PIIFlags names the PII categories detected in the batch
	PIIFlags []string
	// QualityScore is the batch quality in [0, 1]; 1 means no findings
	QualityScore float64
	// Metadata carries collaborator-specific annotations
	Metadata map[string]interface{}
}

// Enricher is implemented by enrichment collaborators. Enrich may mutate
// records in place (normalization) but must not drop or reorder them.
type Enricher interface {
	// Name identifies the enricher in logs and run records.
	Name() string
	// Enrich processes one batch and returns its annotations.
	Enrich(ctx context.Context, batch []*models.Record) (*Result, error)
}

// Chain runs enrichers in order and merges their results. The first hard
// failure stops the chain. Degraded flags accumulate, PII flags union, and
// the quality score is the minimum across the chain.
type Chain []Enricher

// Enrich implements Enricher over the whole chain.
func (c Chain) Enrich(ctx context.Context, batch []*models.Record) (*Result, error) {
	merged := &Result{QualityScore: 1}
	seen := make(map[string]bool)

	for _, e := range c {
		res, err := e.Enrich(ctx, batch)
		if err != nil {
			return nil, err
		}
		if res == nil {
			continue
		}

		merged.Degraded = merged.Degraded || res.Degraded
		if res.QualityScore < merged.QualityScore {
			merged.QualityScore = res.QualityScore
		}
		for _, flag := range res.PIIFlags {
			if !seen[flag] {
				seen[flag] = true
				merged.PIIFlags = append(merged.PIIFlags, flag)
			}
		}
		for k, v := range res.Metadata {
			if merged.Metadata == nil {
				merged.Metadata = make(map[string]interface{})
			}
			merged.Metadata[k] = v
		}
	}

	return merged, nil
}

// Name implements Enricher.
func (c Chain) Name() string {
	return "chain"
}

// Noop is the default enricher: it annotates nothing and always passes the
// batch through at full quality.
type Noop struct{}

// Name implements Enricher.
func (Noop) Name() string { return "noop" }

// Enrich implements Enricher.
func (Noop) Enrich(ctx context.Context, batch []*models.Record) (*Result, error) {
	return &Result{QualityScore: 1}, nil
}

// LineageSink receives run summaries after each sync run. Emission is
// best-effort and may be retried by the engine, so sinks must tolerate
// duplicate summaries for the same run id.
type LineageSink interface {
	Emit(ctx context.Context, summary models.RunSummary) error
}

// LogSink is the default lineage sink: it writes summaries to the
// structured log.
type LogSink struct{}

// Emit implements LineageSink.
func (LogSink) Emit(ctx context.Context, summary models.RunSummary) error {
	logger.Get().Info("run lineage",
		zap.String("run_id", summary.RunID),
		zap.String("connector_id", summary.ConnectorID),
		zap.String("source_type", summary.SourceType),
		zap.Strings("streams", summary.Streams),
		zap.String("status", string(summary.Status)),
		zap.Int64("records_read", summary.RecordsRead),
		zap.Int64("records_business", summary.RecordsWritten.Business),
		zap.Time("started_at", summary.StartedAt),
		zap.Time("ended_at", summary.EndedAt))
	return nil
}
