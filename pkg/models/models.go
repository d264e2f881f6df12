// Package models provides the data models shared across Strataflow.
// It re-exports the pooled Record types and defines the persistence-facing
// entities: sync state, sync runs, and the lineage run summary.
package models

import (
	"time"

	"github.com/strataflow/strataflow/pkg/pool"
)

// Record is a type alias for pool.Record so callers do not need to import
// the pool package directly.
type Record = pool.Record

// RecordMetadata is a type alias for pool.RecordMetadata.
type RecordMetadata = pool.RecordMetadata

// NewRecord creates a pooled record tagged with its source connector.
var NewRecord = pool.NewRecord

// RunStatus is the lifecycle status of a sync run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
)

// TriggerKind records what initiated a sync run.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
)

// SyncState is the durable incremental-sync cursor for one
// (connector, stream) pair. It is advanced exclusively by the orchestrator
// after a run's writes are committed.
type SyncState struct {
	ConnectorID string    `json:"connector_id"`
	Stream      string    `json:"stream"`
	Cursor      string    `json:"cursor"`
	LastRunID   string    `json:"last_run_id"`
	LastRunAt   time.Time `json:"last_run_at"`
	LastStatus  RunStatus `json:"last_status"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LayerCounts tracks records written per storage layer during a run.
type LayerCounts struct {
	Raw       int64 `json:"raw"`
	Validated int64 `json:"validated"`
	Business  int64 `json:"business"`
}

// SyncRun is a single execution record, created when the scheduler
// dispatches a run and finalized by the orchestrator.
type SyncRun struct {
	ID             string      `json:"id"`
	ConnectorID    string      `json:"connector_id"`
	Trigger        TriggerKind `json:"trigger"`
	Status         RunStatus   `json:"status"`
	StartedAt      time.Time   `json:"started_at"`
	EndedAt        time.Time   `json:"ended_at,omitempty"`
	RecordsRead    int64       `json:"records_read"`
	RecordsWritten LayerCounts `json:"records_written"`
	Degraded       bool        `json:"degraded"`
	ErrorType      string      `json:"error_type,omitempty"`
	ErrorDetail    string      `json:"error_detail,omitempty"`
}

// RunSummary is the lineage event emitted after a run finishes. Emission is
// best-effort; sinks must tolerate duplicates.
type RunSummary struct {
	RunID          string      `json:"run_id"`
	ConnectorID    string      `json:"connector_id"`
	SourceType     string      `json:"source_type"`
	Streams        []string    `json:"streams"`
	Status         RunStatus   `json:"status"`
	RecordsRead    int64       `json:"records_read"`
	RecordsWritten LayerCounts `json:"records_written"`
	Cursors        map[string]string `json:"cursors"`
	StartedAt      time.Time   `json:"started_at"`
	EndedAt        time.Time   `json:"ended_at"`
}
