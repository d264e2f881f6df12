package state

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/models"
)

func newTestRunStore(t *testing.T) *RunStore {
	t.Helper()

	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	rs, err := NewRunStore(db)
	require.NoError(t, err)
	return rs
}

func newRun(id, connectorID string) *models.SyncRun {
	return &models.SyncRun{
		ID:          id,
		ConnectorID: connectorID,
		Trigger:     models.TriggerManual,
		Status:      models.RunStatusQueued,
		StartedAt:   time.Now().UTC(),
	}
}

func TestRunStoreLifecycle(t *testing.T) {
	rs := newTestRunStore(t)
	ctx := context.Background()

	run := newRun("run-1", "c1")
	require.NoError(t, rs.Create(ctx, run))
	require.NoError(t, rs.MarkRunning(ctx, run.ID))

	run.Status = models.RunStatusCompleted
	run.RecordsRead = 30
	run.RecordsWritten = models.LayerCounts{Raw: 30, Validated: 30, Business: 12}
	run.Degraded = true
	require.NoError(t, rs.Finalize(ctx, run))

	got, err := rs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, int64(30), got.RecordsRead)
	assert.Equal(t, int64(12), got.RecordsWritten.Business)
	assert.True(t, got.Degraded)
	assert.False(t, got.EndedAt.IsZero())
}

func TestRunStoreNotFound(t *testing.T) {
	rs := newTestRunStore(t)
	ctx := context.Background()

	_, err := rs.Get(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	err = rs.Finalize(ctx, newRun("missing", "c1"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestRunStoreHistory(t *testing.T) {
	rs := newTestRunStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		run := newRun(fmt.Sprintf("run-%d", i), "c1")
		run.StartedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, rs.Create(ctx, run))
	}
	other := newRun("other-1", "c2")
	require.NoError(t, rs.Create(ctx, other))

	history, err := rs.History(ctx, "c1", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	// Newest first
	assert.Equal(t, "run-4", history[0].ID)
	assert.Equal(t, "run-3", history[1].ID)
	assert.Equal(t, "run-2", history[2].ID)
}

func TestRunStoreActiveTracking(t *testing.T) {
	rs := newTestRunStore(t)
	ctx := context.Background()

	run := newRun("run-1", "c1")
	require.NoError(t, rs.Create(ctx, run))

	active, err := rs.HasActiveRun(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, active)

	run.Status = models.RunStatusFailed
	run.ErrorType = string(errors.ErrorTypeConnection)
	require.NoError(t, rs.Finalize(ctx, run))

	active, err = rs.HasActiveRun(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRunStoreMarkInterrupted(t *testing.T) {
	rs := newTestRunStore(t)
	ctx := context.Background()

	require.NoError(t, rs.Create(ctx, newRun("run-1", "c1")))
	running := newRun("run-2", "c2")
	require.NoError(t, rs.Create(ctx, running))
	require.NoError(t, rs.MarkRunning(ctx, running.ID))

	done := newRun("run-3", "c3")
	require.NoError(t, rs.Create(ctx, done))
	done.Status = models.RunStatusCompleted
	require.NoError(t, rs.Finalize(ctx, done))

	n, err := rs.MarkInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := rs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAborted, got.Status)

	got, err = rs.Get(ctx, "run-3")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
}
