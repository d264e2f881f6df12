package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/models"
	"github.com/strataflow/strataflow/pkg/orchestrator"
	"github.com/strataflow/strataflow/pkg/scheduler"
	"github.com/strataflow/strataflow/pkg/testutil"
	"github.com/strataflow/strataflow/pkg/warehouse"
)

func newTestService(t *testing.T) (*Service, *testutil.MockSource, string) {
	t.Helper()

	db, states, runs := testutil.NewTestStores(t)
	src := testutil.NewMockSource("updated_at")
	tag := "mock_" + t.Name()
	testutil.RegisterMockSource(t, tag, src)

	orch := orchestrator.New(states, runs, warehouse.NewWriter(db))
	sched := scheduler.New(orch, runs, 2)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	t.Cleanup(func() {
		sched.Stop()
		cancel()
	})

	svc, err := New(db, states, runs, sched)
	require.NoError(t, err)
	return svc, src, tag
}

func TestConnectorCRUD(t *testing.T) {
	svc, _, tag := newTestService(t)
	ctx := context.Background()

	cfg := testutil.TestConnectorConfig("c1", tag)

	t.Run("create and get", func(t *testing.T) {
		require.NoError(t, svc.CreateConnector(ctx, cfg))

		got, err := svc.GetConnector(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, tag, got.Type)
		assert.Equal(t, "updated_at", got.Streams[0].CursorField)
	})

	t.Run("duplicate create fails", func(t *testing.T) {
		err := svc.CreateConnector(ctx, cfg)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("update", func(t *testing.T) {
		updated := testutil.TestConnectorConfig("c1", tag)
		updated.Name = "renamed"
		require.NoError(t, svc.UpdateConnector(ctx, updated))

		got, err := svc.GetConnector(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)
	})

	t.Run("list", func(t *testing.T) {
		other := testutil.TestConnectorConfig("c2", tag)
		require.NoError(t, svc.CreateConnector(ctx, other))

		configs, err := svc.ListConnectors(ctx)
		require.NoError(t, err)
		require.Len(t, configs, 2)
		assert.Equal(t, "c1", configs[0].ID)
		assert.Equal(t, "c2", configs[1].ID)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, svc.DeleteConnector(ctx, "c2"))

		_, err := svc.GetConnector(ctx, "c2")
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	})
}

func TestCreateRejectsUnknownSourceType(t *testing.T) {
	svc, _, _ := newTestService(t)

	cfg := testutil.TestConnectorConfig("c1", "not_registered")
	err := svc.CreateConnector(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnknownSourceType))
}

func TestUpdateUnknownConnector(t *testing.T) {
	svc, _, tag := newTestService(t)

	err := svc.UpdateConnector(context.Background(), testutil.TestConnectorConfig("ghost", tag))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestTriggerSyncAndHistory(t *testing.T) {
	svc, src, tag := newTestService(t)
	ctx := context.Background()

	src.AddRows("records",
		map[string]interface{}{"id": 1, "updated_at": 1},
		map[string]interface{}{"id": 2, "updated_at": 2},
	)
	require.NoError(t, svc.CreateConnector(ctx, testutil.TestConnectorConfig("c1", tag)))

	runID, err := svc.TriggerSync(ctx, "c1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		history, err := svc.RunHistory(ctx, "c1", 10)
		if err != nil || len(history) == 0 {
			return false
		}
		return history[0].ID == runID && history[0].Status == models.RunStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	st, err := svc.GetState(ctx, "c1", "records")
	require.NoError(t, err)
	assert.Equal(t, "2", st.Cursor)

	states, err := svc.ListStates(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, states, 1)
}

func TestDeleteBlockedWhileRunning(t *testing.T) {
	svc, src, tag := newTestService(t)
	ctx := context.Background()

	src.Barrier = make(chan struct{})
	src.AddRows("records", map[string]interface{}{"id": 1, "updated_at": 1})
	require.NoError(t, svc.CreateConnector(ctx, testutil.TestConnectorConfig("c1", tag)))

	runID, err := svc.TriggerSync(ctx, "c1")
	require.NoError(t, err)

	err = svc.DeleteConnector(ctx, "c1")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAlreadyRunning))

	close(src.Barrier)
	require.Eventually(t, func() bool {
		run, err := svc.RunHistory(ctx, "c1", 1)
		return err == nil && len(run) == 1 && run[0].ID == runID &&
			run[0].Status == models.RunStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// The scheduler releases the in-flight slot just after the run record
	// is finalized, so deletion may briefly still be refused.
	require.Eventually(t, func() bool {
		return svc.DeleteConnector(ctx, "c1") == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestResetCursorAudited(t *testing.T) {
	svc, src, tag := newTestService(t)
	ctx := context.Background()

	src.AddRows("records", map[string]interface{}{"id": 1, "updated_at": 9})
	require.NoError(t, svc.CreateConnector(ctx, testutil.TestConnectorConfig("c1", tag)))

	runID, err := svc.TriggerSync(ctx, "c1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		run, err := svc.RunHistory(ctx, "c1", 1)
		return err == nil && len(run) == 1 && run[0].ID == runID &&
			run[0].Status == models.RunStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.ResetCursor(ctx, "c1", "records", "3"))

	st, err := svc.GetState(ctx, "c1", "records")
	require.NoError(t, err)
	assert.Equal(t, "3", st.Cursor)
}
