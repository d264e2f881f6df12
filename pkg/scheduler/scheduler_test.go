package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/models"
	"github.com/strataflow/strataflow/pkg/orchestrator"
	"github.com/strataflow/strataflow/pkg/state"
	"github.com/strataflow/strataflow/pkg/testutil"
	"github.com/strataflow/strataflow/pkg/warehouse"
)

func newTestScheduler(t *testing.T) (*Scheduler, *state.RunStore) {
	t.Helper()

	db, states, runs := testutil.NewTestStores(t)
	orch := orchestrator.New(states, runs, warehouse.NewWriter(db))
	sched := New(orch, runs, 2)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	t.Cleanup(func() {
		sched.Stop()
		cancel()
	})
	return sched, runs
}

func waitForRun(t *testing.T, runs *state.RunStore, runID string) *models.SyncRun {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := runs.Get(context.Background(), runID)
		require.NoError(t, err)
		switch run.Status {
		case models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusAborted:
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", runID)
	return nil
}

func TestRegisterValidation(t *testing.T) {
	sched, _ := newTestScheduler(t)

	t.Run("invalid cron fails at registration", func(t *testing.T) {
		cfg := testutil.TestConnectorConfig("c1", "mock")
		cfg.Schedule = "not a cron"
		err := sched.Register(cfg)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	})

	t.Run("valid cron registers", func(t *testing.T) {
		cfg := testutil.TestConnectorConfig("c2", "mock")
		cfg.Schedule = "*/5 * * * *"
		require.NoError(t, sched.Register(cfg))
	})

	t.Run("empty schedule is manual-only", func(t *testing.T) {
		cfg := testutil.TestConnectorConfig("c3", "mock")
		require.NoError(t, sched.Register(cfg))
	})
}

func TestTriggerUnknownConnector(t *testing.T) {
	sched, _ := newTestScheduler(t)

	_, err := sched.TriggerNow(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestSingleFlight(t *testing.T) {
	sched, runs := newTestScheduler(t)
	ctx := context.Background()

	src := testutil.NewMockSource("updated_at")
	src.Barrier = make(chan struct{})
	src.AddRows("records", map[string]interface{}{"id": 1, "updated_at": 10})
	testutil.RegisterMockSource(t, "mock", src)

	cfg := testutil.TestConnectorConfig("c1", "mock")
	require.NoError(t, sched.Register(cfg))

	runID, err := sched.TriggerNow(ctx, "c1")
	require.NoError(t, err)

	// Wait until the run is actually in flight
	require.Eventually(t, func() bool { return sched.IsActive("c1") }, time.Second, time.Millisecond)

	// A second trigger while running is rejected and creates no run record
	_, err = sched.TriggerNow(ctx, "c1")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAlreadyRunning))

	history, err := runs.History(ctx, "c1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// Release the run; the connector becomes triggerable again
	close(src.Barrier)
	run := waitForRun(t, runs, runID)
	assert.Equal(t, models.RunStatusCompleted, run.Status)

	require.Eventually(t, func() bool { return !sched.IsActive("c1") }, time.Second, time.Millisecond)

	// A closed barrier no longer blocks, so the next trigger runs freely
	_, err = sched.TriggerNow(ctx, "c1")
	require.NoError(t, err)
}

func TestConcurrentConnectorsRunInParallel(t *testing.T) {
	sched, runs := newTestScheduler(t)
	ctx := context.Background()

	srcA := testutil.NewMockSource("updated_at")
	srcA.AddRows("records", map[string]interface{}{"id": 1, "updated_at": 1})
	testutil.RegisterMockSource(t, "mock_a", srcA)

	srcB := testutil.NewMockSource("updated_at")
	srcB.AddRows("records", map[string]interface{}{"id": 2, "updated_at": 1})
	testutil.RegisterMockSource(t, "mock_b", srcB)

	require.NoError(t, sched.Register(testutil.TestConnectorConfig("ca", "mock_a")))
	require.NoError(t, sched.Register(testutil.TestConnectorConfig("cb", "mock_b")))

	idA, err := sched.TriggerNow(ctx, "ca")
	require.NoError(t, err)
	idB, err := sched.TriggerNow(ctx, "cb")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, waitForRun(t, runs, idA).Status)
	assert.Equal(t, models.RunStatusCompleted, waitForRun(t, runs, idB).Status)
}

func TestRunTimeoutAbortsAndReleases(t *testing.T) {
	db, states, runs := testutil.NewTestStores(t)
	orch := orchestrator.New(states, runs, warehouse.NewWriter(db))
	sched := New(orch, runs, 2)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	t.Cleanup(func() {
		sched.Stop()
		cancel()
	})

	src := testutil.NewMockSource("updated_at")
	src.Barrier = make(chan struct{})
	src.AddRows("records", map[string]interface{}{"id": 1, "updated_at": 1})
	testutil.RegisterMockSource(t, "mock_timeout", src)

	cfg := testutil.TestConnectorConfig("c1", "mock_timeout")
	cfg.Timeouts.Run = 50 * time.Millisecond
	require.NoError(t, sched.Register(cfg))

	// The held barrier keeps the run in flight until the wall clock expires
	runID, err := sched.TriggerNow(ctx, "c1")
	require.NoError(t, err)

	run := waitForRun(t, runs, runID)
	assert.Equal(t, models.RunStatusAborted, run.Status)
	assert.Equal(t, string(errors.ErrorTypeTimeout), run.ErrorType)

	// No cursor commit happened for the cancelled stream
	st, err := states.Get(ctx, "c1", "records")
	require.NoError(t, err)
	assert.Empty(t, st.Cursor)

	// The admission slot is released, so the next trigger runs to completion
	require.Eventually(t, func() bool { return !sched.IsActive("c1") }, time.Second, time.Millisecond)
	close(src.Barrier)

	retryID, err := sched.TriggerNow(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, waitForRun(t, runs, retryID).Status)

	st, err = states.Get(ctx, "c1", "records")
	require.NoError(t, err)
	assert.Equal(t, "1", st.Cursor)
}

func TestUnregisterStopsTriggers(t *testing.T) {
	sched, _ := newTestScheduler(t)

	cfg := testutil.TestConnectorConfig("c1", "mock")
	require.NoError(t, sched.Register(cfg))
	sched.Unregister("c1")

	_, err := sched.TriggerNow(context.Background(), "c1")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}
