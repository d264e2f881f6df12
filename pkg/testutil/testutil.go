// Package testutil provides shared test helpers: an in-memory SQLite
// database, a scriptable mock source connector, and config builders.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/strataflow/strataflow/pkg/config"
	"github.com/strataflow/strataflow/pkg/connector/core"
	"github.com/strataflow/strataflow/pkg/connector/registry"
	"github.com/strataflow/strataflow/pkg/models"
	"github.com/strataflow/strataflow/pkg/state"
)

// OpenTestDB opens a private in-memory SQLite database, closed when the
// test finishes.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// A named in-memory database keeps each test isolated while the
	// connection pool shares one store.
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_busy_timeout=5000", t.Name(), time.Now().UnixNano())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// NewTestStores builds a state store and run store over one test database.
func NewTestStores(t *testing.T) (*sql.DB, *state.Store, *state.RunStore) {
	t.Helper()

	db := OpenTestDB(t)
	states, err := state.NewStore(db)
	if err != nil {
		t.Fatalf("create state store: %v", err)
	}
	runs, err := state.NewRunStore(db)
	if err != nil {
		t.Fatalf("create run store: %v", err)
	}
	return db, states, runs
}

// TestConnectorConfig builds a valid config for the given source type with
// streams keyed on "id" and cursored on "updated_at".
func TestConnectorConfig(id, sourceType string, streams ...string) *config.ConnectorConfig {
	cfg := config.NewConnectorConfig(id, sourceType)
	if len(streams) == 0 {
		streams = []string{"records"}
	}
	for _, s := range streams {
		cfg.Streams = append(cfg.Streams, config.StreamConfig{
			Name:         s,
			CursorField:  "updated_at",
			BusinessKeys: []string{"id"},
		})
	}
	cfg.Performance.BatchSize = 2
	return cfg
}

// MockSource is a scriptable in-memory source connector. Rows are served
// per stream, filtered by the cursor field, so incremental semantics can
// be exercised without a real backend.
type MockSource struct {
	mu          sync.Mutex
	rows        map[string][]map[string]interface{}
	cursorField string
	batchSize   int

	// FetchErr, when set, fails every fetch without yielding rows
	FetchErr error
	// InitErr, when set, fails Initialize
	InitErr error
	// Barrier, when set, blocks each fetch until a value is received,
	// letting tests hold a run in flight
	Barrier chan struct{}

	initialized bool
	closed      bool
	fetchCalls  int
}

// NewMockSource creates a mock source with the given cursor field.
func NewMockSource(cursorField string) *MockSource {
	return &MockSource{
		rows:        make(map[string][]map[string]interface{}),
		cursorField: cursorField,
		batchSize:   2,
	}
}

// AddRows appends rows to a stream.
func (m *MockSource) AddRows(stream string, rows ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[stream] = append(m.rows[stream], rows...)
}

// FetchCalls reports how many times Fetch ran.
func (m *MockSource) FetchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}

// Closed reports whether Close was called.
func (m *MockSource) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Initialize implements core.Source.
func (m *MockSource) Initialize(ctx context.Context, cfg *config.ConnectorConfig) error {
	if m.InitErr != nil {
		return m.InitErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	if cfg != nil && cfg.Performance.BatchSize > 0 {
		m.batchSize = cfg.Performance.BatchSize
	}
	return nil
}

// TestConnection implements core.Source.
func (m *MockSource) TestConnection(ctx context.Context) error { return nil }

// GetSchema implements core.Source.
func (m *MockSource) GetSchema(ctx context.Context, stream string) (*core.Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.rows[stream]
	if len(rows) == 0 {
		return &core.Schema{Stream: stream, DiscoveredAt: time.Now()}, nil
	}

	var fields []core.Field
	for name, value := range rows[0] {
		fields = append(fields, core.Field{Name: name, Type: core.InferFieldType(value), Nullable: true})
	}
	return &core.Schema{Stream: stream, Fields: fields, DiscoveredAt: time.Now()}, nil
}

// Fetch implements core.Source, yielding rows strictly after the cursor.
func (m *MockSource) Fetch(ctx context.Context, stream string, cursor core.Cursor) (*core.BatchStream, error) {
	m.mu.Lock()
	m.fetchCalls++
	rows := append([]map[string]interface{}(nil), m.rows[stream]...)
	batchSize := m.batchSize
	fetchErr := m.FetchErr
	barrier := m.Barrier
	m.mu.Unlock()

	batchChan := make(chan []*models.Record, 4)
	errorChan := make(chan error, 1)

	go func() {
		defer close(batchChan)
		defer close(errorChan)

		if barrier != nil {
			select {
			case <-barrier:
			case <-ctx.Done():
				return
			}
		}
		if fetchErr != nil {
			errorChan <- fetchErr
			return
		}

		var batch []*models.Record
		for _, row := range rows {
			cursorValue := ""
			if v, ok := row[m.cursorField]; ok {
				cursorValue = core.CursorValueString(v)
			}
			if !cursor.IsZero() && cursorValue != "" &&
				core.CompareCursors(core.Cursor(cursorValue), cursor) <= 0 {
				continue
			}

			record := models.NewRecord("mock")
			record.Metadata.Stream = stream
			record.Metadata.CursorValue = cursorValue
			record.SetTimestamp(time.Now())
			for k, v := range row {
				record.SetData(k, v)
			}
			batch = append(batch, record)

			if len(batch) >= batchSize {
				select {
				case batchChan <- batch:
					batch = nil
				case <-ctx.Done():
					return
				}
			}
		}
		if len(batch) > 0 {
			select {
			case batchChan <- batch:
			case <-ctx.Done():
			}
		}
	}()

	return &core.BatchStream{Batches: batchChan, Errors: errorChan}, nil
}

// MaxCursor implements core.Source.
func (m *MockSource) MaxCursor(stream string, batch []*models.Record) core.Cursor {
	return core.MaxCursorOfBatch(batch)
}

// SupportsIncremental implements core.Source.
func (m *MockSource) SupportsIncremental() bool { return true }

// Close implements core.Source.
func (m *MockSource) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// RegisterMockSource registers a mock under the given tag for the duration
// of the test.
func RegisterMockSource(t *testing.T, tag string, src *MockSource) {
	t.Helper()

	err := registry.Register(tag, func(cfg *config.ConnectorConfig) (core.Source, error) {
		return src, nil
	})
	if err != nil {
		t.Fatalf("register mock source: %v", err)
	}
	t.Cleanup(func() { registry.Unregister(tag) })
}
