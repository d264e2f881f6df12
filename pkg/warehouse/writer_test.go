package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/models"
)

func newTestWriter(t *testing.T) (*Writer, *sql.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	return NewWriter(db), db
}

func record(runID string, data map[string]interface{}) *models.Record {
	r := models.NewRecord("test")
	r.Metadata.Stream = "orders"
	r.Metadata.RunID = runID
	r.SetTimestamp(time.Now().UTC())
	for k, v := range data {
		r.SetData(k, v)
	}
	return r
}

func countRows(t *testing.T, db *sql.DB, table string, where string, args ...interface{}) int {
	t.Helper()

	query := fmt.Sprintf(`SELECT COUNT(1) FROM %q`, table)
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	require.NoError(t, db.QueryRow(query, args...).Scan(&n))
	return n
}

func TestWriteRawAppendsAndDeduplicates(t *testing.T) {
	w, db := newTestWriter(t)
	ctx := context.Background()

	batch := []*models.Record{
		record("run-1", map[string]interface{}{"id": 1, "amount": 9.5}),
		record("run-1", map[string]interface{}{"id": 2, "amount": 12.0}),
	}

	n, err := w.WriteRaw(ctx, "c1", "orders", batch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Re-applying the same content is a no-op
	replay := []*models.Record{
		record("run-2", map[string]interface{}{"id": 1, "amount": 9.5}),
	}
	n, err = w.WriteRaw(ctx, "c1", "orders", replay)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	assert.Equal(t, 2, countRows(t, db, "raw__c1__orders", ""))
}

func TestWriteValidatedCarriesAnnotations(t *testing.T) {
	w, db := newTestWriter(t)
	ctx := context.Background()

	batch := []*models.Record{
		record("run-1", map[string]interface{}{"id": 1, "email": "a@example.com"}),
	}
	n, err := w.WriteValidated(ctx, "c1", "orders", batch, ValidatedAnnotations{
		PIIFlags:     []string{"email"},
		QualityScore: 0.7,
		Degraded:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var piiFlags string
	var quality float64
	var degraded int
	require.NoError(t, db.QueryRow(
		`SELECT _pii_flags, _quality_score, _degraded FROM "validated__c1__orders"`,
	).Scan(&piiFlags, &quality, &degraded))
	assert.Equal(t, "email", piiFlags)
	assert.InDelta(t, 0.7, quality, 0.001)
	assert.Equal(t, 1, degraded)
}

func TestWriteBusinessSCD2(t *testing.T) {
	w, db := newTestWriter(t)
	ctx := context.Background()
	keys := []string{"key"}

	v1 := []*models.Record{record("run-1", map[string]interface{}{"key": "A", "value": 1})}
	n, err := w.WriteBusiness(ctx, "c1", "orders", v1, keys)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	t.Run("same content is a no-op", func(t *testing.T) {
		n, err := w.WriteBusiness(ctx, "c1", "orders", []*models.Record{
			record("run-2", map[string]interface{}{"key": "A", "value": 1}),
		}, keys)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
		assert.Equal(t, 1, countRows(t, db, "business__c1__orders", ""))
	})

	t.Run("changed content versions the row", func(t *testing.T) {
		n, err := w.WriteBusiness(ctx, "c1", "orders", []*models.Record{
			record("run-3", map[string]interface{}{"key": "A", "value": 2}),
		}, keys)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		// Both versions retained, only the new one current
		assert.Equal(t, 2, countRows(t, db, "business__c1__orders", ""))
		assert.Equal(t, 1, countRows(t, db, "business__c1__orders", "_is_current = 1"))

		var value int
		require.NoError(t, db.QueryRow(
			`SELECT value FROM "business__c1__orders" WHERE _is_current = 1`,
		).Scan(&value))
		assert.Equal(t, 2, value)

		// Superseded version has a closed validity window
		assert.Equal(t, 1, countRows(t, db, "business__c1__orders",
			"_is_current = 0 AND _valid_to IS NOT NULL"))
	})

	t.Run("missing business key fails", func(t *testing.T) {
		_, err := w.WriteBusiness(ctx, "c1", "orders", []*models.Record{
			record("run-4", map[string]interface{}{"value": 3}),
		}, keys)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeData))
	})

	t.Run("no business keys configured fails", func(t *testing.T) {
		_, err := w.WriteBusiness(ctx, "c1", "orders", v1, nil)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	})
}

func TestColumnDiscovery(t *testing.T) {
	w, db := newTestWriter(t)
	ctx := context.Background()

	_, err := w.WriteRaw(ctx, "c1", "orders", []*models.Record{
		record("run-1", map[string]interface{}{"id": 1}),
	})
	require.NoError(t, err)

	// A later batch introduces a new column
	_, err = w.WriteRaw(ctx, "c1", "orders", []*models.Record{
		record("run-2", map[string]interface{}{"id": 2, "note": "late column"}),
	})
	require.NoError(t, err)

	var note sql.NullString
	require.NoError(t, db.QueryRow(
		`SELECT note FROM "raw__c1__orders" WHERE id = 2`,
	).Scan(&note))
	assert.Equal(t, "late column", note.String)
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "raw__my_conn__orders", TableName(LayerRaw, "my-conn", "orders"))
	assert.Equal(t, "business__c1__user_events", TableName(LayerBusiness, "c1", "user events"))
}

func TestRowHashDeterminism(t *testing.T) {
	a := record("r1", map[string]interface{}{"id": 1, "name": "x"})
	b := record("r2", map[string]interface{}{"name": "x", "id": 1})
	c := record("r3", map[string]interface{}{"id": 1, "name": "y"})

	assert.Equal(t, RowHash(a), RowHash(b))
	assert.NotEqual(t, RowHash(a), RowHash(c))
}
