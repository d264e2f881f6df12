package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/strataflow/strataflow/pkg/models"
)

func TestCompareCursors(t *testing.T) {
	tests := []struct {
		name string
		a, b Cursor
		want int
	}{
		{"both empty", None, None, 0},
		{"empty sorts first", None, Cursor("1"), -1},
		{"non-empty beats empty", Cursor("1"), None, 1},
		{"numeric comparison", Cursor("9"), Cursor("10"), -1},
		{"numeric equal", Cursor("42"), Cursor("42.0"), 0},
		{"float comparison", Cursor("3.5"), Cursor("3.25"), 1},
		{"lexicographic fallback", Cursor("abc"), Cursor("abd"), -1},
		{"timestamps sort chronologically", Cursor("2024-01-02T00:00:00Z"), Cursor("2024-01-10T00:00:00Z"), -1},
		{"whole second before fractional in same second", Cursor("2024-01-01T10:00:00Z"), Cursor("2024-01-01T10:00:00.7Z"), -1},
		{"fractional after whole second", Cursor("2024-01-01T10:00:00.7Z"), Cursor("2024-01-01T10:00:00Z"), 1},
		{"equal instants across precisions", Cursor("2024-01-01T10:00:00Z"), Cursor("2024-01-01T10:00:00.000Z"), 0},
		{"equal instants across offsets", Cursor("2024-01-01T12:00:00+02:00"), Cursor("2024-01-01T10:00:00Z"), 0},
		{"mixed falls back to lexicographic", Cursor("10"), Cursor("abc"), -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareCursors(tt.a, tt.b))
		})
	}
}

func TestCompareCursorsOrdersRenderedTimestamps(t *testing.T) {
	// RFC 3339 rendering drops trailing fractional zeros, so two cursors in
	// the same second can differ in precision. Comparison must still follow
	// the clock or the incremental guards would skip fresh records.
	whole := Cursor(CursorValueString(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))
	frac := Cursor(CursorValueString(time.Date(2024, 1, 1, 10, 0, 0, 700_000_000, time.UTC)))

	assert.Equal(t, 1, CompareCursors(frac, whole))
	assert.Equal(t, -1, CompareCursors(whole, frac))

	mk := func(cursorValue string) *models.Record {
		r := models.NewRecord("test")
		r.Metadata.CursorValue = cursorValue
		return r
	}
	batch := []*models.Record{mk(frac.String()), mk(whole.String())}
	assert.Equal(t, frac, MaxCursorOfBatch(batch))
}

func TestCursorValueString(t *testing.T) {
	ts := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{"time renders RFC3339", ts, "2024-03-15T10:30:00Z"},
		{"int", int64(42), "42"},
		{"float", 3.5, "3.5"},
		{"string passthrough", "cursor-7", "cursor-7"},
		{"nil is empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CursorValueString(tt.value))
		})
	}
}

func TestMaxCursorOfBatch(t *testing.T) {
	mk := func(cursorValue string) *models.Record {
		r := models.NewRecord("test")
		r.Metadata.CursorValue = cursorValue
		return r
	}

	t.Run("scans whole batch", func(t *testing.T) {
		batch := []*models.Record{mk("3"), mk("10"), mk("7")}
		assert.Equal(t, Cursor("10"), MaxCursorOfBatch(batch))
	})

	t.Run("ignores records without cursor values", func(t *testing.T) {
		batch := []*models.Record{mk(""), mk("5"), mk("")}
		assert.Equal(t, Cursor("5"), MaxCursorOfBatch(batch))
	})

	t.Run("empty batch yields zero cursor", func(t *testing.T) {
		assert.Equal(t, None, MaxCursorOfBatch(nil))
	})
}

func TestInferFieldType(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  FieldType
	}{
		{"int", 7, FieldTypeInt},
		{"int64", int64(7), FieldTypeInt},
		{"float", 1.5, FieldTypeFloat},
		{"bool", true, FieldTypeBool},
		{"time", time.Now(), FieldTypeTimestamp},
		{"string", "x", FieldTypeString},
		{"map", map[string]interface{}{"a": 1}, FieldTypeJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferFieldType(tt.value))
		})
	}
}
