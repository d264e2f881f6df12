package core

import (
	"strconv"
	"time"

	"github.com/strataflow/strataflow/pkg/models"
)

// CursorValueString renders a source value as a canonical cursor string.
// Timestamps use RFC 3339 with nanoseconds and compare chronologically in
// CompareCursors; integers and floats render in decimal so numeric
// comparison applies.
func CursorValueString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []byte:
		return string(t)
	default:
		return ""
	}
}

// InferFieldType maps a sampled Go value to a schema field type. Used by
// connectors whose sources declare no column metadata (spreadsheets, JSON
// APIs).
func InferFieldType(v interface{}) FieldType {
	switch v.(type) {
	case bool:
		return FieldTypeBool
	case int, int32, int64, uint64:
		return FieldTypeInt
	case float32, float64:
		return FieldTypeFloat
	case time.Time:
		return FieldTypeTimestamp
	case []byte:
		return FieldTypeBinary
	case map[string]interface{}, []interface{}:
		return FieldTypeJSON
	default:
		return FieldTypeString
	}
}

// MaxCursorOfBatch scans a batch's per-record cursor values and returns the
// largest one. Connectors that order their output can simply take the last
// record, but scanning keeps the result correct for sources that cannot
// guarantee ordering within a page.
func MaxCursorOfBatch(batch []*models.Record) Cursor {
	var maxc Cursor
	for _, r := range batch {
		if r == nil || r.Metadata.CursorValue == "" {
			continue
		}
		c := Cursor(r.Metadata.CursorValue)
		if maxc.IsZero() || CompareCursors(c, maxc) > 0 {
			maxc = c
		}
	}
	return maxc
}
