package core

import (
	"context"
	"strconv"
	"time"

	"github.com/strataflow/strataflow/pkg/config"
	"github.com/strataflow/strataflow/pkg/models"
)

// Cursor is an opaque, source-type-specific high-water mark. The empty
// cursor means no prior state, i.e. a full initial sync. Only the connector
// that produced a cursor knows its exact semantics; the orchestrator and
// state store treat it as a string with CompareCursors ordering.
type Cursor string

// None is the zero cursor.
const None Cursor = ""

// IsZero reports whether the cursor is unset.
func (c Cursor) IsZero() bool {
	return c == ""
}

// String returns the raw cursor value.
func (c Cursor) String() string {
	return string(c)
}

// CompareCursors orders two cursor values: -1 if a < b, 0 if equal, 1 if
// a > b. Values that both parse as numbers compare numerically
// (auto-increment cursors); values that both parse as RFC 3339 timestamps
// compare chronologically, so mixed fractional precision within the same
// second still orders correctly; everything else compares lexicographically.
// An empty cursor sorts before any non-empty cursor.
func CompareCursors(a, b Cursor) int {
	if a == b {
		return 0
	}
	if a.IsZero() {
		return -1
	}
	if b.IsZero() {
		return 1
	}
	af, aerr := strconv.ParseFloat(string(a), 64)
	bf, berr := strconv.ParseFloat(string(b), 64)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	at, aerr := time.Parse(time.RFC3339Nano, string(a))
	bt, berr := time.Parse(time.RFC3339Nano, string(b))
	if aerr == nil && berr == nil {
		switch {
		case at.Before(bt):
			return -1
		case at.After(bt):
			return 1
		default:
			return 0
		}
	}
	if a < b {
		return -1
	}
	return 1
}

// FieldType represents the inferred data type of a schema field.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInt       FieldType = "int"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBool      FieldType = "bool"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeJSON      FieldType = "json"
	FieldTypeBinary    FieldType = "binary"
)

// Field represents a single column in a stream schema.
type Field struct {
	Name     string
	Type     FieldType
	Nullable bool
}

// Schema is the ordered column list of one stream, inferred from sampled
// rows or declared source metadata.
type Schema struct {
	Stream       string
	Fields       []Field
	DiscoveredAt time.Time
}

// BatchStream is a lazily produced, finite stream of record batches.
// Batches are bounded in size so arbitrarily large sources never require
// buffering the whole stream. Both channels are closed when the stream
// ends; at most one error is delivered.
type BatchStream struct {
	Batches <-chan []*models.Record
	Errors  <-chan error
}

// Source is the capability contract every source connector implements.
// Implementations retry transient network failures internally (bounded
// exponential backoff with jitter) and surface permanent failures
// immediately.
type Source interface {
	// Initialize validates connection parameters and prepares the connector.
	Initialize(ctx context.Context, cfg *config.ConnectorConfig) error

	// TestConnection verifies reachability without side effects. It must
	// respect the config's connection timeout rather than hang.
	TestConnection(ctx context.Context) error

	// GetSchema returns the ordered (column, type) list for a stream and
	// fails with a schema error if the stream is unknown.
	GetSchema(ctx context.Context, stream string) (*Schema, error)

	// Fetch yields record batches for a stream. A non-zero cursor restricts
	// output to records logically after it; the comparison semantics are
	// source-specific (timestamp >, auto-increment >, or full snapshot when
	// the source has no ordering concept).
	Fetch(ctx context.Context, stream string, cursor Cursor) (*BatchStream, error)

	// MaxCursor extracts the new high-water mark from a batch so the
	// orchestrator can track progress without knowing cursor semantics.
	// Returns None for an empty batch or a snapshot-only stream position.
	MaxCursor(stream string, batch []*models.Record) Cursor

	// SupportsIncremental reports whether the source honors cursors at all.
	SupportsIncremental() bool

	// Close releases connections and background resources.
	Close(ctx context.Context) error
}
