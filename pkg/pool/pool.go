// Package pool provides typed object pooling for Strataflow.
// Record extraction allocates one map per row across arbitrarily large
// sources, so records and batch slices are recycled through sync.Pool
// backed pools to keep GC pressure flat regardless of source size.
//
// Example usage:
//
//	record := pool.GetRecord()
//	defer record.Release()
//
//	record.SetData("id", 42)
package pool

import (
	"sync"
	"sync/atomic"
	"time"
)

// Pool represents a generic object pool with type safety.
// It wraps sync.Pool with statistics tracking and automatic reset
// functionality. The pool is safe for concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	new   func() T
	reset func(T)
	stats struct {
		allocated int64
		inUse     int64
		hits      int64
	}
}

// New creates a new typed pool with custom allocation and reset functions.
// The reset function, if non-nil, is called before returning an object to
// the pool.
func New[T any](newFn func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{
		new:   newFn,
		reset: reset,
	}
	p.pool.New = func() interface{} {
		atomic.AddInt64(&p.stats.allocated, 1)
		return newFn()
	}
	return p
}

// Get retrieves an object from the pool, creating one if the pool is empty.
func (p *Pool[T]) Get() T {
	atomic.AddInt64(&p.stats.inUse, 1)
	obj := p.pool.Get().(T)
	atomic.AddInt64(&p.stats.hits, 1)
	return obj
}

// Put returns an object to the pool for reuse.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	atomic.AddInt64(&p.stats.inUse, -1)
	p.pool.Put(obj)
}

// Stats returns allocation count, objects in use and total Get hits.
func (p *Pool[T]) Stats() (allocated, inUse, hits int64) {
	return atomic.LoadInt64(&p.stats.allocated),
		atomic.LoadInt64(&p.stats.inUse),
		atomic.LoadInt64(&p.stats.hits)
}

// RecordMetadata carries the normalized metadata attached to every record
// at the raw-write boundary.
type RecordMetadata struct {
	// Source identifies the connector the record came from
	Source string `json:"source,omitempty"`
	// Stream identifies the table/sheet/object collection within the source
	Stream string `json:"stream,omitempty"`
	// RunID is the sync run that extracted the record
	RunID string `json:"run_id,omitempty"`
	// ExtractedAt is when the record was pulled from the source
	ExtractedAt time.Time `json:"extracted_at"`
	// CursorValue is the record's own position value, when the source has one
	CursorValue string `json:"cursor_value,omitempty"`
	// Custom metadata fields for extensibility
	Custom map[string]interface{} `json:"custom,omitempty"`
}

// Record is the unified record type used throughout Strataflow. Records
// should be obtained from the global pool using GetRecord rather than
// created directly.
type Record struct {
	// ID is a unique identifier for the record
	ID string `json:"id"`
	// Data contains the actual record payload
	Data map[string]interface{} `json:"data"`
	// Metadata contains source, timing, and processing information
	Metadata RecordMetadata `json:"metadata"`
}

// RecordPool provides pooling for Record objects. Records are pre-allocated
// with a 16-capacity data map and fully cleared before reuse.
var RecordPool = New(
	func() *Record {
		return &Record{
			Data: make(map[string]interface{}, 16),
		}
	},
	func(r *Record) {
		r.ID = ""
		for k := range r.Data {
			delete(r.Data, k)
		}
		if r.Metadata.Custom != nil {
			for k := range r.Metadata.Custom {
				delete(r.Metadata.Custom, k)
			}
		}
		r.Metadata = RecordMetadata{}
	},
)

// BatchSlicePool provides pooling for record batch slices.
var BatchSlicePool = New(
	func() []*Record {
		return make([]*Record, 0, 1024)
	},
	nil,
)

// GetRecord retrieves a record from the global pool.
func GetRecord() *Record {
	return RecordPool.Get()
}

// NewRecord creates a pooled record tagged with its source connector.
func NewRecord(source string) *Record {
	r := RecordPool.Get()
	r.Metadata.Source = source
	return r
}

// Release returns the record to the global pool.
func (r *Record) Release() {
	RecordPool.Put(r)
}

// SetData sets a data field on the record.
func (r *Record) SetData(key string, value interface{}) {
	r.Data[key] = value
}

// GetData reads a data field from the record.
func (r *Record) GetData(key string) (interface{}, bool) {
	v, ok := r.Data[key]
	return v, ok
}

// SetTimestamp sets the extraction timestamp.
func (r *Record) SetTimestamp(ts time.Time) {
	r.Metadata.ExtractedAt = ts
}

// GetBatchSlice retrieves a batch slice with at least the given capacity.
func GetBatchSlice(capacity int) []*Record {
	s := BatchSlicePool.Get()
	if cap(s) < capacity {
		return make([]*Record, 0, capacity)
	}
	return s[:0]
}

// PutBatchSlice returns a batch slice to the pool. The records themselves
// are not released; ownership passes to the consumer at the channel boundary.
func PutBatchSlice(s []*Record) {
	BatchSlicePool.Put(s[:0])
}
