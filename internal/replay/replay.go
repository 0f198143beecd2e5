// Package replay implements the append-only, cursor-addressed output buffer
// that makes terminal reconnection lossless within a bounded retention
// window.
//
// Each hosted process owns one Log. The process's output callback is the
// single writer; any number of readers (including briefly-overlapping old
// and new connections during a reconnect race) may call Read concurrently
// without blocking the writer. Retention is bounded by byte and record
// budgets; once a cursor falls behind the oldest retained record it is no
// longer servable and Read reports ErrTruncated, which is distinct from the
// empty result meaning "caught up".
package replay

import (
	"errors"
	"sync/atomic"
)

// DefaultMaxBytes is the default retention budget (1 MB).
const DefaultMaxBytes = 1024 * 1024

// DefaultMaxRecords is the default cap on retained records.
const DefaultMaxRecords = 4096

// ErrTruncated is returned by Read when the requested cursor is no longer
// servable: either older than the oldest retained record, or beyond the
// current head (a cursor from a different process incarnation). The caller
// must discard its cursor and request a fresh snapshot.
var ErrTruncated = errors.New("replay: cursor outside retained window")

// record is one appended chunk. end is the cursor value immediately after
// the chunk; the chunk covers the byte range [end-len(data), end).
type record struct {
	end  int64
	data []byte
}

// view is an immutable snapshot of the log published by the writer. Readers
// load it atomically and never observe partial state. records is append-only
// within a view's lifetime: the writer may extend the backing array past
// len(records), but never mutates the published prefix.
type view struct {
	records []record
	base    int64 // cursor at the start of the oldest retained record
	head    int64 // cursor after the newest record; total bytes ever appended
	size    int   // retained bytes
}

// Log is a per-process replay buffer. Exactly one goroutine may call Append
// and Close; Read and Cursor are safe for any number of concurrent callers.
type Log struct {
	cur        atomic.Pointer[view]
	maxBytes   int
	maxRecords int
	closed     atomic.Bool
	notify     chan struct{} // signaled (non-blocking) when new data arrives
}

// New creates a replay log with the given retention budgets. Non-positive
// values fall back to the defaults.
func New(maxBytes, maxRecords int) *Log {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	l := &Log{
		maxBytes:   maxBytes,
		maxRecords: maxRecords,
		notify:     make(chan struct{}, 1),
	}
	l.cur.Store(&view{})
	return l
}

// Append adds one output chunk and returns the new head cursor. The cursor
// strictly increases by len(p). Empty appends return the current head
// unchanged. Single-writer only.
func (l *Log) Append(p []byte) int64 {
	v := l.cur.Load()
	if len(p) == 0 {
		return v.head
	}

	data := make([]byte, len(p))
	copy(data, p)

	next := &view{
		base: v.base,
		head: v.head + int64(len(data)),
		size: v.size + len(data),
	}
	next.records = append(v.records, record{end: next.head, data: data})

	// Evict oldest records once either budget is exceeded. Eviction copies
	// the surviving records so published views stay immutable.
	drop := 0
	for drop < len(next.records)-1 &&
		(next.size > l.maxBytes || len(next.records)-drop > l.maxRecords) {
		next.size -= len(next.records[drop].data)
		drop++
	}
	if drop > 0 {
		survivors := make([]record, len(next.records)-drop)
		copy(survivors, next.records[drop:])
		next.records = survivors
		next.base = next.head - int64(next.size)
	}

	l.cur.Store(next)

	select {
	case l.notify <- struct{}{}:
	default:
	}

	return next.head
}

// Read returns all bytes appended since the given cursor. An empty result
// means the caller is caught up. ErrTruncated means the cursor is outside
// the retained window and the caller must resync from a full snapshot.
// Results are stable: repeated reads at a not-yet-evicted cursor return
// identical bytes.
func (l *Log) Read(from int64) ([]byte, error) {
	v := l.cur.Load()

	if from < v.base || from > v.head {
		return nil, ErrTruncated
	}
	if from == v.head {
		return nil, nil
	}

	out := make([]byte, 0, v.head-from)
	for _, rec := range v.records {
		if rec.end <= from {
			continue
		}
		start := int64(len(rec.data)) - (rec.end - from)
		if start < 0 {
			start = 0
		}
		out = append(out, rec.data[start:]...)
		from = rec.end
	}
	return out, nil
}

// Cursor returns the current head cursor.
func (l *Log) Cursor() int64 {
	return l.cur.Load().head
}

// Oldest returns the oldest servable cursor.
func (l *Log) Oldest() int64 {
	return l.cur.Load().base
}

// Len returns the number of retained bytes.
func (l *Log) Len() int {
	return l.cur.Load().size
}

// Close marks the log closed and wakes waiting readers. Further appends are
// the writer's bug; readers observe Closed and stop waiting.
func (l *Log) Close() {
	if l.closed.CompareAndSwap(false, true) {
		select {
		case l.notify <- struct{}{}:
		default:
		}
	}
}

// Closed reports whether the producing process has ended.
func (l *Log) Closed() bool {
	return l.closed.Load()
}

// Notify returns the channel signaled when new data arrives or the log
// closes. Streaming readers select on it and then call Read.
func (l *Log) Notify() <-chan struct{} {
	return l.notify
}
