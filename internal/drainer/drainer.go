// Package drainer implements the Drainer Interface (spec §4.H): a bounded
// blocking queue of processed records waiting to be applied to the storage
// engine. The core (partition task or producer callback thread) blocks on
// Put under back-pressure; that block must be interruptible via ctx, never
// unconditional.
//
// The interruptible-blocking-send shape is grounded on
// github.com/joeycumines/go-microbatch.Batcher.Submit's select across a
// buffered channel send and ctx.Done().
package drainer

import (
	"context"

	"github.com/venicedb/venice-ingest/internal/record"
)

// Entry is one processed record awaiting storage application, carrying the
// downstream partition, upstream origin, and ingress timestamp the storage
// apply step needs (spec §4.H: "put(record, partition, upstream_url, ts)").
type Entry struct {
	Record      *record.Record
	Partition   int32
	UpstreamURL string
	TimestampMs int64

	// DurableOffset is the version-topic offset the broker assigned this
	// record on ack (spec §4.G: "on success... stamps durable offset").
	DurableOffset int64
}

// Queue is a bounded, FIFO-per-partition (by virtue of a single shared
// channel and single-producer-per-partition discipline upstream) blocking
// queue. The zero value is not usable; construct with New.
type Queue struct {
	ch chan Entry
}

// New constructs a Queue with the given bound. A non-positive capacity is
// treated as an unbuffered (synchronous-handoff) queue.
func New(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{ch: make(chan Entry, capacity)}
}

// Put blocks until e can be enqueued or ctx is canceled, whichever comes
// first (spec §4.H: "the core blocks here under back-pressure... must be
// interruptible").
func (q *Queue) Put(ctx context.Context, e Entry) error {
	select {
	case q.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain exposes the receive side for the consumer pool applying entries to
// the storage engine (spec §5: "a separate pool of consumer threads applying
// records to storage").
func (q *Queue) Drain() <-chan Entry {
	return q.ch
}

// Len reports the number of entries currently buffered, for backpressure
// observability.
func (q *Queue) Len() int {
	return len(q.ch)
}
