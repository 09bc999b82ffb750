// Package producer implements the Leader Producer & Callback wrapper (spec
// §4.G): a produce-once contract over the environment's LogProducer, whose
// callback stamps the durable offset, completes a persistedToDBFuture, and
// enqueues the record into the Drainer on success, or records a partition
// ingestion exception and rejects the future on failure.
//
// The active/active variant carries an idempotent post-completion hook that
// restores input-buffer headers after an in-place buffer reuse, since the
// producer may retry the same buffer. "Idempotent hook guarded against
// repeated invocation" is grounded on the sync.Once-style guard
// github.com/joeycumines/go-microbatch.Batcher.stop uses for its own
// one-time close signal — here an atomic.Bool CAS, because the hook must
// remain *callable* an arbitrary number of times while *executing* its
// effect only once.
package producer

import (
	"context"
	"sync/atomic"

	"github.com/venicedb/venice-ingest/internal/drainer"
	"github.com/venicedb/venice-ingest/internal/future"
	"github.com/venicedb/venice-ingest/internal/ingesterr"
	"github.com/venicedb/venice-ingest/internal/pcs"
	"github.com/venicedb/venice-ingest/internal/record"
)

// Sender is the narrow LogProducer collaborator (spec §6): send a record,
// invoking onAck exactly once from the producer's own thread once the
// broker has acknowledged (or permanently failed) the send.
type Sender interface {
	Send(ctx context.Context, topic string, partition int32, key, value []byte, headers map[string][]byte, onAck func(offset int64, err error)) error
	Flush(ctx context.Context) error
}

// Options carries the optional active/active idempotent header-restoration
// hook (spec §4.G, §9 "pass-through vs regenerated producer metadata").
type Options struct {
	// RestoreHeaders, if set, runs at most once after the produce callback
	// settles (success or failure), regardless of how many times the
	// producer retries the underlying buffer.
	RestoreHeaders func()
}

// Producer wraps a Sender with the spec §4.G callback contract and enqueues
// successfully-produced records into a Drainer. It always produces to the
// version topic it was constructed for.
type Producer struct {
	topic  string
	sender Sender
	queue  *drainer.Queue
}

// New constructs a Producer bound to the given version topic.
func New(topic string, sender Sender, queue *drainer.Queue) *Producer {
	return &Producer{topic: topic, sender: sender, queue: queue}
}

// Flush flushes the underlying Sender (spec §4.E "produce EOP; flush producer").
func (pr *Producer) Flush(ctx context.Context) error {
	return pr.sender.Flush(ctx)
}

// Produce issues one send, returning a future that settles when that send's
// callback fires. It must be invoked at most once per logical record (spec
// §4.G: "must be invoked exactly once").
func (pr *Producer) Produce(ctx context.Context, p *pcs.State, downstreamPartition int32, upstreamURL string, r *record.Record, key, value []byte, headers map[string][]byte, opts Options) (*future.Future, error) {
	f, resolve, reject := future.New()

	var restored atomic.Bool
	restore := func() {
		if opts.RestoreHeaders == nil {
			return
		}
		if restored.CompareAndSwap(false, true) {
			opts.RestoreHeaders()
		}
	}

	onAck := func(offset int64, err error) {
		defer restore()

		if err != nil {
			produceErr := ingesterr.New(ingesterr.KindProduceFailure, pr.topic, downstreamPartition, r.Offset, err)
			p.SetIngestionException(produceErr)
			reject(produceErr)
			return
		}

		resolve()

		_ = pr.queue.Put(ctx, drainer.Entry{
			Record:        r,
			Partition:     downstreamPartition,
			UpstreamURL:   upstreamURL,
			TimestampMs:   r.Timestamp.UnixMilli(),
			DurableOffset: offset,
		})
	}

	if err := pr.sender.Send(ctx, pr.topic, downstreamPartition, key, value, headers, onAck); err != nil {
		restore()
		sendErr := ingesterr.New(ingesterr.KindProduceFailure, pr.topic, downstreamPartition, r.Offset, err)
		p.SetIngestionException(sendErr)
		reject(sendErr)
		return f, sendErr
	}
	return f, nil
}

// ProducePut implements activeactive.Producer by adapting a fresh-value
// produce call to a synchronous send, with no pass-through headers (the
// active/active path never carries pre-EOP producer-metadata headers).
func (pr *Producer) ProducePut(ctx context.Context, partition int32, key, value []byte, schemaID int32, rmd []byte) error {
	return pr.produceSync(ctx, partition, key, value)
}

// ProduceDelete implements activeactive.Producer for tombstone produces.
func (pr *Producer) ProduceDelete(ctx context.Context, partition int32, key []byte, schemaID int32, rmd, oldValueManifest, oldRMDManifest []byte) error {
	return pr.produceSync(ctx, partition, key, nil)
}

// produceSync is used by the narrow activeactive.Producer adapter methods
// above, which have no PCS/future context of their own to hand back to a
// caller; it waits for the underlying send's callback synchronously, which
// is safe here because activeactive.Merger only calls it from its own
// produce goroutine, already gated on the VT future chain.
func (pr *Producer) produceSync(ctx context.Context, partition int32, key, value []byte) error {
	done := make(chan error, 1)
	if err := pr.sender.Send(ctx, pr.topic, partition, key, value, nil, func(offset int64, err error) {
		done <- err
	}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
