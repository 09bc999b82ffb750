// Package batch implements the Batch Processor (spec §4.D): given a policy
// gate that holds, groups a polled batch into mini-batches of size P,
// acquires per-key locks for each mini-batch, runs merge/write-compute in
// parallel within the mini-batch, then delegates each result to the Record
// Delegator's single-record path in input order, preserving strict
// input-order application within a mini-batch and sequential ordering
// across mini-batches.
//
// Mini-batch grouping is delegated to
// github.com/joeycumines/go-microbatch.Batcher, configured with
// MaxSize: P and MaxConcurrency: 1 — the latter is what gives spec §4.D's
// "across mini-batches, order is preserved by sequential processing"
// invariant for free, rather than needing to reimplement it. Per-key
// parallel fan-out within a mini-batch uses golang.org/x/sync/errgroup.
package batch

import (
	"context"

	"github.com/joeycumines/go-microbatch"
	"golang.org/x/sync/errgroup"

	"github.com/venicedb/venice-ingest/internal/keylock"
	"github.com/venicedb/venice-ingest/internal/record"
)

// Result is the outcome of merging one record against prior state, kept in
// input order within its mini-batch (spec §4.D step b: "ProcessedResult
// (merged value or 'ignored')").
type Result struct {
	Ignored bool
	Merged  any
}

// MergeFunc runs the prior-value read plus merge/write-compute for one
// record, under that record's key lock.
type MergeFunc func(ctx context.Context, r *record.Record) (*Result, error)

// DelegateFunc is the Record Delegator's single-record entry point (spec
// §4.E), invoked once per record in mini-batch input order, with any
// precomputed Result attached so the delegator skips recomputation (spec
// §4.D step c).
type DelegateFunc func(ctx context.Context, r *record.Record, precomputed *Result) error

// Processor implements spec §4.D.
type Processor struct {
	parallelism int
	locks       *keylock.Manager
	merge       MergeFunc
	delegate    DelegateFunc
}

// NewProcessor constructs a Processor. parallelism is the configured
// parallel_processing_pool_size (spec §6), the mini-batch width P.
func NewProcessor(parallelism int, locks *keylock.Manager, merge MergeFunc, delegate DelegateFunc) *Processor {
	if parallelism <= 0 {
		parallelism = 8
	}
	return &Processor{parallelism: parallelism, locks: locks, merge: merge, delegate: delegate}
}

// ShouldProcessInParallel implements spec §4.D's policy gate: a batch is
// processed in parallel only when the store has active/active replication
// AND per-key conflict resolution AND end_of_push_received holds AND the
// records originate from a real-time topic. Otherwise the per-record path
// (spec §4.E) is used directly by the caller instead of ProcessBatch.
func ShouldProcessInParallel(activeActiveEnabled, perKeyConflictResolution, endOfPushReceived bool, topicType record.TopicType) bool {
	return activeActiveEnabled && perKeyConflictResolution && endOfPushReceived && topicType == record.TopicTypeRealTime
}

type job struct {
	rec    *record.Record
	result *Result
	err    error
}

// ProcessBatch implements spec §4.D's algorithm over one already-polled
// batch of records. It must only be called once ShouldProcessInParallel
// holds; callers otherwise invoke DelegateFunc directly per record.
func (p *Processor) ProcessBatch(ctx context.Context, records []*record.Record) error {
	if len(records) == 0 {
		return nil
	}

	batcher := microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        p.parallelism,
		FlushInterval:  -1,
		MaxConcurrency: 1,
	}, p.processMiniBatch)

	results := make([]*microbatch.JobResult[*job], len(records))
	for i, r := range records {
		res, err := batcher.Submit(ctx, &job{rec: r})
		if err != nil {
			_ = batcher.Close()
			return err
		}
		results[i] = res
	}

	if err := batcher.Shutdown(ctx); err != nil {
		return err
	}

	for _, res := range results {
		if err := res.Wait(ctx); err != nil {
			return err
		}
		if res.Job.err != nil {
			return res.Job.err
		}
	}
	return nil
}

// processMiniBatch is the microbatch.BatchProcessor for one mini-batch: it
// acquires all key locks in sorted order, fans merge out across the
// mini-batch's jobs in parallel, then delegates every result in input order
// before releasing the locks (spec §4.D steps a–d).
func (p *Processor) processMiniBatch(ctx context.Context, jobs []*job) error {
	keys := make([][]byte, len(jobs))
	for i, j := range jobs {
		keys[i] = j.rec.Key
	}

	handle := p.locks.AcquireMany(keys)
	defer p.locks.Release(handle)

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			result, err := p.merge(gctx, j.rec)
			j.result, j.err = result, err
			// errors are carried per-job rather than returned here, so one
			// key's merge failure doesn't cancel its siblings' independent reads.
			return nil
		})
	}
	_ = g.Wait()

	for _, j := range jobs {
		if j.err != nil {
			return j.err
		}
		if err := p.delegate(ctx, j.rec, j.result); err != nil {
			return err
		}
	}
	return nil
}
