// Package ingest wires one partition's collaborators — DIV, key locks, the
// active/active merger, the leader producer, the drainer, and the record
// delegator — into the four operations exposed upward by spec §6: Write,
// DestinationIdentifier, NotifyOfTopicDeletion, ReceivedRecordsCount.
package ingest

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/venicedb/venice-ingest/internal/activeactive"
	"github.com/venicedb/venice-ingest/internal/batch"
	"github.com/venicedb/venice-ingest/internal/config"
	"github.com/venicedb/venice-ingest/internal/delegator"
	"github.com/venicedb/venice-ingest/internal/ingesterr"
	"github.com/venicedb/venice-ingest/internal/keylock"
	"github.com/venicedb/venice-ingest/internal/pcs"
	"github.com/venicedb/venice-ingest/internal/quota"
	"github.com/venicedb/venice-ingest/internal/record"
)

// Task is the per-partition ingestion task: the owner of a pcs.State,
// presenting the upward-facing surface of spec §6. Write runs the
// sequential per-record path on the caller's goroutine; the parallel batch
// path and the active/active produce run part of the work on other
// goroutines.
type Task struct {
	cfg      config.Config
	identity delegator.Identity
	state    *pcs.State

	delegate *delegator.Delegator
	batchSeq *batch.Processor
	quota    *quota.Manager

	received atomic.Uint64
}

// NewTask constructs a Task. merger and locks must be the same collaborators
// the delegator and active/active merger were constructed with, so that the
// batch processor's mini-batch lock acquisition (spec §4.D) and the
// delegator's own per-record merge (spec §4.F) serialize on the same keys.
// quotaMgr may be nil, disabling quota enforcement entirely.
func NewTask(cfg config.Config, identity delegator.Identity, state *pcs.State, delegate *delegator.Delegator, merger *activeactive.Merger, locks *keylock.Manager, quotaMgr *quota.Manager) *Task {
	t := &Task{cfg: cfg, identity: identity, state: state, delegate: delegate, quota: quotaMgr}

	mergeFn := func(ctx context.Context, r *record.Record) (*batch.Result, error) {
		pc, err := merger.MergeOnly(ctx, state, r)
		if err != nil {
			return nil, err
		}
		return &batch.Result{Ignored: pc.Result.Outcome == activeactive.UpdateIgnored, Merged: pc}, nil
	}
	delegateFn := func(ctx context.Context, r *record.Record, precomputed *batch.Result) error {
		_, err := t.delegate.Deliver(ctx, state, r, precomputed)
		return err
	}
	t.batchSeq = batch.NewProcessor(cfg.ParallelProcessingPoolSize, locks, mergeFn, delegateFn)

	return t
}

// Write implements spec §6's sole entry point for polled data: it enforces
// the partition's quota over the whole batch, then dispatches maximal runs
// of consecutive records sharing the same parallel-processing policy gate
// (spec §4.D) either to the parallel batch processor or, run by run, to the
// delegator's sequential per-record path directly.
func (t *Task) Write(ctx context.Context, records []*record.Record) error {
	t.received.Add(uint64(len(records)))

	if err := t.state.IngestionException(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	if err := t.enforceQuota(records); err != nil {
		return err
	}

	i := 0
	for i < len(records) {
		gate := t.shouldProcessInParallel(records[i])
		j := i + 1
		for j < len(records) && t.shouldProcessInParallel(records[j]) == gate {
			j++
		}
		run := records[i:j]

		if gate {
			if err := t.batchSeq.ProcessBatch(ctx, run); err != nil {
				return err
			}
		} else {
			for _, r := range run {
				if _, err := t.delegate.Deliver(ctx, t.state, r, nil); err != nil {
					return err
				}
			}
		}

		i = j
	}
	return nil
}

// shouldProcessInParallel applies spec §4.D's policy gate per record; this
// implementation treats per-key conflict resolution as always enabled
// whenever active/active replication is (see DESIGN.md's Open Question
// decision), since no separate configuration surface for it exists in spec
// §6's enumerated configuration. Control messages never take the batch
// path regardless of the gate — the Batch Processor's merge/write-compute
// step is defined over data records only (spec §4.D); a control message
// always goes through the delegator's control-message switch directly.
func (t *Task) shouldProcessInParallel(r *record.Record) bool {
	if !r.IsDataRecord() {
		return false
	}
	return batch.ShouldProcessInParallel(t.cfg.ActiveActiveReplicationEnabled, true, t.state.EndOfPushReceived(), r.TopicType)
}

func (t *Task) enforceQuota(records []*record.Record) error {
	if t.quota == nil {
		return nil
	}
	var bytesRead int64
	for _, r := range records {
		bytesRead += int64(len(r.Key)) + int64(len(payloadBytes(r)))
	}
	if err := t.quota.EnforcePartitionQuota(t.state.Partition(), bytesRead); err != nil {
		wrapped := ingesterr.New(ingesterr.KindUnknown, t.state.Topic(), t.state.Partition(), records[len(records)-1].Offset, err)
		t.state.SetIngestionException(wrapped)
		return wrapped
	}
	return nil
}

func payloadBytes(r *record.Record) []byte {
	switch v := r.Value.(type) {
	case *record.Put:
		return v.Value
	case *record.Update:
		return v.UpdateBytes
	default:
		return nil
	}
}

// DestinationIdentifier reports the version-topic-partition this task
// ingests into (spec §6: "target VT identity").
func (t *Task) DestinationIdentifier() string {
	return t.identity.Topic + "-" + strconv.Itoa(int(t.state.Partition()))
}

// NotifyOfTopicDeletion sets a fatal partition-scoped error if topic is the
// one this task ingests (spec §6). This is deliberately not KindUnsubscribed
// — that Kind is the non-fatal "partition no longer owned, skip silently"
// disposition of spec §7 item 9, a different situation from the topic
// itself having been deleted out from under the task.
func (t *Task) NotifyOfTopicDeletion(topic string) {
	if topic != t.identity.Topic {
		return
	}
	err := ingesterr.New(ingesterr.KindUnknown, topic, t.state.Partition(), record.OffsetSentinelNoAdvance, fmt.Errorf("ingest: topic %q deleted", topic))
	t.state.SetIngestionException(err)
}

// ReceivedRecordsCount reports the cumulative number of records handed to
// Write, for tests and observability (spec §6).
func (t *Task) ReceivedRecordsCount() uint64 {
	return t.received.Load()
}
