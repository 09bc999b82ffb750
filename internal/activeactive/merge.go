// Package activeactive implements Active/Active Merge & View Fan-out (spec
// §4.F): for each data record observed after end-of-push under active/active
// replication, read the prior value and Replication Metadata Descriptor
// (RMD) under the record's key lock, resolve the conflict, fan the result
// out to every view writer in parallel, and only once that fan-out (and the
// previous version-topic produce) has completed, produce to the version
// topic — preserving per-key causal order even though the fan-out itself is
// concurrent.
//
// The gating chain is built from internal/future's Join, the same
// one-shot-future primitive used for pcs.State's last_vt_produce_future
// (spec §3); parallel view-writer fan-out uses golang.org/x/sync/errgroup,
// matching internal/batch's per-mini-batch worker fan-out.
package activeactive

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/venicedb/venice-ingest/internal/future"
	"github.com/venicedb/venice-ingest/internal/ingesterr"
	"github.com/venicedb/venice-ingest/internal/keylock"
	"github.com/venicedb/venice-ingest/internal/pcs"
	"github.com/venicedb/venice-ingest/internal/record"
	"github.com/venicedb/venice-ingest/internal/stats"
)

// Outcome mirrors spec §4.F step 2's MergeConflictResult variants.
type Outcome int

const (
	UpdateIgnored Outcome = iota
	NewPutWithRMD
	TombstoneWithRMD
)

func (o Outcome) String() string {
	switch o {
	case NewPutWithRMD:
		return "NEW_PUT_WITH_RMD"
	case TombstoneWithRMD:
		return "TOMBSTONE_WITH_RMD"
	default:
		return "UPDATE_IGNORED"
	}
}

// PriorValue is the value+RMD pair read from the transient cache or storage
// (spec §9 "transient cache of prior value+RMD").
type PriorValue struct {
	Value    []byte
	SchemaID int32
	RMD      []byte
}

// MergeResult is the MergeConflictResult of spec §4.F step 2, including the
// old-value/RMD manifests required for chunked values.
type MergeResult struct {
	Outcome          Outcome
	NewValue         []byte
	NewSchemaID      int32
	NewRMD           []byte
	OldValueManifest []byte
	OldRMDManifest   []byte
}

// MergeFunc runs merge(incoming, prior_value, prior_rmd) -> MergeConflictResult.
type MergeFunc func(incoming *record.Record, prior PriorValue, hasPrior bool) (MergeResult, error)

// Storage is the narrow prior-value-read collaborator (spec §6 StorageEngine.get).
type Storage interface {
	Get(ctx context.Context, partition int32, key []byte) (PriorValue, bool, error)
}

// ViewWriter is the narrow ViewWriter collaborator (spec §6):
// process_record(new_value, old_value, key, version, new_schema_id,
// old_schema_id, rmd) -> Future<Unit>.
type ViewWriter interface {
	ProcessRecord(ctx context.Context, newValue, oldValue, key []byte, version, newSchemaID, oldSchemaID int32, rmd []byte) (*future.Future, error)
}

// Producer is the narrow version-topic produce collaborator consumed here;
// internal/producer.Producer satisfies it structurally.
type Producer interface {
	ProducePut(ctx context.Context, partition int32, key, value []byte, schemaID int32, rmd []byte) error
	ProduceDelete(ctx context.Context, partition int32, key []byte, schemaID int32, rmd, oldValueManifest, oldRMDManifest []byte) error
}

// Merger implements spec §4.F for one partition.
type Merger struct {
	version  int32
	locks    *keylock.Manager
	storage  Storage
	merge    MergeFunc
	producer Producer
	stats    stats.Sink

	cacheMu sync.Mutex
	cache   map[string]PriorValue
}

// NewMerger constructs a Merger. version is the store-version number passed
// through to ViewWriter.ProcessRecord. sink may be nil, defaulting to
// stats.NullStats.
func NewMerger(version int32, locks *keylock.Manager, storage Storage, merge MergeFunc, producer Producer, sink stats.Sink) *Merger {
	if sink == nil {
		sink = stats.NullStats{}
	}
	return &Merger{
		version:  version,
		locks:    locks,
		storage:  storage,
		merge:    merge,
		producer: producer,
		stats:    sink,
		cache:    make(map[string]PriorValue),
	}
}

// Process runs spec §4.F's algorithm for one data record end to end. It
// returns once the merge decision is made and (if not ignored) the gated
// produce has been scheduled; it does not block on view fan-out or the
// produce call itself, so the caller's worker is free to move on to the
// next key.
func (m *Merger) Process(ctx context.Context, p *pcs.State, r *record.Record, views []ViewWriter) error {
	prior, result, err := m.mergeUnderLock(ctx, p, r)
	if err != nil {
		return err
	}
	return m.dispatch(ctx, p, r, prior, result, views)
}

// Precomputed bundles the prior value and merge result from an earlier
// mergeUnderLock call, for hand-off from internal/batch's parallel
// mini-batch merge phase (which runs steps 1-2 under the batch's own
// key-lock handle) to ProcessPrecomputed.
type Precomputed struct {
	Prior  PriorValue
	Result MergeResult
}

// MergeOnly runs spec §4.F steps 1-2 only (the key-locked prior-value read
// and merge), without any produce/view fan-out; it is used as the
// internal/batch.MergeFunc for the active/active parallel mini-batch path,
// where lock acquisition and fan-out are handled by internal/batch and
// ProcessPrecomputed respectively.
func (m *Merger) MergeOnly(ctx context.Context, p *pcs.State, r *record.Record) (Precomputed, error) {
	prior, result, err := m.mergeUnderLock(ctx, p, r)
	if err != nil {
		return Precomputed{}, err
	}
	return Precomputed{Prior: prior, Result: result}, nil
}

// ProcessPrecomputed runs spec §4.F steps 3-5 given an already-computed
// Precomputed (from MergeOnly), skipping the key-locked read/merge that
// internal/batch's parallel worker phase already performed.
func (m *Merger) ProcessPrecomputed(ctx context.Context, p *pcs.State, r *record.Record, pc Precomputed, views []ViewWriter) error {
	return m.dispatch(ctx, p, r, pc.Prior, pc.Result, views)
}

// dispatch implements spec §4.F steps 3-5: skip on UpdateIgnored, otherwise
// fan out to view writers (if any) and produce once the gating future
// resolves.
func (m *Merger) dispatch(ctx context.Context, p *pcs.State, r *record.Record, prior PriorValue, result MergeResult, views []ViewWriter) error {
	if result.Outcome == UpdateIgnored {
		return nil
	}

	previous := p.LastVTProduceFuture()
	gated, resolveGated, rejectGated := future.New()
	p.SetLastVTProduceFuture(gated)

	if len(views) == 0 {
		go m.produceAndSettle(ctx, p, r, result, previous, resolveGated, rejectGated)
		return nil
	}

	viewFutures := make([]*future.Future, len(views))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range views {
		i, v := i, v
		g.Go(func() error {
			f, err := v.ProcessRecord(gctx, result.NewValue, prior.Value, r.Key, m.version, result.NewSchemaID, prior.SchemaID, result.NewRMD)
			if err != nil {
				return err
			}
			viewFutures[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		viewErr := ingesterr.New(ingesterr.KindViewFailure, p.Topic(), r.Partition, r.Offset, fmt.Errorf("active/active: view fan-out: %w", err))
		p.SetIngestionException(viewErr)
		rejectGated(viewErr)
		return viewErr
	}

	composite := future.Join(append(viewFutures, previous)...)
	go m.produceAndSettle(ctx, p, r, result, composite, resolveGated, rejectGated)
	return nil
}

// mergeUnderLock reads the prior value+RMD and runs merge() under the
// record's key lock (spec §4.F steps 1-2); the key lock is held only across
// this CPU-bound section plus the single storage read, per §4.C's contract.
func (m *Merger) mergeUnderLock(ctx context.Context, p *pcs.State, r *record.Record) (PriorValue, MergeResult, error) {
	m.locks.AcquireOne(r.Key)
	defer m.locks.ReleaseOne(r.Key)

	prior, hasPrior, err := m.readPrior(ctx, r.Partition, r.Key)
	if err != nil {
		return PriorValue{}, MergeResult{}, ingesterr.New(ingesterr.KindInvalidMessage, p.Topic(), r.Partition, r.Offset, fmt.Errorf("active/active: read prior value: %w", err))
	}

	result, err := m.merge(r, prior, hasPrior)
	if err != nil {
		return PriorValue{}, MergeResult{}, ingesterr.New(ingesterr.KindInvalidMessage, p.Topic(), r.Partition, r.Offset, fmt.Errorf("active/active: merge: %w", err))
	}

	if result.Outcome != UpdateIgnored {
		m.setCache(r.Key, result)
		if result.Outcome == TombstoneWithRMD {
			m.stats.TombstoneCreatedDCR(r.Partition)
		}
	}

	return prior, result, nil
}

// readPrior consults the transient cache before falling back to storage
// (spec §9: "avoid disk reads between closely spaced writes to the same key").
func (m *Merger) readPrior(ctx context.Context, partition int32, key []byte) (PriorValue, bool, error) {
	if pv, ok := m.getCache(key); ok {
		return pv, true, nil
	}
	return m.storage.Get(ctx, partition, key)
}

func (m *Merger) getCache(key []byte) (PriorValue, bool) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	pv, ok := m.cache[string(key)]
	return pv, ok
}

// setCache updates the transient cache; only ever called while the key lock
// from mergeUnderLock is held, satisfying spec §9's consistency requirement.
func (m *Merger) setCache(key []byte, result MergeResult) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if result.Outcome == TombstoneWithRMD {
		delete(m.cache, string(key))
		return
	}
	m.cache[string(key)] = PriorValue{Value: result.NewValue, SchemaID: result.NewSchemaID, RMD: result.NewRMD}
}

// EvictCache drops any cached prior value for key, e.g. once the key is no
// longer hot (spec §9: eviction "is optional but recommended").
func (m *Merger) EvictCache(key []byte) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	delete(m.cache, string(key))
}

// produceAndSettle waits for gate (the composite of all view futures plus
// the previous VT produce, or just the previous VT produce when there are no
// view writers), then issues the version-topic produce and settles resolve/
// reject so the next record's gate observes completion (spec §4.F step 4).
func (m *Merger) produceAndSettle(ctx context.Context, p *pcs.State, r *record.Record, result MergeResult, gate *future.Future, resolve func(), reject func(error)) {
	if err := gate.Wait(ctx); err != nil {
		reject(err)
		return
	}
	if err := m.produce(ctx, r, result); err != nil {
		produceErr := ingesterr.New(ingesterr.KindProduceFailure, p.Topic(), r.Partition, r.Offset, fmt.Errorf("active/active: produce: %w", err))
		p.SetIngestionException(produceErr)
		reject(produceErr)
		return
	}
	resolve()
}

func (m *Merger) produce(ctx context.Context, r *record.Record, result MergeResult) error {
	if result.Outcome == TombstoneWithRMD {
		return m.producer.ProduceDelete(ctx, r.Partition, r.Key, result.NewSchemaID, result.NewRMD, result.OldValueManifest, result.OldRMDManifest)
	}
	return m.producer.ProducePut(ctx, r.Partition, r.Key, result.NewValue, result.NewSchemaID, result.NewRMD)
}
