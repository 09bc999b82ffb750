// Package pcs implements PartitionConsumptionState (spec §4.B): the
// authoritative, mutable per-partition state owned by the partition's
// ingestion task. Mutations happen only on the owning task; callback
// threads interact with it only through future completion (internal/future)
// and the mutex-guarded accessors below.
package pcs

import (
	"sync"

	"github.com/venicedb/venice-ingest/internal/future"
)

// Role mirrors spec §3's role enum.
type Role int

const (
	Follower Role = iota
	Leader
	InTransition
)

// State is the per-partition consumption state (spec §4.B).
type State struct {
	mu sync.Mutex

	topic     string
	partition int32

	role                 Role
	endOfPushReceived    bool
	completionReported   bool
	leaderOffsetByUpstream      map[string]int64
	latestIgnoredUpstreamOffset map[string]int64

	lastPolledTsMs   int64
	lastConsumedTsMs int64

	lastVTProduceFuture *future.Future
	lastPersistFuture   *future.Future

	producerHandle     any
	producerHandleOnce sync.Once

	topicSwitch   bool
	isHybrid      bool
	isBatchOnly   bool
	isDataRecovery bool

	// ingestionException is the sticky fatal error surfaced by write() on
	// every subsequent call once set (spec §7, §8).
	ingestionException error
}

// New constructs a State for one assigned partition. lastVTProduceFuture and
// lastPersistFuture both start "already completed" per spec §3.
func New(topic string, partition int32) *State {
	return &State{
		topic:                       topic,
		partition:                   partition,
		role:                        Follower,
		leaderOffsetByUpstream:      make(map[string]int64),
		latestIgnoredUpstreamOffset: make(map[string]int64),
		lastVTProduceFuture:         future.Done(),
		lastPersistFuture:           future.Done(),
	}
}

// ReplicaID returns a stable identifier for logging, per spec §4.B.
func (s *State) ReplicaID() string {
	return s.topic + "-" + itoa(s.partition)
}

func itoa(v int32) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [12]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *State) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *State) SetRole(r Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = r
}

func (s *State) EndOfPushReceived() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endOfPushReceived
}

// MarkEndOfPush sets end_of_push_received; monotone, set once (spec §4.B).
func (s *State) MarkEndOfPush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endOfPushReceived = true
}

func (s *State) CompletionReported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completionReported
}

func (s *State) SetCompletionReported(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completionReported = v
}

// UpdateLatestRTOffsetTriedToProduce updates leader_offset_by_upstream for
// url, rejecting a smaller value silently (spec §4.B: "must be monotone
// non-decreasing — reject smaller values silently").
func (s *State) UpdateLatestRTOffsetTriedToProduce(url string, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset > s.leaderOffsetByUpstream[url] {
		s.leaderOffsetByUpstream[url] = offset
	}
}

func (s *State) LatestRTOffsetTriedToProduce(url string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderOffsetByUpstream[url]
}

// UpdateLatestIgnoredUpstream is the monotone update named in spec §4.B.
func (s *State) UpdateLatestIgnoredUpstream(url string, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset > s.latestIgnoredUpstreamOffset[url] {
		s.latestIgnoredUpstreamOffset[url] = offset
	}
}

func (s *State) LatestIgnoredUpstream(url string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestIgnoredUpstreamOffset[url]
}

func (s *State) SetLastPolledTsMs(ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPolledTsMs = ts
}

func (s *State) SetLastConsumedTsMs(ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastConsumedTsMs = ts
}

// LastVTProduceFuture returns the future completed when the most recent
// downstream produce call was queued (spec §3).
func (s *State) LastVTProduceFuture() *future.Future {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastVTProduceFuture
}

// SetLastVTProduceFuture replaces the chained future; callers must update
// this before the new future resolves, so the next record observes the
// chain (spec §4.F step 4).
func (s *State) SetLastVTProduceFuture(f *future.Future) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastVTProduceFuture = f
}

func (s *State) LastPersistFuture() *future.Future {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPersistFuture
}

func (s *State) SetLastPersistFuture(f *future.Future) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPersistFuture = f
}

// ProducerHandle lazily materializes the downstream producer handle via
// init, exactly once, guarded by sync.Once (spec §9 "lazy producer handle").
func (s *State) ProducerHandle(init func() any) any {
	s.producerHandleOnce.Do(func() {
		s.producerHandle = init()
	})
	return s.producerHandle
}

// ResetProducerHandle installs handle as the current producer handle; a nil
// handle allows a new lazy handle to be materialized on next access (used
// when the EOP producer swap replaces the underlying handle, spec §4.E "swap
// PCS to real-time producer handle").
func (s *State) ResetProducerHandle(handle any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.producerHandle = handle
	s.producerHandleOnce = sync.Once{}
	if handle != nil {
		s.producerHandleOnce.Do(func() {})
	}
}

func (s *State) TopicSwitch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topicSwitch
}

func (s *State) SetTopicSwitch(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topicSwitch = v
}

func (s *State) IsHybrid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isHybrid
}

func (s *State) SetIsHybrid(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isHybrid = v
}

func (s *State) IsBatchOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isBatchOnly
}

func (s *State) SetIsBatchOnly(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isBatchOnly = v
}

func (s *State) IsDataRecovery() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isDataRecovery
}

func (s *State) SetIsDataRecovery(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isDataRecovery = v
}

// SetIngestionException sets the sticky fatal error, if one isn't already
// set (the first fatal condition wins, matching spec §8's invariant that
// write() surfaces the error "on its next invocation").
func (s *State) SetIngestionException(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ingestionException == nil {
		s.ingestionException = err
	}
}

func (s *State) IngestionException() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ingestionException
}

func (s *State) Topic() string     { return s.topic }
func (s *State) Partition() int32  { return s.partition }
