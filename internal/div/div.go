// Package div implements the Data Integrity Validator (spec §4.A): per
// (partition, producer GUID, segment) sequence-number and checksum
// tracking, classifying each record as OK, a non-fatal Duplicate, or Fatal.
//
// The tracker table is a sync.Map of per-segment state, grounded on
// catrate.Limiter's use of sync.Map for independent per-category state
// (catrate/limiter.go).
package div

import (
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/venicedb/venice-ingest/internal/record"
	"github.com/venicedb/venice-ingest/internal/stats"
)

// Outcome classifies a DIV validation result, per spec §4.A.
type Outcome int

const (
	OK Outcome = iota
	Duplicate
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Duplicate:
		return "duplicate"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type segmentKey struct {
	partition     int32
	producerGUID  string
	segmentNumber int32
}

// SegmentStatus mirrors spec §3's IN_PROGRESS/ENDED segment lifecycle.
type SegmentStatus int

const (
	SegmentNotStarted SegmentStatus = iota
	SegmentInProgress
	SegmentEnded
)

type segmentState struct {
	mu             sync.Mutex
	lastSeen       int32
	checksum       uint32
	status         SegmentStatus
	started        bool
}

// Validator is a DIV tracker for one topic type (version or real-time); spec
// §3 specifies two trackers may exist, selected by whether global RT DIV is
// enabled.
type Validator struct {
	segments sync.Map // segmentKey -> *segmentState
	stats    stats.Sink
}

// New constructs a Validator. A nil stats.Sink is replaced with
// stats.NullStats.
func New(sink stats.Sink) *Validator {
	if sink == nil {
		sink = stats.NullStats{}
	}
	return &Validator{stats: sink}
}

func (v *Validator) segment(partition int32, pm record.ProducerMetadata) *segmentState {
	key := segmentKey{partition: partition, producerGUID: pm.ProducerGUID, segmentNumber: pm.SegmentNumber}
	actual, _ := v.segments.LoadOrStore(key, &segmentState{})
	return actual.(*segmentState)
}

// Validate runs the per-segment sequence/checksum checks in spec §4.A
// against r. endOfPushReceived does not change the outcome: Fatal is
// returned both before and after END_OF_PUSH, and it is the caller that
// halts the partition on a pre-EOP Fatal (spec §7 item 1) and logs and
// swallows a post-EOP one (spec §4.A/§7 item 2 and the open question in
// spec §9).
func (v *Validator) Validate(r *record.Record, endOfPushReceived bool) (outcome Outcome, err error) {
	cm, isControl := r.Value.(*record.ControlMessage)

	switch {
	case isControl && cm.Type == record.StartOfSegment:
		return v.startOfSegment(r)
	case isControl && cm.Type == record.EndOfSegment:
		return v.endOfSegment(r)
	default:
		return v.dataOrPassThroughControl(r, r.ProducerMetadata)
	}
}

func (v *Validator) startOfSegment(r *record.Record) (Outcome, error) {
	s := v.segment(r.Partition, r.ProducerMetadata)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.status = SegmentInProgress
	s.lastSeen = r.ProducerMetadata.SequenceNumber
	s.checksum = crc32.ChecksumIEEE(nil)
	v.stats.SuccessMsg(r.Partition)
	return OK, nil
}

func (v *Validator) endOfSegment(r *record.Record) (Outcome, error) {
	s := v.segment(r.Partition, r.ProducerMetadata)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		v.stats.FatalDiv(r.Partition)
		return Fatal, fmt.Errorf("div: END_OF_SEGMENT without START_OF_SEGMENT: partition=%d producer=%s segment=%d", r.Partition, r.ProducerMetadata.ProducerGUID, r.ProducerMetadata.SegmentNumber)
	}
	if s.checksum != r.ProducerMetadata.Checksum {
		v.stats.FatalDiv(r.Partition)
		return Fatal, fmt.Errorf("div: checksum mismatch: partition=%d producer=%s segment=%d want=%x got=%x", r.Partition, r.ProducerMetadata.ProducerGUID, r.ProducerMetadata.SegmentNumber, s.checksum, r.ProducerMetadata.Checksum)
	}
	s.status = SegmentEnded
	v.stats.SuccessMsg(r.Partition)
	return OK, nil
}

func (v *Validator) dataOrPassThroughControl(r *record.Record, pm record.ProducerMetadata) (Outcome, error) {
	s := v.segment(r.Partition, pm)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.status == SegmentEnded {
		v.stats.FatalDiv(r.Partition)
		return Fatal, fmt.Errorf("div: data record in unstarted/ended segment: partition=%d producer=%s segment=%d", r.Partition, pm.ProducerGUID, pm.SegmentNumber)
	}

	switch {
	case pm.SequenceNumber <= s.lastSeen:
		v.stats.DuplicateMsg(r.Partition)
		return Duplicate, fmt.Errorf("div: duplicate sequence: partition=%d producer=%s segment=%d seq=%d last=%d", r.Partition, pm.ProducerGUID, pm.SegmentNumber, pm.SequenceNumber, s.lastSeen)

	case pm.SequenceNumber != s.lastSeen+1:
		v.stats.FatalDiv(r.Partition)
		return Fatal, fmt.Errorf("div: sequence gap: partition=%d producer=%s segment=%d seq=%d last=%d", r.Partition, pm.ProducerGUID, pm.SegmentNumber, pm.SequenceNumber, s.lastSeen)
	}

	s.lastSeen = pm.SequenceNumber
	s.checksum = crc32.Update(s.checksum, crc32.IEEETable, payloadBytes(r))
	v.stats.SuccessMsg(r.Partition)
	return OK, nil
}

func payloadBytes(r *record.Record) []byte {
	switch v := r.Value.(type) {
	case *record.Put:
		return v.Value
	case *record.Update:
		return v.UpdateBytes
	case *record.Delete:
		return nil
	default:
		return nil
	}
}
