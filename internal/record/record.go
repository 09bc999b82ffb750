// Package record models the log envelope consumed by the ingestion pipeline:
// the (key, value envelope, offset, timestamp, upstream cluster) tuple
// produced by the partitioned commit log, and the tagged variants a value
// envelope can take (put, update, delete, control message).
package record

import "time"

// ControlMessageType enumerates the terminal and segment control messages
// that can appear in the log, in addition to ordinary data records.
type ControlMessageType int

const (
	// ControlMessageNone indicates the record is not a control message.
	ControlMessageNone ControlMessageType = iota
	StartOfPush
	EndOfPush
	StartOfSegment
	EndOfSegment
	StartOfIncrementalPush
	EndOfIncrementalPush
	TopicSwitch
	VersionSwap
)

func (t ControlMessageType) String() string {
	switch t {
	case StartOfPush:
		return "START_OF_PUSH"
	case EndOfPush:
		return "END_OF_PUSH"
	case StartOfSegment:
		return "START_OF_SEGMENT"
	case EndOfSegment:
		return "END_OF_SEGMENT"
	case StartOfIncrementalPush:
		return "START_OF_INCREMENTAL_PUSH"
	case EndOfIncrementalPush:
		return "END_OF_INCREMENTAL_PUSH"
	case TopicSwitch:
		return "TOPIC_SWITCH"
	case VersionSwap:
		return "VERSION_SWAP"
	default:
		return "NONE"
	}
}

// Chunking sentinel schema ids, per spec §6 "Wire-level expectations".
const (
	SchemaIDUnset           = -1
	SchemaIDChunk           = -10
	SchemaIDChunkedManifest = -11
)

// OffsetSentinelNoAdvance is the sentinel upstream offset used when a
// produced record must not advance offset bookkeeping for its partition
// (spec §4.E TOPIC_SWITCH handling, §9 open question). Any legal upstream
// offset is >= 0, so -1 is distinguishable from all of them.
const OffsetSentinelNoAdvance int64 = -1

// HeartBeatKey is the reserved key value used for control-message heartbeats.
var HeartBeatKey = []byte("HEART_BEAT")

// Put is a value envelope carrying a full value plus optional replication
// metadata, used for active/active writes.
type Put struct {
	SchemaID                      int32
	Value                         []byte
	ReplicationMetadataPayload    []byte
	ReplicationMetadataVersionID  int32
}

// Update is a value envelope carrying a partial-update payload (write
// compute).
type Update struct {
	SchemaID   int32
	UpdateBytes []byte
}

// Delete is a value envelope for a tombstone, optionally carrying
// replication metadata for active/active conflict resolution.
type Delete struct {
	SchemaID                   int32
	ReplicationMetadataPayload []byte
}

// ControlMessage is a value envelope carrying a control signal rather than
// store data.
type ControlMessage struct {
	Type    ControlMessageType
	Headers map[string][]byte
}

// ProducerMetadata identifies the upstream producer segment a record
// belongs to, used by DIV for sequence/checksum tracking.
type ProducerMetadata struct {
	ProducerGUID    string
	SegmentNumber   int32
	SequenceNumber  int32
	Checksum        uint32
	ProducerTimestampMs int64
}

// ValueEnvelope is the tagged variant carried by a Record: exactly one of
// *Put, *Update, *Delete, or *ControlMessage.
type ValueEnvelope interface {
	isValueEnvelope()
}

func (*Put) isValueEnvelope()            {}
func (*Update) isValueEnvelope()         {}
func (*Delete) isValueEnvelope()         {}
func (*ControlMessage) isValueEnvelope() {}

// Record is the log envelope: a tuple of key bytes, a tagged value envelope,
// the log offset and timestamp it was read at, and the identifier of the
// upstream cluster it was produced from (for active/active setups, the
// region of origin; for a single-region store, a constant local id).
type Record struct {
	Key                []byte
	Value              ValueEnvelope
	Offset             int64
	Timestamp          time.Time
	UpstreamClusterID  string
	UpstreamURL        string
	Partition          int32

	// ProducerMetadata identifies the upstream producer segment this record
	// belongs to; carried by every envelope variant (not just control
	// messages) since DIV (spec §4.A) validates sequence/checksum
	// continuity across both data and control records within a segment.
	ProducerMetadata ProducerMetadata

	// TopicType records which topic this record was polled from, needed by
	// DIV tracker selection and delegator dispatch (spec §3, §4.E).
	TopicType TopicType
}

// TopicType distinguishes the topic a record was consumed from.
type TopicType int

const (
	TopicTypeVersion TopicType = iota
	TopicTypeRealTime
)

func (t TopicType) String() string {
	if t == TopicTypeRealTime {
		return "realtime"
	}
	return "version"
}

// IsHeartbeat reports whether this record is the reserved control-message
// heartbeat (a START_OF_SEGMENT control message keyed by HeartBeatKey).
func (r *Record) IsHeartbeat() bool {
	cm, ok := r.Value.(*ControlMessage)
	if !ok || cm.Type != StartOfSegment {
		return false
	}
	return string(r.Key) == string(HeartBeatKey)
}

// IsDataRecord reports whether the value envelope is a Put, Update, or
// Delete (as opposed to a ControlMessage).
func (r *Record) IsDataRecord() bool {
	switch r.Value.(type) {
	case *Put, *Update, *Delete:
		return true
	default:
		return false
	}
}
