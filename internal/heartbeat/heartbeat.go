// Package heartbeat implements Heartbeat/Leader-Completion Propagation (spec
// §4.I): when a leader observes a heartbeat START_OF_SEGMENT on the
// real-time topic, it emits a heartbeat to the version topic carrying a
// LeaderCompleteState header derived from pcs.completion_reported, stamped
// with the later of the upstream producer timestamp and the record's
// ingress timestamp (tolerating producer clock drift).
package heartbeat

import (
	"github.com/venicedb/venice-ingest/internal/pcs"
	"github.com/venicedb/venice-ingest/internal/record"
)

// LeaderCompleteStateHeader is the header key carried on every heartbeat
// produced to the version topic.
const LeaderCompleteStateHeader = "LeaderCompleteState"

// LeaderCompleteState values (spec §4.I).
const (
	LeaderCompleted    = "LEADER_COMPLETED"
	LeaderNotCompleted = "LEADER_NOT_COMPLETED"
)

// Outgoing is the version-topic heartbeat to produce: a pass-through
// START_OF_SEGMENT control message carrying the updated header, plus the
// origin timestamp to stamp it with.
type Outgoing struct {
	Headers           map[string][]byte
	OriginTimestampMs int64
}

// Build derives the version-topic heartbeat from an observed real-time
// heartbeat record (spec §4.I). ingressTsMs is the wall-clock time the
// record was read at.
func Build(p *pcs.State, r *record.Record, ingressTsMs int64) Outgoing {
	state := LeaderNotCompleted
	if p.CompletionReported() {
		state = LeaderCompleted
	}
	return Outgoing{
		Headers:           map[string][]byte{LeaderCompleteStateHeader: []byte(state)},
		OriginTimestampMs: maxInt64(r.ProducerMetadata.ProducerTimestampMs, ingressTsMs),
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
