package heartbeat_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/venicedb/venice-ingest/internal/heartbeat"
	"github.com/venicedb/venice-ingest/internal/pcs"
	"github.com/venicedb/venice-ingest/internal/record"
)

func TestBuild_NotCompleted(t *testing.T) {
	p := pcs.New("store_v1", 0)
	r := &record.Record{ProducerMetadata: record.ProducerMetadata{ProducerTimestampMs: 100}}

	out := heartbeat.Build(p, r, 200)
	assert.Equal(t, []byte(heartbeat.LeaderNotCompleted), out.Headers[heartbeat.LeaderCompleteStateHeader])
	assert.EqualValues(t, 200, out.OriginTimestampMs)
}

func TestBuild_Completed(t *testing.T) {
	p := pcs.New("store_v1", 0)
	p.SetCompletionReported(true)
	r := &record.Record{ProducerMetadata: record.ProducerMetadata{ProducerTimestampMs: 500}}

	out := heartbeat.Build(p, r, 200)
	assert.Equal(t, []byte(heartbeat.LeaderCompleted), out.Headers[heartbeat.LeaderCompleteStateHeader])
	assert.EqualValues(t, 500, out.OriginTimestampMs, "origin timestamp is max(upstream_ts, ingress_ts)")
}
