package div_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venicedb/venice-ingest/internal/div"
	"github.com/venicedb/venice-ingest/internal/record"
)

func pm(segment, seq int32) record.ProducerMetadata {
	return record.ProducerMetadata{ProducerGUID: "producer-a", SegmentNumber: segment, SequenceNumber: seq}
}

func sos(segment, seq int32) *record.Record {
	return &record.Record{
		Partition:        0,
		ProducerMetadata: pm(segment, seq),
		Value:            &record.ControlMessage{Type: record.StartOfSegment},
		Timestamp:        time.Unix(0, 0),
	}
}

func put(segment, seq int32, value string) *record.Record {
	return &record.Record{
		Partition:        0,
		ProducerMetadata: pm(segment, seq),
		Value:            &record.Put{SchemaID: 1, Value: []byte(value)},
		Timestamp:        time.Unix(0, 0),
	}
}

// Scenario 1 from spec §8: happy path put before EOP.
func TestValidator_HappyPath(t *testing.T) {
	v := div.New(nil)

	outcome, err := v.Validate(sos(0, 0), false)
	require.NoError(t, err)
	assert.Equal(t, div.OK, outcome)

	outcome, err = v.Validate(put(0, 1, "a"), false)
	require.NoError(t, err)
	assert.Equal(t, div.OK, outcome)
}

// Scenario 2 from spec §8: duplicate elided.
func TestValidator_DuplicateSequence(t *testing.T) {
	v := div.New(nil)

	_, err := v.Validate(sos(0, 0), false)
	require.NoError(t, err)

	_, err = v.Validate(put(0, 1, "a"), false)
	require.NoError(t, err)

	outcome, err := v.Validate(put(0, 1, "a"), false)
	require.Error(t, err)
	assert.Equal(t, div.Duplicate, outcome)
}

// Scenario 3 from spec §8: fatal gap pre-EOP.
func TestValidator_SequenceGapIsFatal(t *testing.T) {
	v := div.New(nil)

	_, err := v.Validate(sos(0, 0), false)
	require.NoError(t, err)

	_, err = v.Validate(put(0, 1, "a"), false)
	require.NoError(t, err)

	outcome, err := v.Validate(put(0, 3, "b"), false)
	require.Error(t, err)
	assert.Equal(t, div.Fatal, outcome)
}

func TestValidator_DataBeforeStartOfSegmentIsFatal(t *testing.T) {
	v := div.New(nil)

	outcome, err := v.Validate(put(0, 1, "a"), false)
	require.Error(t, err)
	assert.Equal(t, div.Fatal, outcome)
}

func TestValidator_ChecksumMismatchIsFatal(t *testing.T) {
	v := div.New(nil)

	_, err := v.Validate(sos(0, 0), false)
	require.NoError(t, err)
	_, err = v.Validate(put(0, 1, "a"), false)
	require.NoError(t, err)

	eos := &record.Record{
		Partition:        0,
		ProducerMetadata: record.ProducerMetadata{ProducerGUID: "producer-a", SegmentNumber: 0, SequenceNumber: 2, Checksum: 0xDEADBEEF},
		Value:            &record.ControlMessage{Type: record.EndOfSegment},
	}
	outcome, err := v.Validate(eos, false)
	require.Error(t, err)
	assert.Equal(t, div.Fatal, outcome)
}

func TestValidator_SegmentResetsOnStartOfSegment(t *testing.T) {
	v := div.New(nil)

	_, err := v.Validate(sos(0, 5), false)
	require.NoError(t, err)
	_, err = v.Validate(put(0, 6, "a"), false)
	require.NoError(t, err)

	// a new segment resets sequence expectations regardless of the prior segment's last sequence
	outcome, err := v.Validate(sos(1, 0), false)
	require.NoError(t, err)
	assert.Equal(t, div.OK, outcome)

	outcome, err = v.Validate(put(1, 1, "c"), false)
	require.NoError(t, err)
	assert.Equal(t, div.OK, outcome)
}
