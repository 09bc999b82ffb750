package pcs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/venicedb/venice-ingest/internal/pcs"
)

func TestState_MonotoneOffsetUpdate(t *testing.T) {
	s := pcs.New("store_v1", 0)

	s.UpdateLatestRTOffsetTriedToProduce("dc-west", 10)
	assert.EqualValues(t, 10, s.LatestRTOffsetTriedToProduce("dc-west"))

	// smaller values are rejected silently (spec §4.B)
	s.UpdateLatestRTOffsetTriedToProduce("dc-west", 4)
	assert.EqualValues(t, 10, s.LatestRTOffsetTriedToProduce("dc-west"))

	s.UpdateLatestRTOffsetTriedToProduce("dc-west", 11)
	assert.EqualValues(t, 11, s.LatestRTOffsetTriedToProduce("dc-west"))
}

func TestState_EndOfPushMonotone(t *testing.T) {
	s := pcs.New("store_v1", 0)
	assert.False(t, s.EndOfPushReceived())
	s.MarkEndOfPush()
	assert.True(t, s.EndOfPushReceived())
	s.MarkEndOfPush()
	assert.True(t, s.EndOfPushReceived())
}

func TestState_IngestionExceptionSticky(t *testing.T) {
	s := pcs.New("store_v1", 0)
	assert.NoError(t, s.IngestionException())

	first := assert.AnError
	s.SetIngestionException(first)
	assert.Equal(t, first, s.IngestionException())

	// a second fatal error does not overwrite the first
	s.SetIngestionException(assert.AnError)
	assert.Equal(t, first, s.IngestionException())
}

func TestState_ProducerHandleLazyOnce(t *testing.T) {
	s := pcs.New("store_v1", 0)

	calls := 0
	init := func() any {
		calls++
		return "handle"
	}

	assert.Equal(t, "handle", s.ProducerHandle(init))
	assert.Equal(t, "handle", s.ProducerHandle(init))
	assert.Equal(t, 1, calls)
}

func TestState_LastVTProduceFutureInitiallyDone(t *testing.T) {
	s := pcs.New("store_v1", 0)
	f := s.LastVTProduceFuture()
	assert.NoError(t, f.Wait(context.Background()))
}
