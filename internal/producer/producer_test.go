package producer_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venicedb/venice-ingest/internal/drainer"
	"github.com/venicedb/venice-ingest/internal/pcs"
	"github.com/venicedb/venice-ingest/internal/producer"
	"github.com/venicedb/venice-ingest/internal/record"
)

type fakeSender struct {
	mu        sync.Mutex
	sent      int
	failNext  bool
	sendErr   error
	lastAck   func(int64, error)
	onSendSync bool // if true, invoke onAck synchronously within Send
}

func (f *fakeSender) Send(ctx context.Context, topic string, partition int32, key, value []byte, headers map[string][]byte, onAck func(offset int64, err error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent++
	f.lastAck = onAck
	if f.onSendSync {
		var err error
		if f.failNext {
			err = fmt.Errorf("ack failed")
		}
		onAck(int64(f.sent), err)
	}
	return nil
}

func (f *fakeSender) Flush(ctx context.Context) error { return nil }

func TestProducer_Produce_SuccessStampsOffsetAndEnqueues(t *testing.T) {
	sender := &fakeSender{onSendSync: true}
	q := drainer.New(1)
	pr := producer.New("store_v1", sender, q)
	p := pcs.New("store_v1", 0)

	r := &record.Record{Offset: 10}
	f, err := pr.Produce(context.Background(), p, 0, "rt-url", r, []byte("k"), []byte("v"), nil, producer.Options{})
	require.NoError(t, err)
	require.NoError(t, f.Wait(context.Background()))

	select {
	case e := <-q.Drain():
		assert.Equal(t, r, e.Record)
		assert.EqualValues(t, 1, e.DurableOffset)
	default:
		t.Fatal("expected entry enqueued to drainer on success")
	}
	assert.Nil(t, p.IngestionException())
}

func TestProducer_Produce_FailureSetsIngestionExceptionAndRejects(t *testing.T) {
	sender := &fakeSender{onSendSync: true, failNext: true}
	q := drainer.New(1)
	pr := producer.New("store_v1", sender, q)
	p := pcs.New("store_v1", 0)

	r := &record.Record{Offset: 10}
	f, err := pr.Produce(context.Background(), p, 0, "rt-url", r, []byte("k"), []byte("v"), nil, producer.Options{})
	require.NoError(t, err)
	require.Error(t, f.Wait(context.Background()))
	require.Error(t, p.IngestionException())
}

func TestProducer_Produce_RestoreHeadersCalledExactlyOnce(t *testing.T) {
	sender := &fakeSender{onSendSync: true}
	q := drainer.New(1)
	pr := producer.New("store_v1", sender, q)
	p := pcs.New("store_v1", 0)

	var restoreCalls int
	opts := producer.Options{RestoreHeaders: func() { restoreCalls++ }}

	r := &record.Record{Offset: 10}
	f, err := pr.Produce(context.Background(), p, 0, "rt-url", r, []byte("k"), []byte("v"), nil, opts)
	require.NoError(t, err)
	require.NoError(t, f.Wait(context.Background()))

	assert.Equal(t, 1, restoreCalls)
}

func TestProducer_Produce_SendErrorRejectsImmediately(t *testing.T) {
	sender := &fakeSender{sendErr: fmt.Errorf("broker unreachable")}
	q := drainer.New(1)
	pr := producer.New("store_v1", sender, q)
	p := pcs.New("store_v1", 0)

	r := &record.Record{Offset: 10}
	_, err := pr.Produce(context.Background(), p, 0, "rt-url", r, []byte("k"), []byte("v"), nil, producer.Options{})
	require.Error(t, err)
	require.Error(t, p.IngestionException())
}

func TestProducer_ProducePutAndProduceDelete_SatisfyActiveActiveAdapter(t *testing.T) {
	sender := &fakeSender{onSendSync: true}
	q := drainer.New(1)
	pr := producer.New("store_v1", sender, q)

	require.NoError(t, pr.ProducePut(context.Background(), 0, []byte("k"), []byte("v"), 1, nil))
	require.NoError(t, pr.ProduceDelete(context.Background(), 0, []byte("k"), 1, nil, nil, nil))
	assert.Equal(t, 2, sender.sent)
}
