package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venicedb/venice-ingest/internal/activeactive"
	"github.com/venicedb/venice-ingest/internal/config"
	"github.com/venicedb/venice-ingest/internal/delegator"
	"github.com/venicedb/venice-ingest/internal/div"
	"github.com/venicedb/venice-ingest/internal/drainer"
	"github.com/venicedb/venice-ingest/internal/ingest"
	"github.com/venicedb/venice-ingest/internal/keylock"
	"github.com/venicedb/venice-ingest/internal/pcs"
	"github.com/venicedb/venice-ingest/internal/producer"
	"github.com/venicedb/venice-ingest/internal/quota"
	"github.com/venicedb/venice-ingest/internal/record"
	"github.com/venicedb/venice-ingest/internal/schema"
)

type recordingSender struct {
	sent []string
}

func (s *recordingSender) Send(ctx context.Context, topic string, partition int32, key, value []byte, headers map[string][]byte, onAck func(offset int64, err error)) error {
	s.sent = append(s.sent, string(key))
	onAck(int64(len(s.sent)), nil)
	return nil
}

func (s *recordingSender) Flush(ctx context.Context) error { return nil }

type alwaysKnownRegistry struct{}

func (alwaysKnownRegistry) IsSchemaKnown(int32) bool { return true }

type fakeStorage struct{}

func (fakeStorage) Get(ctx context.Context, partition int32, key []byte) (activeactive.PriorValue, bool, error) {
	return activeactive.PriorValue{}, false, nil
}

func fakeMerge(incoming *record.Record, prior activeactive.PriorValue, hasPrior bool) (activeactive.MergeResult, error) {
	put := incoming.Value.(*record.Put)
	return activeactive.MergeResult{Outcome: activeactive.NewPutWithRMD, NewValue: put.Value, NewSchemaID: put.SchemaID}, nil
}

func newTestTask(t *testing.T, cfg config.Config, sender *recordingSender) (*ingest.Task, *pcs.State) {
	t.Helper()
	q := drainer.New(16)
	prod := producer.New("store_v1", sender, q)
	locks := keylock.New()
	merger := activeactive.NewMerger(1, locks, fakeStorage{}, fakeMerge, prod, nil)
	poller := schema.NewPoller(time.Second, time.Millisecond)
	identity := delegator.Identity{Topic: "store_v1"}
	p := pcs.New("store_v1", 0)
	p.SetRole(pcs.Leader)
	d := delegator.NewDelegator(cfg, identity, div.New(nil), div.New(nil), prod, merger, nil, q, poller, alwaysKnownRegistry{}, nil, nil)
	task := ingest.NewTask(cfg, identity, p, d, merger, locks, nil)
	return task, p
}

func pm(seq int32) record.ProducerMetadata {
	return record.ProducerMetadata{ProducerGUID: "p1", SequenceNumber: seq}
}

func startSegment(seq int32) *record.Record {
	return &record.Record{Value: &record.ControlMessage{Type: record.StartOfSegment}, ProducerMetadata: pm(seq), Timestamp: time.Now()}
}

func putRecord(seq int32, key string, topicType record.TopicType) *record.Record {
	return &record.Record{Key: []byte(key), Value: &record.Put{SchemaID: 1, Value: []byte("v-" + key)}, ProducerMetadata: pm(seq), TopicType: topicType, Timestamp: time.Now()}
}

func TestTask_Write_SequentialPreEOP(t *testing.T) {
	sender := &recordingSender{}
	task, _ := newTestTask(t, config.WithDefaults(nil), sender)

	err := task.Write(context.Background(), []*record.Record{startSegment(0), putRecord(1, "k1", record.TopicTypeVersion)})
	require.NoError(t, err)
	assert.EqualValues(t, 2, task.ReceivedRecordsCount())
	assert.Equal(t, []string{"", "k1"}, sender.sent)
}

func TestTask_Write_ParallelGateAfterEOPActiveActiveRealtime(t *testing.T) {
	cfg := config.WithDefaults(nil)
	cfg.ActiveActiveReplicationEnabled = true
	sender := &recordingSender{}
	task, p := newTestTask(t, cfg, sender)
	p.MarkEndOfPush()

	require.NoError(t, task.Write(context.Background(), []*record.Record{startSegment(0)}))

	rtStart := &record.Record{Value: &record.ControlMessage{Type: record.StartOfSegment}, ProducerMetadata: pm(0), TopicType: record.TopicTypeRealTime, Timestamp: time.Now()}
	require.NoError(t, task.Write(context.Background(), []*record.Record{rtStart}))

	records := []*record.Record{
		putRecord(1, "k1", record.TopicTypeRealTime),
		putRecord(2, "k2", record.TopicTypeRealTime),
	}
	require.NoError(t, task.Write(context.Background(), records))

	deadline := time.Now().Add(time.Second)
	for len(sender.sent) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Len(t, sender.sent, 3)
	assert.EqualValues(t, 4, task.ReceivedRecordsCount())
}

func TestTask_Write_HaltsOnFatalIngestionException(t *testing.T) {
	sender := &recordingSender{}
	task, _ := newTestTask(t, config.WithDefaults(nil), sender)

	err := task.Write(context.Background(), []*record.Record{startSegment(0), putRecord(5, "k1", record.TopicTypeVersion)})
	require.Error(t, err)

	err = task.Write(context.Background(), []*record.Record{putRecord(6, "k2", record.TopicTypeVersion)})
	require.Error(t, err)
}

func TestTask_Write_EnforcesQuota(t *testing.T) {
	sender := &recordingSender{}
	cfg := config.WithDefaults(nil)
	q := drainer.New(16)
	prod := producer.New("store_v1", sender, q)
	locks := keylock.New()
	merger := activeactive.NewMerger(1, locks, fakeStorage{}, fakeMerge, prod, nil)
	poller := schema.NewPoller(time.Second, time.Millisecond)
	identity := delegator.Identity{Topic: "store_v1"}
	p := pcs.New("store_v1", 0)
	p.SetRole(pcs.Leader)
	d := delegator.NewDelegator(cfg, identity, div.New(nil), div.New(nil), prod, merger, nil, q, poller, alwaysKnownRegistry{}, nil, nil)
	qm := quota.New(1)
	task := ingest.NewTask(cfg, identity, p, d, merger, locks, qm)

	err := task.Write(context.Background(), []*record.Record{startSegment(0), putRecord(1, "k1", record.TopicTypeVersion)})
	require.Error(t, err)
	require.Error(t, p.IngestionException())
}

func TestTask_DestinationIdentifier(t *testing.T) {
	sender := &recordingSender{}
	task, _ := newTestTask(t, config.WithDefaults(nil), sender)
	assert.Equal(t, "store_v1-0", task.DestinationIdentifier())
}

func TestTask_NotifyOfTopicDeletion_SetsFatalErrorForOwnTopic(t *testing.T) {
	sender := &recordingSender{}
	task, p := newTestTask(t, config.WithDefaults(nil), sender)

	task.NotifyOfTopicDeletion("some_other_topic")
	assert.NoError(t, p.IngestionException())

	task.NotifyOfTopicDeletion("store_v1")
	require.Error(t, p.IngestionException())
}
