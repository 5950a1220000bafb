package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMessage struct {
	topic, key string
	value      []byte
}

func (m testMessage) Topic() string          { return m.topic }
func (m testMessage) Key() string            { return m.key }
func (m testMessage) Value() ([]byte, error) { return m.value, nil }

func TestProducerConfig_Sarama(t *testing.T) {
	sc := DefaultProducerConfig([]string{"localhost:9092"}).saramaConfig()
	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
	assert.Equal(t, sarama.CompressionSnappy, sc.Producer.Compression)
	assert.True(t, sc.Producer.Return.Successes)
	require.NoError(t, sc.Validate())

	cfg := DefaultProducerConfig(nil)
	cfg.Sync = false
	cfg.RequiredAcks = 1
	cfg.Compression = "none"
	sc = cfg.saramaConfig()
	assert.Equal(t, sarama.WaitForLocal, sc.Producer.RequiredAcks)
	assert.Equal(t, sarama.CompressionNone, sc.Producer.Compression)
	assert.False(t, sc.Producer.Return.Successes)
}

func TestProducer_SyncSend(t *testing.T) {
	cfg := DefaultProducerConfig(nil)
	mp := mocks.NewSyncProducer(t, cfg.saramaConfig())
	mp.ExpectSendMessageAndSucceed()
	mp.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	p := &Producer{sp: mp, cfg: cfg}
	require.NoError(t, p.Send(testMessage{"clob.events", "1", []byte(`{}`)}))

	err := p.Send(testMessage{"clob.events", "1", []byte(`{}`)})
	assert.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)

	assert.Equal(t, ProducerStats{SentCount: 1, ErrorCount: 1}, p.Stats())

	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.SendRaw("t", "k", nil), ErrProducerClosed)
	assert.NoError(t, p.Close())
}

func TestConsumerHandler_CollectBatch(t *testing.T) {
	h := &consumerGroupHandler{}
	ch := make(chan *sarama.ConsumerMessage, 4)
	for i := int64(0); i < 3; i++ {
		ch <- &sarama.ConsumerMessage{Offset: i}
	}

	batch, ok := h.collect(context.Background(), ch)
	assert.True(t, ok)
	require.Len(t, batch, 3)
	assert.Equal(t, int64(2), batch[2].Offset)

	close(ch)
	batch, ok = h.collect(context.Background(), ch)
	assert.False(t, ok)
	assert.Empty(t, batch)
}

func TestConsumerHandler_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	h := &consumerGroupHandler{
		backoff: time.Millisecond,
		handler: func(_ context.Context, msgs []*sarama.ConsumerMessage) error {
			calls++
			if calls < 3 {
				return errors.New("db unavailable")
			}
			return nil
		},
	}

	err := h.process(context.Background(), []*sarama.ConsumerMessage{{Topic: "clob.events"}})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestConsumerHandler_StopsOnCancel(t *testing.T) {
	h := &consumerGroupHandler{
		backoff: time.Hour,
		handler: func(context.Context, []*sarama.ConsumerMessage) error { return errors.New("fail") },
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.process(ctx, []*sarama.ConsumerMessage{{Topic: "clob.events"}})
	assert.ErrorIs(t, err, context.Canceled)
}
