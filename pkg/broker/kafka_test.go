package broker

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewKafka_RejectsFanOutMode(t *testing.T) {
	_, err := NewKafka([]string{"localhost:9092"}, "group", ModeFanOut, zap.NewNop())
	assert.ErrorIs(t, err, ErrModeUnsupport)
}

func TestKafkaWriter_RequiresLeaderAck(t *testing.T) {
	b, err := NewKafka([]string{"localhost:9092"}, "group", ModeCompeting, zap.NewNop())
	require.NoError(t, err)

	w, err := b.writer("orders")
	require.NoError(t, err)
	// Fire-and-forget writes could lose a response after the order was acked;
	// the writer must wait for the leader before reporting success.
	assert.Equal(t, kafka.RequireOne, w.RequiredAcks)
}

func TestKafkaWriter_ReusedPerTopic(t *testing.T) {
	b, err := NewKafka([]string{"localhost:9092"}, "group", ModeCompeting, zap.NewNop())
	require.NoError(t, err)

	w1, err := b.writer("orders")
	require.NoError(t, err)
	w2, err := b.writer("orders")
	require.NoError(t, err)
	assert.Same(t, w1, w2)

	require.NoError(t, b.Close())
	_, err = b.writer("orders")
	assert.ErrorIs(t, err, ErrClosed)
}
