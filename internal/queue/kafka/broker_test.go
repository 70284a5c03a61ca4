package kafka

import (
	"context"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func TestAttemptOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, attemptOf(nil))
	require.Equal(t, 3, attemptOf([]kafkago.Header{{Key: "other", Value: []byte("9")}, {Key: attemptHeader, Value: []byte("3")}}))
	require.Equal(t, 1, attemptOf([]kafkago.Header{{Key: attemptHeader, Value: []byte("x")}}))
}

func TestNewValidatesAndPrefixes(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)

	b, err := New(Config{Brokers: []string{"localhost:9092"}, TopicPrefix: "stories."}, nil)
	require.NoError(t, err)
	require.Equal(t, "stories.rewrite", b.topic("rewrite"))
	require.Equal(t, "story-pipeline-", b.cfg.GroupPrefix)

	s, err := b.Open(context.Background(), "rewrite", 4)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, b.Close())
}
