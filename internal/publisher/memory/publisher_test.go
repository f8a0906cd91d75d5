package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "records", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "audit", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	require.Len(t, pub.Messages(), 2)
	only := pub.Messages("audit")
	require.Len(t, only, 1)
	require.Equal(t, "memory-2", only[0].ID)

	msgs := pub.Messages()
	msgs[0].Topic = "modified"
	require.Equal(t, "records", pub.Messages()[0].Topic, "Messages returns a copy")
}

func TestPublisherFailures(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("broker down")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "records", 1)
	require.ErrorIs(t, err, boom)

	pub.FailWith(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pub.Publish(ctx, "records", 1)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, pub.Messages())
}
