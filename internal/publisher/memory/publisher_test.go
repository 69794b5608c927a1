package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "records", map[string]string{"name": "Đèn LED"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "batch-events", "done")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "records", msgs[0].Topic)
	assert.JSONEq(t, `{"name":"Đèn LED"}`, string(msgs[0].Data))
	assert.Len(t, pub.Topic("batch-events"), 1)

	msgs[0].Topic = "modified"
	assert.Equal(t, "records", pub.Messages()[0].Topic, "Messages should return a copy")
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	_, err := New().Publish(context.Background(), "records", make(chan int))
	require.Error(t, err)
}
