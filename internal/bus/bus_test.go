package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/oig-proxy/internal/bus/busfake"
	"github.com/marmos91/oig-proxy/internal/queue"
)

func openTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestConnectRegistersLastWillAndPublishesOnline(t *testing.T) {
	fake := busfake.New()
	q := openTestQueue(t)
	pub := NewPublisher(fake, q, Config{LastWillTop: "oig_local/123/availability"})

	require.NoError(t, pub.Connect(context.Background()))

	assert.Equal(t, "oig_local/123/availability", fake.LastWill().Topic)
	assert.Equal(t, []byte("offline"), fake.LastWill().Payload)

	published := fake.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "online", string(published[0].Payload))
	assert.Equal(t, StateConnected, pub.State())
}

func TestPublishGoesDirectWhenConnected(t *testing.T) {
	fake := busfake.New()
	q := openTestQueue(t)
	pub := NewPublisher(fake, q, Config{})
	require.NoError(t, pub.Connect(context.Background()))

	require.NoError(t, pub.Publish("oig_local/123/tbl_actual/state", []byte(`{"X":1}`), true))

	published := fake.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "oig_local/123/tbl_actual/state", published[0].Topic)

	cached, ok := pub.CachedPayload("oig_local/123/tbl_actual/state")
	require.True(t, ok)
	assert.Equal(t, `{"X":1}`, string(cached))
}

func TestPublishQueuesWhenDisconnected(t *testing.T) {
	fake := busfake.New()
	q := openTestQueue(t)
	pub := NewPublisher(fake, q, Config{})

	require.NoError(t, pub.Publish("topic", []byte("payload"), false))

	size, err := q.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
	assert.Empty(t, fake.Published())
}

func TestConnectReplaysQueuedEntries(t *testing.T) {
	fake := busfake.New()
	q := openTestQueue(t)
	_, err := q.Enqueue("topic-a", []byte("1"), false)
	require.NoError(t, err)
	_, err = q.Enqueue("topic-b", []byte("2"), false)
	require.NoError(t, err)

	pub := NewPublisher(fake, q, Config{ReplayRate: time.Millisecond})
	require.NoError(t, pub.Connect(context.Background()))

	published := fake.Published()
	require.Len(t, published, 2)
	assert.Equal(t, "topic-a", published[0].Topic)
	assert.Equal(t, "topic-b", published[1].Topic)

	size, err := q.Size()
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestSubscribeDispatchesWildcardMatch(t *testing.T) {
	fake := busfake.New()
	q := openTestQueue(t)
	pub := NewPublisher(fake, q, Config{})
	require.NoError(t, pub.Connect(context.Background()))

	var gotTopic string
	var gotPayload []byte
	require.NoError(t, pub.Subscribe("oig_local/+/proxy_status", func(topic string, payload []byte) {
		gotTopic = topic
		gotPayload = payload
	}))

	fake.Deliver("oig_local/+/proxy_status", []byte(`{"mode":"online"}`))

	assert.Equal(t, "oig_local/+/proxy_status", gotTopic)
	assert.Equal(t, `{"mode":"online"}`, string(gotPayload))
}

func TestTopicMatchesWildcard(t *testing.T) {
	assert.True(t, topicMatches("oig_local/+/state", "oig_local/123/state"))
	assert.False(t, topicMatches("oig_local/+/state", "oig_local/123/sub/state"))
	assert.True(t, topicMatches("oig_local/control/set", "oig_local/control/set"))
	assert.False(t, topicMatches("oig_local/control/set", "oig_local/control/result"))
}

func TestUnavailableClientBuffersToQueue(t *testing.T) {
	q := openTestQueue(t)
	pub := NewPublisher(NewUnavailableClient(errors.New("not wired")), q, Config{})

	require.Error(t, pub.Connect(context.Background()))
	assert.Equal(t, StateDisconnected, pub.State())

	require.NoError(t, pub.Publish("oig_local/123/tbl_actual/state", []byte(`{"X":1}`), false))
	size, err := q.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}
