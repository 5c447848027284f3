package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, clientBuf int) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(16, clientBuf)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func recv(t *testing.T, ch chan WSMessage) WSMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message")
		return WSMessage{}
	}
}

func TestHubFansOut(t *testing.T) {
	h, _ := startHub(t, 4)
	a, ok := h.Subscribe()
	require.True(t, ok)
	b, ok := h.Subscribe()
	require.True(t, ok)

	require.True(t, h.Publish(WSMessage{Type: "event"}))
	assert.Equal(t, "event", recv(t, a).Type)
	assert.Equal(t, "event", recv(t, b).Type)

	h.Unsubscribe(a)
	_, open := <-a
	assert.False(t, open)

	require.True(t, h.Publish(WSMessage{Type: "snapshot"}))
	assert.Equal(t, "snapshot", recv(t, b).Type)
}

func TestHubSlowClientMissesMessages(t *testing.T) {
	h, _ := startHub(t, 1)
	slow, _ := h.Subscribe()
	fast, _ := h.Subscribe()

	for i := 0; i < 3; i++ {
		require.True(t, h.Publish(WSMessage{Type: "event"}))
		recv(t, fast)
	}
	assert.Len(t, slow, 1)
}

func TestHubStopClosesClients(t *testing.T) {
	h, cancel := startHub(t, 1)
	ch, ok := h.Subscribe()
	require.True(t, ok)
	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("client not closed")
	}

	_, ok = h.Subscribe()
	assert.False(t, ok)
	assert.False(t, h.Publish(WSMessage{Type: "event"}))
	h.Unsubscribe(ch)
}
