package collaboration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMessageHub_SendReceive(t *testing.T) {
	hub := NewMessageHub(4, zap.NewNop())
	hub.CreateChannel("design")

	msg, err := NewMessage("orch", "design", MessageTypeNotice, map[string]string{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, hub.Send(context.Background(), msg))

	got, err := hub.Receive("design", time.Second)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)

	var payload map[string]string
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, "v", payload["k"])
	assert.False(t, got.ExpectsReply())
	assert.ErrorIs(t, got.Reply(&Message{}), ErrNoReply)
}

func TestMessageHub_UnknownTarget(t *testing.T) {
	hub := NewMessageHub(1, nil)
	err := hub.Send(context.Background(), &Message{ToID: "ghost"})
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestMessageHub_ChannelFull(t *testing.T) {
	hub := NewMessageHub(1, nil)
	hub.CreateChannel("code")

	require.NoError(t, hub.Send(context.Background(), &Message{ToID: "code"}))
	err := hub.Send(context.Background(), &Message{ToID: "code"})
	assert.ErrorIs(t, err, ErrChannelFull)
}

func TestMessageHub_Broadcast(t *testing.T) {
	hub := NewMessageHub(2, nil)
	for _, id := range []string{"orch", "design", "code"} {
		hub.CreateChannel(id)
	}

	require.NoError(t, hub.Send(context.Background(), &Message{FromID: "orch", Type: MessageTypeBroadcast}))

	for _, id := range []string{"design", "code"} {
		_, err := hub.Receive(id, time.Second)
		assert.NoError(t, err, id)
	}
	_, err := hub.Receive("orch", 10*time.Millisecond)
	assert.Error(t, err, "sender must not receive its own broadcast")
}

func TestMessageHub_RequestReply(t *testing.T) {
	hub := NewMessageHub(4, nil)
	hub.CreateChannel("perf")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = hub.Serve(ctx, "perf", func(_ context.Context, m *Message) {
			_ = m.Reply(&Message{FromID: "perf", ToID: m.FromID, Type: MessageTypeAck})
		})
	}()

	resp, err := hub.Request(ctx, &Message{FromID: "orch", ToID: "perf", Type: MessageTypeHandoff})
	require.NoError(t, err)
	assert.Equal(t, MessageTypeAck, resp.Type)
	assert.NotEmpty(t, resp.ID)
}

func TestMessageHub_RequestTimeout(t *testing.T) {
	hub := NewMessageHub(4, nil)
	hub.CreateChannel("silent")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := hub.Request(ctx, &Message{FromID: "orch", ToID: "silent"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMessageHub_Close(t *testing.T) {
	hub := NewMessageHub(1, nil)
	hub.CreateChannel("a")
	require.NoError(t, hub.Close())
	require.NoError(t, hub.Close())

	assert.ErrorIs(t, hub.Send(context.Background(), &Message{ToID: "a"}), ErrHubClosed)
	_, err := hub.Receive("a", time.Second)
	assert.ErrorIs(t, err, ErrHubClosed)
}
