package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/monitor"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func dialEvents(t *testing.T, b *monitor.Broadcaster, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(NewEventsHandler(b, zaptest.NewLogger(t)).HandleEvents))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })

	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) types.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	var ev types.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestEventsHandler_StreamsEvents(t *testing.T) {
	b := monitor.NewBroadcaster(16, nil)
	conn := dialEvents(t, b, "")

	b.Emit(types.NewEvent(types.ComponentTools, "lock-1", "granted", map[string]any{"agent_id": "designer"}))

	ev := readEvent(t, conn)
	assert.Equal(t, types.ComponentTools, ev.Component)
	assert.Equal(t, "lock-1", ev.EntityID)
	assert.Equal(t, "granted", ev.EventType)
	assert.Equal(t, "designer", ev.Attributes["agent_id"])
}

func TestEventsHandler_Filters(t *testing.T) {
	b := monitor.NewBroadcaster(16, nil)
	conn := dialEvents(t, b, "?component="+string(types.ComponentContext)+"&entity=proj")

	b.Emit(types.NewEvent(types.ComponentTools, "lock-1", "granted", nil))
	b.Emit(types.NewEvent(types.ComponentContext, "v-1", "context_created", map[string]any{"context_id": "other"}))
	b.Emit(types.NewEvent(types.ComponentContext, "v-2", "context_created", map[string]any{"context_id": "proj"}))

	ev := readEvent(t, conn)
	assert.Equal(t, "v-2", ev.EntityID)
}

func TestEventsHandler_UnsubscribesOnClose(t *testing.T) {
	b := monitor.NewBroadcaster(16, nil)
	conn := dialEvents(t, b, "")

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	assert.Eventually(t, func() bool { return b.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventFilter_Match(t *testing.T) {
	ev := types.NewEvent(types.ComponentHandoff, "h-1", "accepted", map[string]any{"workflow_id": "wf-1"})

	assert.True(t, eventFilter{}.match(ev))
	assert.True(t, eventFilter{entity: "h-1"}.match(ev))
	assert.True(t, eventFilter{entity: "wf-1"}.match(ev))
	assert.False(t, eventFilter{entity: "wf-2"}.match(ev))
	assert.False(t, eventFilter{components: map[types.Component]bool{types.ComponentTools: true}}.match(ev))
}
