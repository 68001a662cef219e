package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/monitor"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// =============================================================================
// 📡 事件流 Handler
// =============================================================================

// EventsHandler 通过 websocket 推送状态转换事件
type EventsHandler struct {
	events       *monitor.Broadcaster
	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewEventsHandler 创建事件流处理器
func NewEventsHandler(events *monitor.Broadcaster, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{
		events:       events,
		writeTimeout: 5 * time.Second,
		logger:       logger.With(zap.String("component", "events_handler")),
	}
}

// eventFilter 由 ?component= 与 ?entity= 查询参数构成，空值匹配全部
type eventFilter struct {
	components map[types.Component]bool
	entity     string
}

func newEventFilter(r *http.Request) eventFilter {
	f := eventFilter{entity: r.URL.Query().Get("entity")}
	if cs := r.URL.Query()["component"]; len(cs) > 0 {
		f.components = make(map[types.Component]bool, len(cs))
		for _, c := range cs {
			f.components[types.Component(c)] = true
		}
	}
	return f
}

func (f eventFilter) match(ev types.Event) bool {
	if f.components != nil && !f.components[ev.Component] {
		return false
	}
	if f.entity == "" {
		return true
	}
	if ev.EntityID == f.entity {
		return true
	}
	for _, v := range ev.Attributes {
		if s, ok := v.(string); ok && s == f.entity {
			return true
		}
	}
	return false
}

// HandleEvents 处理 GET /v1/events 的 websocket 升级。
// 慢速客户端会丢失事件而不是阻塞发布者。
func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	filter := newEventFilter(r)
	events, unsubscribe := h.events.Subscribe()
	defer unsubscribe()

	// 客户端只读；CloseRead 在对端关闭时取消 ctx
	ctx := conn.CloseRead(r.Context())
	h.logger.Debug("event stream opened", zap.String("remote", r.RemoteAddr))

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event stream closed")
				return
			}
			if !filter.match(ev) {
				continue
			}
			if err := h.write(ctx, conn, ev); err != nil {
				if !errors.Is(err, context.Canceled) {
					h.logger.Debug("event stream write failed", zap.Error(err))
				}
				return
			}
		}
	}
}

func (h *EventsHandler) write(ctx context.Context, conn *websocket.Conn, ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
