package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrHubClosed       = errors.New("message hub is closed")
	ErrChannelNotFound = errors.New("channel not found")
	ErrChannelFull     = errors.New("channel full")
	ErrNoReply         = errors.New("message does not expect a reply")
)

// MessageType 消息类型
type MessageType string

const (
	MessageTypeHandoff   MessageType = "handoff"
	MessageTypeAck       MessageType = "ack"
	MessageTypeBroadcast MessageType = "broadcast"
	MessageTypeNotice    MessageType = "notice"
)

// Message 智能体间消息
type Message struct {
	ID        string          `json:"id"`
	FromID    string          `json:"from_id"`
	ToID      string          `json:"to_id,omitempty"` // 空表示广播
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`

	reply chan *Message
}

// NewMessage 以 JSON 编码 payload 构造消息
func NewMessage(from, to string, typ MessageType, payload any) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = data
	}
	return &Message{
		ID:        uuid.NewString(),
		FromID:    from,
		ToID:      to,
		Type:      typ,
		Payload:   raw,
		Timestamp: time.Now(),
	}, nil
}

// Decode 解码 payload
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// ExpectsReply 报告发送方是否在等待应答
func (m *Message) ExpectsReply() bool {
	return m.reply != nil
}

// Reply 向等待中的发送方投递应答。应答只投递一次，后续调用被忽略。
func (m *Message) Reply(resp *Message) error {
	if m.reply == nil {
		return ErrNoReply
	}
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now()
	}
	select {
	case m.reply <- resp:
	default:
	}
	return nil
}

// MessageHub 消息中心
type MessageHub struct {
	channels  map[string]chan *Message
	buffer    int
	mu        sync.RWMutex
	logger    *zap.Logger
	closed    bool
	closeOnce sync.Once
}

// NewMessageHub 创建消息中心，buffer 为每个收件箱容量
func NewMessageHub(buffer int, logger *zap.Logger) *MessageHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 100
	}
	return &MessageHub{
		channels: make(map[string]chan *Message),
		buffer:   buffer,
		logger:   logger.With(zap.String("component", "message_hub")),
	}
}

// CreateChannel 创建收件箱，已存在时不做任何事
func (h *MessageHub) CreateChannel(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.channels[agentID]; !ok {
		h.channels[agentID] = make(chan *Message, h.buffer)
	}
}

// Close 关闭消息中心
// 使用 sync.Once 保护 channel 关闭，防止重复关闭 panic
func (h *MessageHub) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.closed = true
		for _, ch := range h.channels {
			close(ch)
		}
	})
	return nil
}

// Send 投递消息，不等待应答
// 收件箱已满时返回 ErrChannelFull，由调用方决定是否重试
func (h *MessageHub) Send(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	// 获取读锁并保持到操作完成
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrHubClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if msg.ToID == "" {
		for id, ch := range h.channels {
			if id == msg.FromID {
				continue
			}
			select {
			case ch <- msg:
			default:
				h.logger.Debug("channel full, broadcast skipped",
					zap.String("to", id),
					zap.String("msg_id", msg.ID),
				)
			}
		}
		return nil
	}

	ch, ok := h.channels[msg.ToID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, msg.ToID)
	}
	select {
	case ch <- msg:
		return nil
	default:
		h.logger.Debug("channel full",
			zap.String("to", msg.ToID),
			zap.String("msg_id", msg.ID),
		)
		return fmt.Errorf("%w: %s", ErrChannelFull, msg.ToID)
	}
}

// Request 点对点投递并等待应答，直到 ctx 结束
func (h *MessageHub) Request(ctx context.Context, msg *Message) (*Message, error) {
	if msg.ToID == "" {
		return nil, fmt.Errorf("%w: request requires a target", ErrChannelNotFound)
	}
	msg.reply = make(chan *Message, 1)
	if err := h.Send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case resp := <-msg.reply:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Inbox 返回收件箱，供接收循环 range 使用
func (h *MessageHub) Inbox(agentID string) (<-chan *Message, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, agentID)
	}
	return ch, nil
}

// Receive 接收一条消息，超时返回错误
func (h *MessageHub) Receive(agentID string, timeout time.Duration) (*Message, error) {
	ch, err := h.Inbox(agentID)
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrHubClosed
		}
		return msg, nil
	case <-timer.C:
		return nil, fmt.Errorf("receive timeout for %s", agentID)
	}
}

// Serve 在 ctx 结束前持续处理 agentID 的收件箱
func (h *MessageHub) Serve(ctx context.Context, agentID string, handle func(context.Context, *Message)) error {
	ch, err := h.Inbox(agentID)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return ErrHubClosed
			}
			handle(ctx, msg)
		}
	}
}
