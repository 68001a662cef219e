package api

import (
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/contextstore"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
)

// =============================================================================
// 工具仲裁
// =============================================================================

// ToolRequest 请求工具锁
type ToolRequest struct {
	// 省略时生成
	RequestID string         `json:"request_id,omitempty"`
	AgentID   string         `json:"agent_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Priority  types.Priority `json:"priority,omitempty"`
	// Go duration 字符串，例如 "90s"
	EstimatedDuration string `json:"estimated_duration,omitempty"`
	// 排队失败时返回 423 而不是排队
	NoQueue bool `json:"no_queue,omitempty"`
}

// ExtendRequest 延长锁
type ExtendRequest struct {
	Duration string `json:"duration"`
}

// =============================================================================
// 共享上下文
// =============================================================================

// ContextCreateRequest 创建上下文
type ContextCreateRequest struct {
	ContextID string                 `json:"context_id"`
	Author    string                 `json:"author"`
	Changes   contextstore.ChangeSet `json:"changes,omitempty"`
}

// ContextWriteRequest 基于 BaseVersionID 的乐观写入
type ContextWriteRequest struct {
	BaseVersionID string                 `json:"base_version_id"`
	Author        string                 `json:"author"`
	Changes       contextstore.ChangeSet `json:"changes"`
	Priority      types.Priority         `json:"priority,omitempty"`
	Confidence    float64                `json:"confidence,omitempty"`
}

// PendingWriteResponse 写入被挂起等待冲突解决时返回（202）
type PendingWriteResponse struct {
	PendingID  string `json:"pending_id"`
	ConflictID string `json:"conflict_id"`
}

// =============================================================================
// 决策与冲突
// =============================================================================

// VoteRequest 投票
type VoteRequest struct {
	AgentID    string             `json:"agent_id"`
	OptionID   string             `json:"option_id"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores,omitempty"`
	Rationale  string             `json:"rationale,omitempty"`
}

// ReasonRequest 携带取消或驳回原因
type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}
