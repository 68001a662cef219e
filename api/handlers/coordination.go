package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/contextstore"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/decision"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/toolarbiter"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/api"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/coordination"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🤝 协调 Handler
// =============================================================================

// CoordinationHandler 把协调核心暴露为 HTTP 接口
type CoordinationHandler struct {
	core   *coordination.Core
	logger *zap.Logger
}

// NewCoordinationHandler 创建协调处理器
func NewCoordinationHandler(core *coordination.Core, logger *zap.Logger) *CoordinationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CoordinationHandler{
		core:   core,
		logger: logger.With(zap.String("component", "coordination_handler")),
	}
}

// Register 在 mux 上注册全部 /v1 路由
func (h *CoordinationHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/agents", h.HandleListAgents)

	mux.HandleFunc("POST /v1/contexts", h.HandleCreateContext)
	mux.HandleFunc("GET /v1/contexts/{id}", h.HandleReadContext)
	mux.HandleFunc("GET /v1/contexts/{id}/history", h.HandleContextHistory)
	mux.HandleFunc("GET /v1/contexts/{id}/pending", h.HandlePendingWrites)
	mux.HandleFunc("POST /v1/contexts/{id}/writes", h.HandleWriteContext)

	mux.HandleFunc("GET /v1/conflicts/{id}", h.HandleGetConflict)
	mux.HandleFunc("POST /v1/conflicts/{id}/resolve", h.HandleResolveConflict)
	mux.HandleFunc("POST /v1/conflicts/{id}/dismiss", h.HandleDismissConflict)

	mux.HandleFunc("GET /v1/decisions/{id}", h.HandleGetDecision)
	mux.HandleFunc("POST /v1/decisions/{id}/votes", h.HandleCastVote)
	mux.HandleFunc("GET /v1/decisions/{id}/outcome", h.HandleGetOutcome)
	mux.HandleFunc("GET /v1/decisions/{id}/audit", h.HandleDecisionAudit)
	mux.HandleFunc("POST /v1/decisions/{id}/cancel", h.HandleCancelDecision)

	mux.HandleFunc("GET /v1/handoffs/{id}", h.HandleGetHandoff)
	mux.HandleFunc("GET /v1/workflows/{id}/handoffs", h.HandleListHandoffs)

	mux.HandleFunc("GET /v1/tools", h.HandleListTools)
	mux.HandleFunc("GET /v1/tools/{id}", h.HandleToolStatus)
	mux.HandleFunc("POST /v1/tools/{id}/requests", h.HandleRequestTool)
	mux.HandleFunc("DELETE /v1/requests/{id}", h.HandleCancelRequest)
	mux.HandleFunc("POST /v1/locks/{id}/extend", h.HandleExtendLock)
	mux.HandleFunc("DELETE /v1/locks/{id}", h.HandleReleaseLock)
}

// actingAgent 以认证身份为准；请求体中的 agent_id 只能与之相同
func actingAgent(ctx context.Context, claimed string) (string, error) {
	authed, ok := types.AgentID(ctx)
	if !ok || authed == "" {
		if claimed == "" {
			return "", types.NewValidationError("agent_id is required")
		}
		return claimed, nil
	}
	if claimed != "" && claimed != authed {
		return "", types.NewPermissionError("token for agent %s cannot act as %s", authed, claimed)
	}
	return authed, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, types.NewValidationError("invalid %s %q", field, s)
	}
	return d, nil
}

// =============================================================================
// 👥 智能体
// =============================================================================

func (h *CoordinationHandler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.core.Registry.List())
}

// =============================================================================
// 📄 共享上下文
// =============================================================================

func (h *CoordinationHandler) HandleCreateContext(w http.ResponseWriter, r *http.Request) {
	var req api.ContextCreateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	author, err := actingAgent(r.Context(), req.Author)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if req.ContextID == "" {
		WriteError(w, types.NewValidationError("context_id is required"), h.logger)
		return
	}
	v, err := h.core.Contexts.Create(r.Context(), req.ContextID, req.Changes, author)
	if err != nil {
		if errors.Is(err, contextstore.ErrContextExists) {
			err = types.NewConflictError(req.ContextID, "context %s already exists", req.ContextID)
		}
		WriteError(w, err, h.logger)
		return
	}
	WriteCreated(w, v)
}

// HandleReadContext 返回头版本快照，?version= 指定历史版本
func (h *CoordinationHandler) HandleReadContext(w http.ResponseWriter, r *http.Request) {
	snap, err := h.core.Contexts.Read(r.PathValue("id"), r.URL.Query().Get("version"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, snap)
}

func (h *CoordinationHandler) HandleContextHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := h.core.Contexts.History(r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, versions)
}

func (h *CoordinationHandler) HandlePendingWrites(w http.ResponseWriter, r *http.Request) {
	pending, err := h.core.Contexts.Pending(r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, pending)
}

// HandleWriteContext 提交乐观写入。冲突写入被挂起时返回 202 与冲突 ID。
func (h *CoordinationHandler) HandleWriteContext(w http.ResponseWriter, r *http.Request) {
	var req api.ContextWriteRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	author, err := actingAgent(r.Context(), req.Author)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	v, err := h.core.Contexts.Write(r.Context(), contextstore.WriteRequest{
		ContextID:     r.PathValue("id"),
		BaseVersionID: req.BaseVersionID,
		Author:        author,
		Changes:       req.Changes,
		Priority:      req.Priority,
		Confidence:    req.Confidence,
	})
	if pe, ok := contextstore.AsPending(err); ok {
		WriteJSON(w, http.StatusAccepted, Response{
			Success:   true,
			Data:      api.PendingWriteResponse{PendingID: pe.PendingID, ConflictID: pe.ConflictID},
			Timestamp: time.Now(),
		})
		return
	}
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteCreated(w, v)
}

// =============================================================================
// ⚔️ 冲突
// =============================================================================

func (h *CoordinationHandler) HandleGetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := h.core.Conflicts.Get(r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, c)
}

func (h *CoordinationHandler) HandleResolveConflict(w http.ResponseWriter, r *http.Request) {
	c, err := h.core.Conflicts.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, c)
}

func (h *CoordinationHandler) HandleDismissConflict(w http.ResponseWriter, r *http.Request) {
	var req api.ReasonRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	c, err := h.core.Conflicts.Dismiss(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, c)
}

// =============================================================================
// 🗳️ 决策
// =============================================================================

func (h *CoordinationHandler) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	d, err := h.core.Decisions.Get(r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, d)
}

func (h *CoordinationHandler) HandleCastVote(w http.ResponseWriter, r *http.Request) {
	var req api.VoteRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	agentID, err := actingAgent(r.Context(), req.AgentID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	d, err := h.core.Decisions.CastVote(r.Context(), r.PathValue("id"), decision.Vote{
		AgentID:    agentID,
		OptionID:   req.OptionID,
		Confidence: req.Confidence,
		Scores:     req.Scores,
		Rationale:  req.Rationale,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, d)
}

func (h *CoordinationHandler) HandleGetOutcome(w http.ResponseWriter, r *http.Request) {
	out, err := h.core.Decisions.GetOutcome(r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, out)
}

func (h *CoordinationHandler) HandleDecisionAudit(w http.ResponseWriter, r *http.Request) {
	trail, err := h.core.Decisions.Audit(r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, trail)
}

func (h *CoordinationHandler) HandleCancelDecision(w http.ResponseWriter, r *http.Request) {
	var req api.ReasonRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	d, err := h.core.Decisions.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, d)
}

// =============================================================================
// 🔁 交接
// =============================================================================

func (h *CoordinationHandler) HandleGetHandoff(w http.ResponseWriter, r *http.Request) {
	rec, err := h.core.Handoffs.Get(r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, rec)
}

func (h *CoordinationHandler) HandleListHandoffs(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.core.Handoffs.List(r.PathValue("id")))
}

// =============================================================================
// 🔧 工具仲裁
// =============================================================================

func (h *CoordinationHandler) HandleListTools(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.core.Tools.Tools())
}

// ToolStatusResponse 工具状态与使用统计
type ToolStatusResponse struct {
	Status *toolarbiter.Status     `json:"status"`
	Usage  *toolarbiter.UsageStats `json:"usage"`
}

func (h *CoordinationHandler) HandleToolStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := h.core.Tools.GetStatus(id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	usage, err := h.core.Tools.GetUsageStats(id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, ToolStatusResponse{Status: st, Usage: usage})
}

// HandleRequestTool 请求工具锁。立即授予返回 201，排队返回 202。
func (h *CoordinationHandler) HandleRequestTool(w http.ResponseWriter, r *http.Request) {
	var req api.ToolRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	agentID, err := actingAgent(r.Context(), req.AgentID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	est, err := parseDuration("estimated_duration", req.EstimatedDuration)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	grant, err := h.core.Tools.Request(r.Context(), toolarbiter.Request{
		ID:                req.RequestID,
		ToolID:            r.PathValue("id"),
		AgentID:           agentID,
		TaskID:            req.TaskID,
		Priority:          req.Priority,
		EstimatedDuration: est,
		NoQueue:           req.NoQueue,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if !grant.Granted {
		WriteJSON(w, http.StatusAccepted, Response{Success: true, Data: grant, Timestamp: time.Now()})
		return
	}
	WriteCreated(w, grant)
}

func (h *CoordinationHandler) HandleCancelRequest(w http.ResponseWriter, r *http.Request) {
	if err := h.core.Tools.CancelRequest(r.PathValue("id")); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CoordinationHandler) HandleExtendLock(w http.ResponseWriter, r *http.Request) {
	var req api.ExtendRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	d, err := parseDuration("duration", req.Duration)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if d == 0 {
		WriteError(w, types.NewValidationError("duration is required"), h.logger)
		return
	}
	l, err := h.core.Tools.Extend(r.PathValue("id"), d)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, l)
}

func (h *CoordinationHandler) HandleReleaseLock(w http.ResponseWriter, r *http.Request) {
	if err := h.core.Tools.Release(r.PathValue("id")); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
