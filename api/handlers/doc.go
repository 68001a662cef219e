// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package handlers 提供协调服务 HTTP API 的请求处理器实现。

# 核心类型

  - CoordinationHandler：上下文、冲突、决策、交接与工具仲裁的 /v1 路由
  - EventsHandler      ：/v1/events websocket 事件流，支持按组件与实体过滤
  - HealthHandler      ：/health、/ready、/version
  - Response / ErrorInfo：统一 JSON 响应结构
  - ResponseWriter     ：捕获状态码，并透传 Hijack 以支持 websocket 升级

# 错误映射

WriteError 按 types.ErrorCode 选择 HTTP 状态码（见 HTTPStatus），响应体保留
entity_id 与 retryable 标记。非 types.Error 的错误一律视为 INTERNAL_ERROR。

# 身份

请求经 JWT 中间件认证后，上下文中的 agent_id 优先于请求体；两者不一致时返回 403。
*/
package handlers
