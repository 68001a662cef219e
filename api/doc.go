// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 api 定义协调服务 HTTP 接口的请求体。

# 接口概览

  - /v1/contexts      共享上下文的创建、读取、历史与乐观写入
  - /v1/conflicts     冲突查询、手动解决与驳回
  - /v1/decisions     决策查询、投票、结果与审计
  - /v1/handoffs      交接记录查询
  - /v1/tools         工具状态、使用统计与锁请求
  - /v1/locks         锁的延长与释放
  - /v1/events        通过 websocket 推送的状态转换事件流

所有响应使用 handlers.Response 包装。错误码与 HTTP 状态的映射见
handlers.HTTPStatus。

# 认证

配置了 API Key 时需要 X-API-Key 请求头；配置了 JWT 密钥时需要
Authorization: Bearer 令牌，令牌中的 agent_id 声明会约束请求体里的 agent_id。
*/
package api
