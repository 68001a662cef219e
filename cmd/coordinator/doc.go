// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package main 提供协调服务的可执行入口。

# 子命令

  - serve    启动 HTTP 服务；--config 指定的文件会被轮询，工具目录变更在线生效
  - migrate  通过 golang-migrate 管理 sql 持久化后端的表结构
  - health   探测 /health 或 /ready
  - version  打印构建注入的版本信息

# 中间件链

由外到内：Recovery、RequestID、SecurityHeaders、RequestLogger、MetricsMiddleware、
OTelTracing、APIKeyAuth（配置了 API Key 时）、JWTAuth（配置了密钥时）、
RateLimiter（按 agent_id，未认证时按 IP）。/health、/ready、/version、/metrics
不需要认证。

# 关闭

SIGINT/SIGTERM 触发 server.Manager 在 ShutdownTimeout 内排空请求，随后关闭协调
核心的后台循环、存储、数据库连接池与遥测导出器。
*/
package main
