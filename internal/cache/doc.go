// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 管理协调服务共享的 Redis 连接。

当持久化后端或交接幂等存储选择 redis 时，服务启动阶段创建一个 Manager，
其 Client 同时交给审计记录存储、版本日志与幂等管理器，避免重复建连。

# 主要能力

  - 启动时 Ping 验证连通性，可选 TLS（tlsutil 加固配置）
  - 后台健康检查，Healthy 供 /ready 探针使用
  - GetStats 暴露连接池统计
*/
package cache
