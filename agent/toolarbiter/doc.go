// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package toolarbiter 仲裁多个 Agent 对共享外部工具（设计工具、构建系统、
测试运行器、性能分析器等）的并发访问。

# 工具类别

  - exclusive：同一时刻仅一个持有者，ConcurrentLimit 强制为 1
  - shared / pool：最多 ConcurrentLimit 个并发持有者
  - agent_specific：仅 AllowedAgents 中的 Agent 可申请

# 请求与排队

Request 在有空闲槽位且队列为空时立即授予锁（Lock），锁的过期时间为
预计时长加 Buffer。否则请求按有效优先级入队，返回 granted=false 与
从 0 开始的 queue_position 及预计等待时间；设置 NoQueue 时直接返回
RESOURCE_BUSY。设置 Wait 时 Request 阻塞直到授予、取消或中止。
队列中的请求每等待 AgingStep 提升一级优先级，避免低优先级请求饥饿。

释放、过期清扫（Sweep）或取消都会按顺序授予排队请求，被授予者通过
Await 或 Notifier 得知结果，无需再次请求。

# 死锁检测

DetectDeadlocks 根据"排队 Agent -> 持有者"构建等待图，确定性 DFS 找环；
每个环中有效优先级最低（同级取最新）的排队请求以 ErrAborted 中止并通知，
直到图中无环。Start 周期性运行清扫与死锁检测。
*/
package toolarbiter
