// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的协调核心指标采集能力，覆盖
HTTP、交接、上下文存储、冲突、决策与工具仲裁六大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制。所有指标按 namespace 隔离，便于 Grafana 等工具可视化与告警。

# 主要能力

  - 交接指标：按类型/终态计数、确认延迟、重试次数。
  - 上下文指标：版本写入、三方合并、挂起写入数。
  - 冲突与决策指标：按类别/严重度/策略计数，决策方法与投票数。
  - 工具仲裁指标：授予、释放（主动/过期/中止）、排队深度、等待时长、死锁。
  - 状态转换：监控事件按 component/event_type 计数。
*/
package metrics
