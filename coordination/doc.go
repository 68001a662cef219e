// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 coordination 把五个协调组件装配成一个可运行的核心。

# 概述

Core 持有智能体注册表、上下文存储、冲突引擎、决策引擎、交接协调器与工具仲裁器，
并在构造时完成它们之间的交叉引用：

  - 上下文存储把并发写冲突上报给冲突引擎（ConflictReporter）
  - 冲突引擎通过上下文存储结算挂起写入（PendingResolver）
  - 冲突引擎把需要共识的冲突交给决策引擎（ConsensusRunner）
  - 交接协调器用上下文存储校验并钉住版本，并合并并行成员的增量

所有状态转换经 monitor.Multi 同时写入日志、Prometheus 指标与事件广播。

# 持久化

审计记录与版本日志由 persistence 工厂按 Persistence.Type 创建（memory、file、
redis、sql）。redis 后端与 redis 幂等存储共享一个连接；sql 后端需要调用方传入
已打开的 gorm 句柄。

# 生命周期

New 只做装配；Start 启动后台循环（上下文 GC、决策截止检查、工具过期与死锁检测、
审计清理）；Close 停止循环并释放存储，可重复调用。OnConfigReload 可直接注册到
config.Reloader，用于热更新工具目录。
*/
package coordination
