// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 handoff 实现智能体之间的任务交接协调。

# 概述

一次交接由发送方发起，携带任务、上下文版本引用与前序工作记录（previous_work），
经 Transport 投递给目标 Agent，并在确认超时内等待应答。交接记录按状态机推进：

	initiated -> sent -> acknowledged -> accepted | rejected -> in_progress -> completed | failed | cancelled

任何非终态都可以被取消；终态不可变，仅保留用于审计。CanTransition 给出合法边。

# 核心模型

  - Message：交接消息，包含 message_id、来源/目标、workflow_id、交接类型、
    Task（依赖与交付物）、context_version_id、previous_work 与阶段元数据
  - Ack：接收方应答，accepted 或 rejected，附带原因与预计完成时间
  - Record：协调器侧的交接记录与状态历史
  - TaskBoard：依赖门控，依赖任务全部 completed 才允许投递
  - VersionChecker / ContextWriter：由上下文存储实现，负责版本校验、钉住与增量合并

# 投递与重试

Send 依次执行校验、依赖检查、版本检查与钉住，随后在 AckTimeout 内等待应答。
超时或传输失败按 base × 2^attempt（封顶）退避重试，最多 MaxAttempts 次；
耗尽后依次尝试 Fallbacks，全部失败返回 TIMEOUT 或 DEPENDENCY_ERROR，
并将交接记为 failed。应答延迟超过 EscalateAbove 时记录告警并发出 slow_ack 事件。

# 幂等

Receive 以 message_id 为键保存首次应答（internal/idempotency，内存或 Redis），
重放直接返回已保存的应答，不会再次触发接受回调，也不会重复执行任务。

# 并行

FanOut 为同一 parallel_group_id 发出 N 个 parallel_start 交接；Join 等待全部成员
到达终态或超时，按阶段顺序合并 previous_work，并通过上下文存储合并各成员的增量，
冲突的写入由存储挂起并交给冲突引擎处理，最终产出一个 parallel_join 汇总结果。
*/
package handoff
