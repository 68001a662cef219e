// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package decision 实现多智能体协作决策引擎。

# 决策类型

  - majority / supermajority / unanimous：按参与者总数计票，阈值 50% / 66% / 100%
  - weighted：权重 = 领域权重 × 权威值 × (必需参与者 1.2)，归一化后按
    Σ(权重 × 置信度) 取最高选项；同分时由权重最大的单个支持者决定
  - expert：只统计领域权重不低于阈值的智能体，无专家投票时回退为 weighted
  - orchestrator：编排者的选票具有约束力，仅用于 critical 优先级或冲突升级
  - consensus：BuildConsensus 按"广播 → 收集立场 → 提案 → 反馈 →
    共识 / 折中 → 回退投票"七步执行

# 终止性

所有参与者投票后立即定案；阈值未达成时交由编排者裁定。截止时间到期时，
若已达法定人数且规则可定案则按规则定案，否则转为 orchestrator 类型强制裁定
（方法记为 orchestrator_forced）。

每张选票、提案与最终结果都追加到不可变的审计轨迹，并在定案后按结果调整
投票者的权威值。Engine 同时实现 conflict.ConsensusRunner。
*/
package decision
