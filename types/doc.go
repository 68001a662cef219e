// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供协调核心的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 contextstore、handoff、
conflict、decision、toolarbiter 等上层模块提供统一的类型契约，
以避免循环依赖。

# 核心类型

  - Agent            ：智能体身份（domain_weights、authority_score、编排者/副手标记）
  - Domain           ：封闭的领域集合（project / design / code / performance / ...）
  - Priority         ：critical > high > medium > low 四级优先级
  - Event / Component：监控事件（component、entity_id、event_type、timestamp、attributes）
  - Error / ErrorCode：结构化错误体系：校验、依赖、超时、冲突、权限、资源

# 主要能力

  - 错误工具链：AsError / IsErrorCode / IsRetryable / GetErrorCode
  - 常用错误构造：NewValidationError / NewDependencyError / NewTimeoutError 等
  - Context 传播：WithTraceID / WithAgentID / WithWorkflowID / WithRoles 等
  - 权威值约束：ClampAuthority 将 authority_score 限制在 [0.5, 2.0]
*/
package types
