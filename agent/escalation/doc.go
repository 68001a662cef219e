// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package escalation 提供有限的升级阶梯。

冲突与决策的“最后手段”路径被建模为显式状态机而不是递归调用：

	strategy → consensus → arbitration → deputy → tie_break

每次 Advance 级别严格递增，到达上限后返回 ErrCeilingReached，
因此任何升级流程都必然终止。Climb 按级别依次调用处理函数，
直到某一级给出结果或阶梯耗尽。
*/
package escalation
