// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可证管辖,
// 该许可证可以在 LICENSE 文件中找到。

/*
Package conflict 实现冲突引擎：检测、分级、策略选择与解决。

# 检测

  - 上下文冲突：contextstore 在并发写入重叠时通过 ReportContextConflict 上报，
    位置 0 是被挂起的写入，位置 1 是当前 head 分支。
  - 建议冲突：DetectRecommendations 在两个以上置信度超过阈值的建议互不相同时上报。
  - 手动上报：Report。

严重度由双方平均置信度决定：>0.9 critical，>0.7 high，>0.5 medium，否则 low。

# 解决

策略表按 (category, severity, mergeable) 查找，首条匹配生效，SetRule 可覆盖。
学习子系统按 (category, domain) 统计各策略的接受率，在某策略明显更好时替换表中选择。

Resolve 沿 escalation 阶梯执行：所选策略 → consensus（委托决策引擎）→
编排者仲裁 → 副手仲裁 → 固定平局规则。阶梯耗尽时冲突进入 escalated 状态并记录原因。
上下文冲突的结果通过 PendingResolver 写回 contextstore。
*/
package conflict
