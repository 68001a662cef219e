// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package contextstore 实现所有智能体共享读写的版本化上下文。

# 概述

每个共享上下文是一棵按领域分区（project / design / code / performance /
accessibility / testing / deployment）的树。任何修改都会生成新的不可变
Version，版本之间通过 parent_version_id（以及合并时的 merged_from）
构成有向无环图。字段值是封闭的标签联合类型 Value：字符串、数字、
布尔、列表、对象。

# 写入路径

head 指针通过原子 CAS 更新，写入不需要全局锁：

  - base 仍为 head：直接生成新版本并 CAS 替换 head。
  - head 已前进：以公共祖先为基准对两条分支做三方比较。路径不重叠时
    自动合并为一个新版本；两边写入相同值视为不冲突；预算路径取更严格
    （更小）的数值；其余重叠会挂起该写入（PendingWrite），并通过
    ConflictReporter 上报 context-value 冲突。

# 其他能力

  - Subscribe / Unsubscribe：按路径、操作、作者过滤，按版本创建顺序
    逐个订阅者投递，处理失败时有界重投（至少一次）。
  - Pin / Unpin 与 Sweep：超过保留期的版本被回收，分支头、被交接引用
    的版本及其祖先除外。
  - Verify：在父版本上重放变更集并比对 SHA-256 校验和。
  - Recover：从 persistence.VersionLog 重建上下文。
*/
package contextstore
