// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供协调核心的持久化状态抽象及多后端实现。

# 概述

持久化布局与存储无关：每个 context_id 一条只追加的版本日志；
每个交接、冲突、决策与工具锁各一条以其 ID 为键的审计记录，
按可配置的保留策略清理。

# 核心接口

  - Store: 所有存储的基础接口，提供 Close 和 Ping 健康检查。
  - RecordStore: 审计记录存储，支持 Put、Get、List 与 DeleteBefore。
  - VersionLog: 上下文版本日志，支持 Append 与按序号 Load。

# 后端实现

  - Memory: 内存实现，适合开发与测试，重启后数据丢失。
  - File: 记录使用原子写入的 JSON 索引，版本使用 JSON Lines 追加。
  - Redis: 记录使用 Sorted Set 索引与 Pipeline，版本使用 List。
  - SQL: 基于 gorm，支持 postgres / mysql / sqlite，表结构由
    internal/migration 管理，测试中可用 AutoMigrate。

# 使用方式

	store, err := persistence.NewRecordStore(config)
	versions, err := persistence.NewVersionLog(config)
	go persistence.NewCleaner(store, config.Cleanup, logger).Run(ctx)
*/
package persistence
