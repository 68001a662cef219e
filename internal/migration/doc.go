// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理 sql 持久化后端的表结构，基于 golang-migrate。

每种方言（postgres、mysql、sqlite）的迁移文件通过 embed 内嵌，
创建审计记录表 coord_records 与上下文版本日志表 coord_context_versions。
sqlite 使用纯 Go 驱动，无需 cgo。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/Steps/Goto/Force/Version/Status/Info。
    操作接受 context，取消时在当前迁移完成后停止。
  - CLI：coordinator migrate 子命令的格式化输出与参数分发。
  - AvailableMigrations：列出某方言的内嵌迁移。
*/
package migration
