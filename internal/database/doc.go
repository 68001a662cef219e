// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 为 SQL 审计存储提供 gorm 连接与连接池管理。

# 概述

Open 根据 config.DatabaseConfig 选择方言（postgres、mysql、纯 Go 的
sqlite 或 cgo 的 sqlite3），打开连接并交给 PoolManager 管理。
persistence.SQLRecordStore 与 SQLVersionLog 通过 PoolManager.DB()
获取句柄。

# 核心类型

  - PoolManager：持有 gorm 句柄，提供 Ping、Healthy、GetStats、Close。
  - PoolConfig：最大连接数、空闲回收与健康检查间隔。
  - TransactionFunc：事务回调。

# 主要能力

  - 方言选择：Dialector 按驱动名返回 gorm.Dialector。
  - 健康检查：后台定时探活，Close 时停止。
  - 事务重试：WithTransactionRetry 基于 internal/retry 的指数退避，
    仅对死锁、序列化失败、断连等瞬时错误重试。
*/
package database
