// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package monitor 提供协调核心的监控事件出口（Sink）。

# 概述

五个组件的每一次状态迁移都会产生一个 types.Event，
{component, entity_id, event_type, timestamp, attributes}。
核心本身不关心事件如何存储或展示，只依赖 Sink 接口。

# 实现

  - LogSink    ：通过 zap 结构化日志输出
  - MetricsSink：计入 internal/metrics.Collector 的状态迁移计数
  - Recorder   ：内存记录器，主要用于测试断言
  - Broadcaster：实时扇出给订阅者，支撑 websocket 事件流
  - Multi      ：组合多个 Sink
*/
package monitor
