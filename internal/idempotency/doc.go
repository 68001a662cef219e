// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package idempotency 以消息 ID 为键提供去重存储。

传输层重试可能导致同一交接消息被重复投递，接收方先查询本存储：
命中则直接返回已保存的结果，不再重复执行任务或重复写入上下文。

提供内存实现（单进程）与 Redis 实现（多副本共享）。
*/
package idempotency
