// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package tlsutil 集中提供 TLS 设置（TLS 1.2+，仅 AEAD 套件），
// 供 HTTPS 入口、Redis 连接与 health 子命令的探测客户端共用。
package tlsutil
