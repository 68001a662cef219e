// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理协调服务 HTTP 入口的生命周期。

Manager 封装 net/http.Server：Start 非阻塞监听，Run 阻塞直到
context 结束或服务异常退出，随后在 ShutdownTimeout 内优雅关闭。
配置 TLSCertFile/TLSKeyFile 后使用 tlsutil 的加固 TLS 配置提供 HTTPS。
信号处理交给调用方（cmd/coordinator 使用 signal.NotifyContext）。
*/
package server
