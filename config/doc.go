// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package config 提供协调服务的配置管理。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 COORD）的顺序合并，
// 加载后由 Validate 统一校验。Reloader 轮询配置文件，
// 内容变化且校验通过时回调，用于在线替换工具目录。
package config
