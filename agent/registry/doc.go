// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package registry 维护协调核心共享的智能体注册表。

# 概述

智能体在系统启动时注册且永不销毁。每个智能体携带 domain_weights
（各领域专长，取值 [0,1]）与可变的 authority_score（初始 1.0，
由决策反馈调整并限制在 [0.5, 2.0]）。注册表同时指定编排者与副手，
Arbiter 在编排者本身是冲突当事方时返回副手，避免自我仲裁。
*/
package registry
