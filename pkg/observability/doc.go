// Package observability 提供可观测性相关的子包。
//
// 子包列表：
//   - xlog: 结构化日志，基于 log/slog 扩展，支持文件轮转与级别热更新
//   - xmetrics: 统一的 span 接口，OpenTelemetry 实现
package observability
