// Package xbreaker 基于 sony/gobreaker/v2 的熔断器。
//
// 默认连续失败 5 次进入 Open，60 秒后进入 HalfOpen 放行 1 个探测请求。
// 熔断错误包装为 BreakerError，其 Retryable() 返回 false，与 xretry 组合时不会被重试。
//
// xrpc 用它保护会话建立：broker 不可达时调用快速失败，而不是每次都重新建连。
package xbreaker
