// Package mqcore 是 xamqp、xrpc、xconsumer 共用的消息内核。
//
// 本包是 internal 包，外部用户不应直接导入。
// 依赖方向：pkg/mq/* → internal/mqcore → pkg/resilience/xretry。
//
// 主要内容：
//   - Tracer：消息头上的链路追踪注入与提取，NoopTracer 与 OTelTracer 两种实现
//   - 共享错误定义
//   - RunConsumeLoop：基于 xretry.BackoffPolicy 的重连循环
package mqcore
