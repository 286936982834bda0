// Package mq 提供基于 AMQP 0-9-1 的消息子包。
//
// 子包列表：
//   - xamqp: 连接、通道、拓扑声明、CBOR 编解码与追踪头
//   - xconsumer: 并发消费、ack/reject、死信中继与广播停止
//   - xrpc: 基于关联 ID 的请求/响应调用
//
// 内部包：
//   - internal/mqcore: 重连循环与追踪传播
//   - internal/amqptest: 进程内 broker，供测试使用
package mq
