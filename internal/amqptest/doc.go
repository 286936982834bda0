// Package amqptest 提供内存版 AMQP broker，实现 xamqp.ChannelOpener 与 xamqp.Channel，
// 供 xrpc、xconsumer 等包在不依赖外部 RabbitMQ 的情况下测试。
//
// 支持的语义：
//   - direct、fanout、topic 交换机与默认交换机（路由键即队列名）
//   - 独占队列、自动删除队列、prefetch
//   - Ack、Nack、Reject；拒绝且不重新入队时按 x-dead-letter-exchange 死信并写入 x-death
//   - 通道关闭时未确认消息重新入队并标记 redelivered
//
// 通道级错误（声明冲突、未知 delivery tag 等）会像真实 broker 一样关闭通道。
// CloseAll、SetOpenError、SetPublishError 用于注入故障。
package amqptest
