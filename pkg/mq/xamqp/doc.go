// Package xamqp 是 AMQP 0-9-1 broker 的边界层，基于 rabbitmq/amqp091-go。
//
// 仓库其余部分只通过 Channel 接口接触 broker：
//   - Connection.Channel 打开的通道处于 confirm 模式，Publish 以 mandatory 投递并等待 broker 确认
//   - Consume 总是关闭 autoAck，确认与拒绝由投递自身的 Acknowledger 完成
//   - 连接断开后下一次 Channel 调用会自动重连
//
// Topology 描述一类消息的交换机、队列、绑定与死信配置，Declare 按描述声明。
//
// 消息体默认使用 CBOR 编码（CBOR()），RPC 信封与各业务队列共用。
package xamqp
