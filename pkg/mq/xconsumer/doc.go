// Package xconsumer 提供至少一次语义的队列消费运行时。
//
// 一个 Consumer 对一个队列保持一份订阅，N 个 worker 共享这份订阅：
//
//	等待投递或停止 → 解码并处理 → Ack 或 Reject(requeue=false) → 重复
//
// 处理成功 Ack；解码失败、处理函数返回错误或 panic 都 Reject 且不重新入队，
// 消息经死信交换机进入 <queue>.dlq，不会在原队列里反复重试阻塞其他消息。
// 每个投递恰好被确认或拒绝一次。
//
// 伴随的死信中继消费 <queue>.dlq：记录日志（或调用 OnDeadLetter），
// 按 RelayPolicy 延迟后重新投递回原队列，超过次数后丢弃。
// 中继只在所有 worker 退出后才被取消，关闭期间产生的死信不会丢失。
//
// ctx 取消即广播停止：worker 不再取新投递，手上的投递处理完并确认后退出，
// Run 在所有 worker 退出后返回。worker 之间不保证处理顺序。
//
// 会话因通道或连接故障结束时，Run 按退避重建会话。
package xconsumer
