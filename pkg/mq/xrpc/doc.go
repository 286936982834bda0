// Package xrpc 在 AMQP 之上实现请求/响应调用。
//
// 每个接口由 Interface[A, R] 描述：名称 name，交换机 rpc.<name>，调用路由键 <name>.call。
// 调用与返回共用一个 CBOR 信封 Envelope[A, R]，call 与 return 恰好设置其一。
//
// Client 在第一次调用时建立会话并缓存：
//   - 声明独占、非持久、自动删除的应答队列，名称唯一，绑定到接口交换机
//   - 独占订阅应答队列，由一个分发协程按关联 ID 把返回值交给对应的调用
//   - 调用以 mandatory 发布并等待 broker 确认，消息携带关联 ID 与 reply-to
//
// 关联表的条目在调用返回前一定被删除，无论成功、ctx 取消还是传输失败。
// 每个条目至多收到一次返回。未知、缺失或无法解码的应答只记录日志并丢弃。
//
// 传输故障（发布失败、通道关闭）返回 ErrTransport，并让缓存的会话失效，
// 下一次调用重新建立通道与应答队列。会话建立受熔断器保护，broker 持续不可达时
// 调用快速失败（ErrBreakerOpen）。
//
// Client 不设置超时：目标不在线时调用一直等待，调用方应通过 ctx 控制等待时间。
//
// Server 在持久队列 <name>.calls 上运行 xconsumer，把处理结果发回调用方的应答队列。
// 处理函数出错时调用被拒绝进入死信，调用方收不到返回。
package xrpc
