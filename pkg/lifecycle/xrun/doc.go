// Package xrun 管理进程内多个常驻服务的生命周期。
//
// Group 基于 errgroup：任一服务返回错误即取消共享 context，其余服务随之退出。
// Run/RunServices 额外监听系统信号，收到信号时以 *SignalError 作为取消原因。
//
// xindexer 中，消费运行时、RPC 服务端、配置监听、统计上报都作为服务挂在同一个 Group 上，
// Group 的 context 取消即是消费者的广播停止信号。
//
//	err := xrun.RunServices(ctx, consumerA, consumerB, statusServer)
//	if errors.Is(err, xrun.ErrSignal) {
//	    // 正常退出
//	}
package xrun
