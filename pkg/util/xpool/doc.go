// Package xpool 提供 work-stealing 线程池。
//
// 每个 worker 持有一个定长的本地 FIFO 环形队列，所有 worker 共享一个无界注入队列。
// worker 循环：
//
//	本地出队 → 从注入队列批量窃取 → 轮询窃取其他 worker 的本地队列 → 休眠(park) → 执行
//
// Push 追加到注入队列并唤醒一个休眠的 worker。任务内部通过 Handle.Push 继续派发任务（fan-out）。
//
// # 关闭
//
//   - Join 等待所有队列为空且所有 worker 都已休眠，随后停止并回收全部 worker。
//     Join 返回后再 Push 会得到 ErrPoolStopped。
//   - Abort 立即置停止标记并唤醒所有 worker，worker 执行完手头任务后退出，不再消费剩余任务。
//   - Pool 句柄在未 Join/Abort 的情况下变为不可达时，会自动发出停止信号。
//
// # 故障边界
//
// 任务 panic 在执行边界被 recover，记录堆栈后 worker 继续运行，池本身从不重试任务。
// 调度器自身的不变量被破坏（例如 Join 时队列非空）会直接 panic，不尝试带病运行。
//
// Join、Abort 不能在任务内部调用，否则会等待自身退出而死锁。
//
// 用法：
//
//	pool, err := xpool.New(4, func(h *xpool.Handle[Range], r Range) {
//	    if r.Len() > leafSize {
//	        left, right := r.Split()
//	        _ = h.Push(left)
//	        _ = h.Push(right)
//	        return
//	    }
//	    process(r)
//	})
//	_ = pool.Push(Range{From: 0, To: 1 << 20})
//	pool.Join()
package xpool
