package xpool

import "runtime"

type worker[T any] struct {
	id     int
	s      *shared[T]
	handle Handle[T]
	next   int // 轮询窃取的起点偏移
}

const maxStealRounds = 4

func (w *worker[T]) run() {
	defer w.s.wg.Done()
	if w.s.opts.lockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	for {
		if w.s.stop.Load() {
			return
		}
		if job := w.find(); job != nil {
			w.execute(*job)
			continue
		}
		if !w.park() {
			return
		}
	}
}

// find 本地出队 → 注入队列批量窃取 → 轮询窃取其他 worker。
func (w *worker[T]) find() *T {
	local := w.s.locals[w.id]
	if job := local.pop(); job != nil {
		return job
	}
	if job := w.s.injector.stealBatchAndPop(local); job != nil {
		return job
	}

	n := len(w.s.stealers)
	for range maxStealRounds {
		contended := false
		for i := 1; i < n; i++ {
			victim := (w.id + w.next + i) % n
			if victim == w.id {
				continue
			}
			job, res := w.s.stealers[victim].Steal()
			switch res {
			case StealSuccess:
				w.next = (w.next + i) % n
				w.s.stats.stolen.Add(1)
				return job
			case StealRetry:
				contended = true
			}
		}
		if !contended {
			break
		}
	}
	w.next = (w.next + 1) % n
	return nil
}

// park 在没有任务时休眠。返回 false 表示应当退出。
//
// 持锁后重新检查停止标记与注入队列：Push 在同一把锁下入队并 Signal，
// 因此检查之后到 Wait 之间不会丢失唤醒。
func (w *worker[T]) park() bool {
	s := w.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop.Load() {
		return false
	}
	if s.injector.len() != 0 {
		return true
	}

	s.stats.parks.Add(1)
	s.live--
	if s.live == 0 {
		s.idleCond.Broadcast()
	}
	s.parkCond.Wait()
	s.live++
	return !s.stop.Load()
}

// execute 在 panic 边界内运行任务，panic 计为一次执行。
func (w *worker[T]) execute(job T) {
	defer func() {
		if r := recover(); r != nil {
			w.s.stats.panicked.Add(1)
			w.s.logPanic(w.id, r)
		}
		w.s.stats.executed.Add(1)
	}()
	w.s.handler(&w.handle, job)
}
