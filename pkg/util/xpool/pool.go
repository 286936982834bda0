package xpool

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/omeyang/xindex/pkg/observability/xlog"
)

// JobHandler 处理一个任务。h 用于在任务内部继续 Push。
type JobHandler[T any] func(h *Handle[T], job T)

// Pool work-stealing 线程池句柄。
//
// 设计决策: Pool 只是 shared 的外壳，worker 与 Handle 都只引用 shared。
// 这样调用方丢弃 Pool 后它可以被回收，并由 cleanup 触发停止。
type Pool[T any] struct {
	s *shared[T]
}

// shared 池与所有 worker 共同持有的状态，最后一个 worker 退出后才释放。
type shared[T any] struct {
	handler  JobHandler[T]
	injector injector[T]
	locals   []*localQueue[T]
	stealers []Stealer[T]

	// mu 保护 live、stopped 的写入以及两个条件变量。
	// 临界区只做簿记，任务执行期间从不持有。
	mu       sync.Mutex
	parkCond *sync.Cond
	idleCond *sync.Cond
	live     int
	stop     atomic.Bool

	wg     sync.WaitGroup
	logger xlog.Logger
	opts   options
	stats  counters
}

type counters struct {
	pushed   atomic.Uint64
	executed atomic.Uint64
	panicked atomic.Uint64
	stolen   atomic.Uint64
	parks    atomic.Uint64
}

// Stats 计数快照。
type Stats struct {
	Workers  int
	Pushed   uint64
	Executed uint64 // 包含 panic 的任务
	Panicked uint64
	Stolen   uint64 // 从其他 worker 本地队列窃取成功的次数
	Parks    uint64
}

// New 创建并立即启动 threads 个 worker，threads <= 0 时取 runtime.NumCPU()。
func New[T any](threads int, handler JobHandler[T], opts ...Option) (*Pool[T], error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	logger := xlog.OrDefault(o.logger).With(xlog.Component("xpool"))
	if o.name != "" {
		logger = logger.With(slog.String("pool", o.name))
	}

	s := &shared[T]{
		handler:  handler,
		locals:   make([]*localQueue[T], threads),
		stealers: make([]Stealer[T], threads),
		live:     threads,
		logger:   logger,
		opts:     o,
	}
	s.parkCond = sync.NewCond(&s.mu)
	s.idleCond = sync.NewCond(&s.mu)
	for i := range threads {
		s.locals[i] = newLocalQueue[T](o.localCapacity)
		s.stealers[i] = Stealer[T]{q: s.locals[i]}
	}

	s.wg.Add(threads)
	for i := range threads {
		w := &worker[T]{id: i, s: s}
		w.handle = Handle[T]{s: s, worker: i}
		go w.run()
	}

	p := &Pool[T]{s: s}
	runtime.AddCleanup(p, func(s *shared[T]) { s.signalStop() }, s)
	return p, nil
}

// Push 追加任务到注入队列并唤醒一个休眠的 worker。并发安全。
func (p *Pool[T]) Push(job T) error {
	return p.s.push(job)
}

// Join 阻塞直到所有队列为空且所有 worker 都已休眠，然后停止并等待全部 worker 退出。
// 重复调用或在 Abort 之后调用只等待 worker 退出。
func (p *Pool[T]) Join() {
	s := p.s
	defer runtime.KeepAlive(p)

	s.mu.Lock()
	for !s.stop.Load() && (s.live != 0 || !s.drained()) {
		s.idleCond.Wait()
	}
	if s.stop.Load() {
		// 已被 Abort 或重复 Join。
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stop.Store(true)
	if !s.drained() {
		s.mu.Unlock()
		panic("xpool: queues not empty after join")
	}
	s.parkCond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
}

// Abort 停止池：worker 完成手头任务后退出，剩余任务被丢弃。返回时所有 worker 已退出。
func (p *Pool[T]) Abort() {
	p.s.signalStop()
	p.s.wg.Wait()
	runtime.KeepAlive(p)
}

// Len 返回尚未被取走的任务数（注入队列与全部本地队列之和），并发修改时为近似值。
func (p *Pool[T]) Len() int {
	n := p.s.injector.len()
	for _, q := range p.s.locals {
		n += q.len()
	}
	return n
}

// Workers 返回 worker 数量。
func (p *Pool[T]) Workers() int { return len(p.s.locals) }

// Stealers 返回每个 worker 本地队列的窃取句柄，用于观测队列深度。
func (p *Pool[T]) Stealers() []Stealer[T] {
	return append([]Stealer[T](nil), p.s.stealers...)
}

// Stats 返回计数快照。
func (p *Pool[T]) Stats() Stats {
	c := &p.s.stats
	return Stats{
		Workers:  len(p.s.locals),
		Pushed:   c.pushed.Load(),
		Executed: c.executed.Load(),
		Panicked: c.panicked.Load(),
		Stolen:   c.stolen.Load(),
		Parks:    c.parks.Load(),
	}
}

// Handle 传给任务的句柄，用于在任务内部继续派发。
type Handle[T any] struct {
	s      *shared[T]
	worker int
}

// Push 同 Pool.Push。
func (h *Handle[T]) Push(job T) error { return h.s.push(job) }

// WorkerID 当前执行任务的 worker 编号，从 0 开始。
func (h *Handle[T]) WorkerID() int { return h.worker }

// =============================================================================
// shared
// =============================================================================

// push 在持有 mu 时检查停止标记并入队，保证 Join 置位停止后不会再有任务进入队列。
func (s *shared[T]) push(job T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop.Load() {
		return ErrPoolStopped
	}
	s.injector.push(&job)
	s.stats.pushed.Add(1)
	s.parkCond.Signal()
	return nil
}

func (s *shared[T]) signalStop() {
	s.mu.Lock()
	s.stop.Store(true)
	s.parkCond.Broadcast()
	s.idleCond.Broadcast()
	s.mu.Unlock()
}

func (s *shared[T]) drained() bool {
	if s.injector.len() != 0 {
		return false
	}
	for _, q := range s.locals {
		if q.len() != 0 {
			return false
		}
	}
	return true
}

func (s *shared[T]) logPanic(workerID int, r any) {
	s.logger.Stack(context.Background(), "job panic recovered",
		slog.Int("worker", workerID),
		slog.Any("panic", r),
	)
}
