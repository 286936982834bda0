package xpool

import (
	"sync"
	"sync/atomic"
)

// StealResult 一次窃取的结果。
type StealResult int

const (
	// StealSuccess 取到了一个任务。
	StealSuccess StealResult = iota
	// StealEmpty 队列为空。
	StealEmpty
	// StealRetry 与其他窃取者发生竞争，稍后重试可能成功。
	StealRetry
)

// =============================================================================
// 本地队列
// =============================================================================

// localQueue 定长环形 FIFO，单生产者多消费者。
//
// 只有所属 worker 会 push（tail 单写）；所属 worker 与窃取者都从 head 出队，通过 CAS 竞争。
// 槽位使用 atomic.Pointer，CAS 失败时读到的旧值直接丢弃，不存在数据竞争。
type localQueue[T any] struct {
	head  atomic.Uint64
	_     [56]byte // head 与 tail 分属不同写者，隔开避免伪共享
	tail  atomic.Uint64
	mask  uint64
	slots []atomic.Pointer[T]
}

func newLocalQueue[T any](capacity int) *localQueue[T] {
	c := nextPowerOfTwo(capacity)
	return &localQueue[T]{
		mask:  uint64(c - 1),
		slots: make([]atomic.Pointer[T], c),
	}
}

func nextPowerOfTwo(n int) int {
	c := 1
	for c < n {
		c <<= 1
	}
	return c
}

// push 仅所属 worker 调用。队列满时返回 false。
func (q *localQueue[T]) push(job *T) bool {
	t := q.tail.Load()
	h := q.head.Load()
	if t-h >= uint64(len(q.slots)) {
		return false
	}
	q.slots[t&q.mask].Store(job)
	q.tail.Store(t + 1)
	return true
}

// steal 从队首取一个任务，任何 goroutine 都可调用。
func (q *localQueue[T]) steal() (*T, StealResult) {
	h := q.head.Load()
	t := q.tail.Load()
	if h >= t {
		return nil, StealEmpty
	}
	job := q.slots[h&q.mask].Load()
	if !q.head.CompareAndSwap(h, h+1) {
		return nil, StealRetry
	}
	return job, StealSuccess
}

// pop 所属 worker 出队，竞争失败时自旋重试直到成功或为空。
func (q *localQueue[T]) pop() *T {
	for {
		job, res := q.steal()
		switch res {
		case StealSuccess:
			return job
		case StealEmpty:
			return nil
		}
	}
}

func (q *localQueue[T]) len() int {
	h := q.head.Load()
	t := q.tail.Load()
	if t < h {
		return 0
	}
	return int(t - h)
}

func (q *localQueue[T]) capacity() int { return len(q.slots) }

// Stealer 指向某个 worker 本地队列的窃取句柄，可被任意 goroutine 使用。
type Stealer[T any] struct {
	q *localQueue[T]
}

// Steal 尝试取一个任务。
func (s Stealer[T]) Steal() (*T, StealResult) { return s.q.steal() }

// Len 近似长度。
func (s Stealer[T]) Len() int { return s.q.len() }

// =============================================================================
// 注入队列
// =============================================================================

const maxBatchSteal = 32

// injector 无界共享队列，多生产者多消费者，互斥锁保护。
type injector[T any] struct {
	mu    sync.Mutex
	items []*T
	head  int
}

func (in *injector[T]) push(job *T) {
	in.mu.Lock()
	in.items = append(in.items, job)
	in.mu.Unlock()
}

func (in *injector[T]) len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.items) - in.head
}

// stealBatchAndPop 取走约一半（受 dest 剩余容量与 maxBatchSteal 限制）的任务：
// 第一个直接返回，其余放进 dest。dest 必须属于调用方 worker。
func (in *injector[T]) stealBatchAndPop(dest *localQueue[T]) *T {
	in.mu.Lock()
	defer in.mu.Unlock()

	avail := len(in.items) - in.head
	if avail == 0 {
		return nil
	}
	n := min((avail+1)/2, dest.capacity()-dest.len()+1, maxBatchSteal)
	n = max(n, 1)

	first := in.items[in.head]
	in.items[in.head] = nil
	in.head++
	for i := 1; i < n; i++ {
		if !dest.push(in.items[in.head]) {
			break
		}
		in.items[in.head] = nil
		in.head++
	}
	in.compact()
	return first
}

// compact 回收已消费的前缀，避免底层数组无限增长。
func (in *injector[T]) compact() {
	switch {
	case in.head == len(in.items):
		in.items = in.items[:0]
		in.head = 0
	case in.head > 64 && in.head*2 > len(in.items):
		n := copy(in.items, in.items[in.head:])
		clear(in.items[n:])
		in.items = in.items[:n]
		in.head = 0
	}
}
