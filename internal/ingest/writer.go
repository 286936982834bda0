package ingest

import (
	"context"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrInvalidCapacity MemoryWriter 容量非法。
var ErrInvalidCapacity = errors.New("ingest: capacity must be positive")

// MemoryWriter 进程内 Writer，按 (slot, write_version) 做最后写入胜出。
//
// 设计决策: 账户表用 LRU 限制内存，被淘汰的账户再次收到旧版本时会被当作新账户写入。
// 单机演示和测试可以接受，生产部署应替换为持久化实现。
type MemoryWriter struct {
	mu       sync.Mutex
	accounts *lru.Cache[string, AccountUpdate]
	ranges   map[SlotRange]struct{}
	slots    uint64
	evicted  int64
}

var (
	_ Writer    = (*MemoryWriter)(nil)
	_ Inventory = (*MemoryWriter)(nil)
)

// NewMemoryWriter 创建最多保存 capacity 个账户的 MemoryWriter。
func NewMemoryWriter(capacity int) (*MemoryWriter, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	w := &MemoryWriter{ranges: make(map[SlotRange]struct{})}
	cache, err := lru.NewWithEvict(capacity, func(string, AccountUpdate) {
		w.evicted++
	})
	if err != nil {
		return nil, err
	}
	w.accounts = cache
	return w, nil
}

// WriteAccount 写入账户，版本不新于已有记录时返回 ErrStale。
func (w *MemoryWriter) WriteAccount(ctx context.Context, u AccountUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.accounts.Peek(u.Pubkey); ok && !u.Version().Newer(cur.Version()) {
		return ErrStale
	}
	w.accounts.Add(u.Pubkey, u)
	return nil
}

// WriteSlots 记录已回填区间，同一区间重复写入只计一次。
func (w *MemoryWriter) WriteSlots(ctx context.Context, r SlotRange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.ranges[r]; ok {
		return nil
	}
	w.ranges[r] = struct{}{}
	w.slots += r.Len()
	return nil
}

// Account 返回账户当前状态。
func (w *MemoryWriter) Account(pubkey string) (AccountUpdate, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.accounts.Peek(pubkey)
}

// Accounts 返回当前保存的账户数。
func (w *MemoryWriter) Accounts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.accounts.Len()
}

// Slots 返回已回填的 slot 总数。
func (w *MemoryWriter) Slots() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.slots
}

// Evicted 返回被 LRU 淘汰的账户数。
func (w *MemoryWriter) Evicted() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.evicted
}

// Inventory 账户数与已回填 slot 数。
func (w *MemoryWriter) Inventory(context.Context) (int64, uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(w.accounts.Len()), w.slots, nil
}
