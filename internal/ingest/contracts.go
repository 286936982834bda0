package ingest

import (
	"context"
	"errors"
)

// ErrStale 更新的版本不新于已写入的版本，被忽略。
var ErrStale = errors.New("ingest: stale update")

// Writer 持久化层。实现必须幂等：同一更新重复写入结果不变。
type Writer interface {
	// WriteAccount 写入账户状态。版本不新时返回 ErrStale，调用方应视为成功。
	WriteAccount(ctx context.Context, u AccountUpdate) error

	// WriteSlots 记录区间内的 slot 已回填。
	WriteSlots(ctx context.Context, r SlotRange) error
}

// SearchDispatcher 搜索索引客户端。
type SearchDispatcher interface {
	Dispatch(ctx context.Context, doc SearchDocument) error
}

// Fetcher 链下元数据抓取。
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Inventory Writer 可选实现，报告当前规模，用于状态查询。
type Inventory interface {
	Inventory(ctx context.Context) (accounts int64, slots uint64, err error)
}
