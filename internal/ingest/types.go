package ingest

import (
	"fmt"
)

// AccountUpdate 一次账户状态变更。
type AccountUpdate struct {
	Pubkey       string `cbor:"pubkey"`
	Owner        string `cbor:"owner"`
	Slot         uint64 `cbor:"slot"`
	WriteVersion uint64 `cbor:"write_version"`
	Lamports     uint64 `cbor:"lamports"`
	Data         []byte `cbor:"data,omitempty"`
	MetadataURI  string `cbor:"metadata_uri,omitempty"`
}

// Version 用于最后写入胜出的比较键。
type Version struct {
	Slot         uint64
	WriteVersion uint64
}

// Newer 报告 v 是否严格新于 other。
func (v Version) Newer(other Version) bool {
	if v.Slot != other.Slot {
		return v.Slot > other.Slot
	}
	return v.WriteVersion > other.WriteVersion
}

// Version 返回更新的版本。
func (u AccountUpdate) Version() Version {
	return Version{Slot: u.Slot, WriteVersion: u.WriteVersion}
}

// SlotRange 左闭右开的 slot 区间 [From, To)。
type SlotRange struct {
	From uint64 `cbor:"from"`
	To   uint64 `cbor:"to"`
}

// Len 返回区间长度，非法区间为 0。
func (r SlotRange) Len() uint64 {
	if r.To <= r.From {
		return 0
	}
	return r.To - r.From
}

// Split 从中点切成两半。长度小于 2 时 ok 为 false。
func (r SlotRange) Split() (left, right SlotRange, ok bool) {
	if r.Len() < 2 {
		return r, SlotRange{}, false
	}
	mid := r.From + r.Len()/2
	return SlotRange{From: r.From, To: mid}, SlotRange{From: mid, To: r.To}, true
}

func (r SlotRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.From, r.To)
}

// SearchDocument 送往搜索索引的文档。
type SearchDocument struct {
	ID       string         `json:"id"`
	Owner    string         `json:"owner"`
	Slot     uint64         `json:"slot"`
	Lamports uint64         `json:"lamports"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StatusRequest 状态查询参数，Queues 为空时返回全部。
type StatusRequest struct {
	Queues []string `cbor:"queues,omitempty"`
}

// QueueStatus 一个队列的消费统计。
type QueueStatus struct {
	Queue        string `cbor:"queue"`
	Received     int64  `cbor:"received"`
	Acked        int64  `cbor:"acked"`
	Rejected     int64  `cbor:"rejected"`
	DeadLettered int64  `cbor:"dead_lettered"`
	Reconnects   int64  `cbor:"reconnects"`
}

// StatusReply 状态查询结果。
type StatusReply struct {
	Node     string        `cbor:"node"`
	Accounts int64         `cbor:"accounts"`
	Slots    uint64        `cbor:"slots"`
	Queues   []QueueStatus `cbor:"queues"`
}
