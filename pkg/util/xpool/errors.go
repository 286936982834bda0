package xpool

import "errors"

var (
	// ErrNilHandler handler 为 nil。
	ErrNilHandler = errors.New("xpool: handler cannot be nil")

	// ErrPoolStopped 池已 Join 或 Abort，不再接受任务。
	ErrPoolStopped = errors.New("xpool: pool is stopped")
)
