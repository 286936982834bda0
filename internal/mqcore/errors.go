package mqcore

import "errors"

// 共享错误定义，由 pkg/mq 下各包重导出。
// 前缀使用 "mq:" 而非 "mqcore:"，避免把 internal 包名暴露给终端用户。
var (
	// ErrNilConnection 传入的连接为空。
	ErrNilConnection = errors.New("mq: nil connection")

	// ErrNilHandler 传入的处理函数为空。
	ErrNilHandler = errors.New("mq: nil handler")

	// ErrClosed 客户端已关闭。
	ErrClosed = errors.New("mq: client closed")

	// ErrDeliveriesClosed broker 关闭了投递流（通道或连接断开）。
	ErrDeliveriesClosed = errors.New("mq: delivery stream closed")
)
