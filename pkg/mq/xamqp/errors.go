package xamqp

import (
	"errors"

	"github.com/omeyang/xindex/internal/mqcore"
)

var (
	// ErrNacked broker 对发布返回了 nack。
	ErrNacked = errors.New("xamqp: publish nacked by broker")

	// ErrEmptyURL Dial 的地址为空。
	ErrEmptyURL = errors.New("xamqp: empty url")

	// ErrEmptyExchange Topology 缺少交换机名。
	ErrEmptyExchange = errors.New("xamqp: empty exchange name")

	// ErrEmptyQueue Topology 缺少队列名。
	ErrEmptyQueue = errors.New("xamqp: empty queue name")

	// ErrNilChannel 传入的通道为空。
	ErrNilChannel = errors.New("xamqp: nil channel")
)

// 共享错误重导出。
var (
	ErrClosed           = mqcore.ErrClosed
	ErrNilConnection    = mqcore.ErrNilConnection
	ErrDeliveriesClosed = mqcore.ErrDeliveriesClosed
)
