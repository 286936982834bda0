package xconsumer

import (
	"errors"

	"github.com/omeyang/xindex/internal/mqcore"
)

var (
	// ErrNilHandler 处理函数为空。
	ErrNilHandler = mqcore.ErrNilHandler

	// ErrNilConnection Run 传入的连接为空。
	ErrNilConnection = mqcore.ErrNilConnection

	// ErrDeliveriesClosed 投递流被 broker 关闭。
	ErrDeliveriesClosed = mqcore.ErrDeliveriesClosed

	// ErrDecode 消息体无法解码。
	ErrDecode = errors.New("xconsumer: decode message")

	// ErrHandlerPanic 处理函数 panic。
	ErrHandlerPanic = errors.New("xconsumer: handler panic")
)
