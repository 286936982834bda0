package xrpc

import (
	"errors"

	"github.com/omeyang/xindex/internal/mqcore"
)

var (
	// ErrTransport broker 通道或连接故障，缓存的会话已失效。
	ErrTransport = errors.New("xrpc: transport failure")

	// ErrBreakerOpen 会话建立连续失败，熔断器拒绝本次调用。
	ErrBreakerOpen = errors.New("xrpc: session breaker open")

	// ErrIDExhausted 多次生成的关联 ID 都与在途调用冲突。
	ErrIDExhausted = errors.New("xrpc: correlation id exhausted")

	// ErrEmptyName 接口名为空。
	ErrEmptyName = errors.New("xrpc: empty interface name")

	// ErrNotCall Server 收到的信封不是调用。
	ErrNotCall = errors.New("xrpc: envelope is not a call")

	ErrNilConnection = mqcore.ErrNilConnection
	ErrNilHandler    = mqcore.ErrNilHandler
	ErrClosed        = mqcore.ErrClosed
)
