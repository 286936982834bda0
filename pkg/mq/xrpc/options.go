package xrpc

import (
	"strings"

	"github.com/google/uuid"

	"github.com/omeyang/xindex/internal/mqcore"
	"github.com/omeyang/xindex/pkg/mq/xamqp"
	"github.com/omeyang/xindex/pkg/observability/xlog"
	"github.com/omeyang/xindex/pkg/observability/xmetrics"
	"github.com/omeyang/xindex/pkg/resilience/xbreaker"
	"github.com/omeyang/xindex/pkg/resilience/xretry"
)

// Option Client 与 Server 共用的配置项。
type Option func(*options)

type options struct {
	logger   xlog.Logger
	observer xmetrics.Observer
	tracer   mqcore.Tracer
	codec    xamqp.Codec
	newID    func() string
	breaker  *xbreaker.Breaker
	workers  int
	backoff  xretry.BackoffPolicy
}

func defaultOptions() options {
	return options{
		observer: xmetrics.NoopObserver{},
		tracer:   mqcore.NoopTracer{},
		codec:    xamqp.CBOR(),
		newID:    randomID,
	}
}

// randomID 16 位十六进制随机串。
func randomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// WithLogger 设置日志。
func WithLogger(l xlog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver 设置观测器。
func WithObserver(obs xmetrics.Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithTracer 设置追踪上下文在消息头中的传播方式。
func WithTracer(t mqcore.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithCodec 设置信封编解码，默认 CBOR。两端必须一致。
func WithCodec(c xamqp.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithIDGenerator 设置关联 ID 生成器，必须并发安全。冲突时会重新生成。
func WithIDGenerator(f func() string) Option {
	return func(o *options) {
		if f != nil {
			o.newID = f
		}
	}
}

// WithBreaker 设置保护会话建立的熔断器。默认连续失败 5 次熔断 30 秒。
func WithBreaker(b *xbreaker.Breaker) Option {
	return func(o *options) {
		if b != nil {
			o.breaker = b
		}
	}
}

// WithWorkers 设置 Server 并发处理数。
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithBackoff 设置 Server 会话失败后的重连退避。
func WithBackoff(b xretry.BackoffPolicy) Option {
	return func(o *options) {
		if b != nil {
			o.backoff = b
		}
	}
}
