package xconsumer

import (
	"context"
	"runtime"
	"time"

	"github.com/omeyang/xindex/internal/mqcore"
	"github.com/omeyang/xindex/pkg/mq/xamqp"
	"github.com/omeyang/xindex/pkg/observability/xlog"
	"github.com/omeyang/xindex/pkg/observability/xmetrics"
	"github.com/omeyang/xindex/pkg/resilience/xretry"
)

// RelayPolicy 死信中继的重新投递策略。
// MaxRedeliveries 为 0 时只记录不重投。
type RelayPolicy struct {
	MaxRedeliveries int
	Backoff         xretry.BackoffPolicy // nil 时固定 1s
}

// DeadLetter 中继收到的一条死信。
type DeadLetter struct {
	Delivery Delivery
	Body     []byte
	Reason   string
	Count    int64 // 从原队列死信的累计次数
}

// Option Consumer 配置项。
type Option func(*options)

type options struct {
	workers      int
	codec        xamqp.Codec
	logger       xlog.Logger
	tracer       mqcore.Tracer
	observer     xmetrics.Observer
	backoff      xretry.BackoffPolicy
	relay        bool
	relayPolicy  RelayPolicy
	onDeadLetter func(ctx context.Context, dl DeadLetter)
	consumerTag  string
}

func defaultOptions() options {
	return options{
		workers:  runtime.NumCPU(),
		codec:    xamqp.CBOR(),
		tracer:   mqcore.NoopTracer{},
		observer: xmetrics.NoopObserver{},
		backoff:  mqcore.DefaultBackoff(),
		relay:    true,
	}
}

// WithWorkers 设置 worker 数，默认 runtime.NumCPU()。
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithCodec 设置消息体编解码，默认 CBOR。
func WithCodec(c xamqp.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithLogger 设置日志。
func WithLogger(l xlog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracer 设置从消息头恢复追踪上下文的 Tracer。
func WithTracer(t mqcore.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithObserver 设置观测器，每次处理一个跨度。
func WithObserver(obs xmetrics.Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithBackoff 设置会话失败后的重连退避。
func WithBackoff(b xretry.BackoffPolicy) Option {
	return func(o *options) {
		if b != nil {
			o.backoff = b
		}
	}
}

// WithRelay 设置死信中继的重投策略。
func WithRelay(p RelayPolicy) Option {
	return func(o *options) {
		o.relay = true
		o.relayPolicy = p
	}
}

// WithoutRelay 不启动死信中继，死信留在 dlq 中等待人工处理。
func WithoutRelay() Option {
	return func(o *options) {
		o.relay = false
	}
}

// WithOnDeadLetter 设置中继收到死信时的回调，默认记录 Warn 日志。
func WithOnDeadLetter(f func(ctx context.Context, dl DeadLetter)) Option {
	return func(o *options) {
		o.onDeadLetter = f
	}
}

// WithConsumerTag 设置订阅标签，默认 <queue>.<随机串>。
func WithConsumerTag(tag string) Option {
	return func(o *options) {
		if tag != "" {
			o.consumerTag = tag
		}
	}
}

func (p RelayPolicy) delay(count int64) time.Duration {
	if p.Backoff == nil {
		return time.Second
	}
	return p.Backoff.NextDelay(int(count))
}
