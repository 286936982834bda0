package mqcore

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Tracer 在消息头上注入和提取链路追踪信息。
//
// 实现应使用 W3C Trace Context 标准的 header 名称（traceparent、tracestate）。
type Tracer interface {
	// Inject 把 ctx 中的追踪信息写入 headers。
	Inject(ctx context.Context, headers map[string]string)

	// Extract 从 headers 读取追踪信息并挂到 parent 上返回。
	// headers 中没有有效追踪信息时原样返回 parent。
	Extract(parent context.Context, headers map[string]string) context.Context
}

// NoopTracer 不做任何追踪。
type NoopTracer struct{}

func (NoopTracer) Inject(context.Context, map[string]string) {}

func (NoopTracer) Extract(parent context.Context, _ map[string]string) context.Context {
	if parent == nil {
		return context.Background()
	}
	return parent
}

// OTelTracerOption OTelTracer 配置项。
type OTelTracerOption func(*OTelTracer)

// WithOTelPropagator 替换默认的 Propagator，nil 忽略。
func WithOTelPropagator(p propagation.TextMapPropagator) OTelTracerOption {
	return func(t *OTelTracer) {
		if p != nil {
			t.propagator = p
		}
	}
}

// OTelTracer 基于 OpenTelemetry propagator 的实现，默认组合 TraceContext 与 Baggage。
type OTelTracer struct {
	propagator propagation.TextMapPropagator
}

// NewOTelTracer 创建 OTelTracer。
func NewOTelTracer(opts ...OTelTracerOption) OTelTracer {
	t := OTelTracer{
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

func (t OTelTracer) Inject(ctx context.Context, headers map[string]string) {
	if ctx == nil || headers == nil {
		return
	}
	t.propagator.Inject(ctx, propagation.MapCarrier(headers))
}

// Extract 提取远端 SpanContext。
// parent 自身已带有效 span 时，远端信息仍会覆盖它：消息上的链路优先于本地的消费循环链路。
func (t OTelTracer) Extract(parent context.Context, headers map[string]string) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	if len(headers) == 0 {
		return parent
	}
	ctx := t.propagator.Extract(parent, propagation.MapCarrier(headers))
	if !trace.SpanContextFromContext(ctx).IsValid() {
		return parent
	}
	return ctx
}

var (
	_ Tracer = NoopTracer{}
	_ Tracer = OTelTracer{}
)
