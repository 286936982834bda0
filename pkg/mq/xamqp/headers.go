package xamqp

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/omeyang/xindex/internal/mqcore"
)

// HeaderDeath broker 在消息死信时写入的头。
const HeaderDeath = "x-death"

// InjectTrace 把 ctx 中的追踪信息写入 headers 并返回（headers 为 nil 时新建）。
func InjectTrace(ctx context.Context, tracer mqcore.Tracer, headers amqp.Table) amqp.Table {
	if headers == nil {
		headers = amqp.Table{}
	}
	if tracer == nil {
		return headers
	}
	carrier := make(map[string]string)
	tracer.Inject(ctx, carrier)
	for k, v := range carrier {
		headers[k] = v
	}
	return headers
}

// ExtractTrace 从 headers 恢复追踪信息，返回派生自 parent 的 ctx。
func ExtractTrace(parent context.Context, tracer mqcore.Tracer, headers amqp.Table) context.Context {
	if tracer == nil || len(headers) == 0 {
		return parent
	}
	carrier := make(map[string]string, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	return tracer.Extract(parent, carrier)
}

// Death x-death 头中的一条记录。
type Death struct {
	Queue       string
	Exchange    string
	Reason      string
	Count       int64
	RoutingKeys []string
	Time        time.Time
}

// Deaths 解析 x-death 头，最近一次死信在前。没有该头时返回 nil。
func Deaths(headers amqp.Table) []Death {
	raw, ok := headers[HeaderDeath].([]any)
	if !ok {
		return nil
	}
	out := make([]Death, 0, len(raw))
	for _, item := range raw {
		t, ok := item.(amqp.Table)
		if !ok {
			continue
		}
		d := Death{
			Queue:    tableString(t, "queue"),
			Exchange: tableString(t, "exchange"),
			Reason:   tableString(t, "reason"),
			Count:    tableInt(t, "count"),
		}
		if ts, ok := t["time"].(time.Time); ok {
			d.Time = ts
		}
		if keys, ok := t["routing-keys"].([]any); ok {
			for _, k := range keys {
				if s, ok := k.(string); ok {
					d.RoutingKeys = append(d.RoutingKeys, s)
				}
			}
		}
		out = append(out, d)
	}
	return out
}

// DeathCount 返回消息从 queue 死信的累计次数。
func DeathCount(headers amqp.Table, queue string) int64 {
	for _, d := range Deaths(headers) {
		if d.Queue == queue {
			return d.Count
		}
	}
	return 0
}

func tableString(t amqp.Table, key string) string {
	s, _ := t[key].(string)
	return s
}

func tableInt(t amqp.Table, key string) int64 {
	switch v := t[key].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}
