package xconsumer

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/omeyang/xindex/internal/mqcore"
	"github.com/omeyang/xindex/pkg/mq/xamqp"
	"github.com/omeyang/xindex/pkg/observability/xlog"
)

// runRelay 消费死信队列直到 ctx 取消，通道故障时按退避重建。
func (c *Consumer[T]) runRelay(ctx context.Context, conn xamqp.ChannelOpener) {
	_ = mqcore.RunConsumeLoop(ctx,
		func(ctx context.Context) error { return c.relaySession(ctx, conn) },
		mqcore.WithBackoff(c.opts.backoff),
		mqcore.WithOnError(func(err error, attempt int, delay time.Duration) {
			c.logger.Warn(ctx, "dead letter relay failed, reconnecting",
				xlog.Err(err), slog.Int("attempt", attempt), xlog.Duration(delay))
		}),
	)
}

func (c *Consumer[T]) relaySession(ctx context.Context, conn xamqp.ChannelOpener) error {
	ch, err := conn.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	dl := c.topo.DeadLetter
	deliveries, err := ch.Consume(dl.Queue, c.opts.consumerTag+".relay", false)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			c.relayOne(ctx, ch, &d)
		}
	}
}

// relayOne 上报一条死信，按策略重投后确认。中继被取消时消息交还 dlq。
func (c *Consumer[T]) relayOne(ctx context.Context, ch xamqp.Channel, d *amqp.Delivery) {
	c.stats.deadLettered.Add(1)

	entry := DeadLetter{Delivery: newDelivery(d), Body: d.Body}
	var origin *xamqp.Death
	for _, death := range xamqp.Deaths(d.Headers) {
		if death.Queue == c.topo.Queue {
			origin = &death
			break
		}
	}
	if origin != nil {
		entry.Reason = origin.Reason
		entry.Count = origin.Count
	}
	c.reportDeadLetter(ctx, entry)

	policy := c.opts.relayPolicy
	if policy.MaxRedeliveries <= 0 || entry.Count > int64(policy.MaxRedeliveries) {
		if policy.MaxRedeliveries > 0 {
			c.logger.Error(ctx, "dead letter exhausted redeliveries, dropping",
				slog.String("message_id", d.MessageId), slog.Int64("count", entry.Count))
		}
		c.settle(ctx, d, true)
		return
	}

	timer := time.NewTimer(policy.delay(entry.Count))
	select {
	case <-ctx.Done():
		timer.Stop()
		c.settle(ctx, d, false)
		return
	case <-timer.C:
	}

	pub := amqp.Publishing{
		Headers:       d.Headers,
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		MessageId:     d.MessageId,
		Timestamp:     d.Timestamp,
		Type:          d.Type,
		Body:          d.Body,
	}
	exchange, key := c.topo.Exchange, c.topo.PublishKey()
	if origin != nil && len(origin.RoutingKeys) > 0 {
		exchange, key = origin.Exchange, origin.RoutingKeys[0]
	}
	if err := ch.Publish(ctx, exchange, key, pub); err != nil {
		c.logger.Warn(ctx, "redeliver dead letter failed", xlog.Err(err), slog.String("message_id", d.MessageId))
		c.settle(ctx, d, false)
		return
	}
	c.stats.redelivered.Add(1)
	c.settle(ctx, d, true)
}

// settle done 为 true 时 Ack，否则重新放回 dlq。
func (c *Consumer[T]) settle(ctx context.Context, d *amqp.Delivery, done bool) {
	var err error
	if done {
		err = d.Ack(false)
	} else {
		err = d.Nack(false, true)
	}
	if err != nil {
		c.logger.Warn(ctx, "settle dead letter failed", xlog.Err(err))
	}
}

func (c *Consumer[T]) reportDeadLetter(ctx context.Context, dl DeadLetter) {
	if c.opts.onDeadLetter != nil {
		c.opts.onDeadLetter(ctx, dl)
		return
	}
	c.logger.Warn(ctx, "dead letter",
		slog.String("message_id", dl.Delivery.MessageID),
		slog.String("reason", dl.Reason),
		slog.Int64("count", dl.Count),
	)
}
