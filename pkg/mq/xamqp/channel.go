package xamqp

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/omeyang/xindex/pkg/observability/xlog"
)

// QueueOptions 队列声明参数。
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
}

// Channel broker 通道。实现必须允许并发调用。
type Channel interface {
	DeclareExchange(name, kind string, durable bool) error

	// DeclareQueue 声明队列并返回其名称。
	DeclareQueue(name string, opts QueueOptions) (string, error)

	BindQueue(queue, key, exchange string) error

	// Qos 设置未确认投递的上限，0 表示不限。
	Qos(prefetch int) error

	// Consume 订阅队列，autoAck 始终关闭。通道或连接关闭时返回的 channel 被关闭。
	Consume(queue, consumer string, exclusive bool) (<-chan amqp.Delivery, error)

	// Cancel 停止向 consumer 投递，已投递未确认的消息不受影响。
	Cancel(consumer string) error

	// Publish 以 mandatory 发布并等待 broker 确认，nack 返回 ErrNacked。
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error

	// NotifyClose 注册关闭通知，通道关闭时收到原因（正常关闭为 nil）后 channel 被关闭。
	NotifyClose() <-chan *amqp.Error

	Close() error
}

// ChannelOpener 可以打开 Channel 的对象，*Connection 与测试 broker 都实现它。
type ChannelOpener interface {
	Channel(ctx context.Context) (Channel, error)
}

// amqpChannel 基于 *amqp.Channel 的实现。
type amqpChannel struct {
	ch     *amqp.Channel
	logger xlog.Logger
}

var _ Channel = (*amqpChannel)(nil)

func newAMQPChannel(ch *amqp.Channel, logger xlog.Logger) (*amqpChannel, error) {
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("xamqp: enable confirm: %w", err)
	}
	c := &amqpChannel{ch: ch, logger: logger}
	returns := ch.NotifyReturn(make(chan amqp.Return, 16))
	go c.logReturns(returns)
	return c, nil
}

// logReturns mandatory 消息无法路由时 broker 会退回，这里只记录。
func (c *amqpChannel) logReturns(returns <-chan amqp.Return) {
	for r := range returns {
		c.logger.Warn(context.Background(), "message returned unroutable",
			slog.String("exchange", r.Exchange),
			slog.String("routing_key", r.RoutingKey),
			slog.Int("reply_code", int(r.ReplyCode)),
			slog.String("reply_text", r.ReplyText),
			slog.String("correlation_id", r.CorrelationId),
		)
	}
}

func (c *amqpChannel) DeclareExchange(name, kind string, durable bool) error {
	return c.ch.ExchangeDeclare(name, kind, durable, false, false, false, nil)
}

func (c *amqpChannel) DeclareQueue(name string, opts QueueOptions) (string, error) {
	q, err := c.ch.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, opts.Args)
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

func (c *amqpChannel) BindQueue(queue, key, exchange string) error {
	return c.ch.QueueBind(queue, key, exchange, false, nil)
}

func (c *amqpChannel) Qos(prefetch int) error {
	return c.ch.Qos(prefetch, 0, false)
}

func (c *amqpChannel) Consume(queue, consumer string, exclusive bool) (<-chan amqp.Delivery, error) {
	return c.ch.Consume(queue, consumer, false, exclusive, false, false, nil)
}

func (c *amqpChannel) Cancel(consumer string) error {
	return c.ch.Cancel(consumer, false)
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, true, false, msg)
	if err != nil {
		return err
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrNacked
	}
	return nil
}

func (c *amqpChannel) NotifyClose() <-chan *amqp.Error {
	return c.ch.NotifyClose(make(chan *amqp.Error, 1))
}

func (c *amqpChannel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}
