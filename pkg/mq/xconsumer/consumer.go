package xconsumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/omeyang/xindex/internal/mqcore"
	"github.com/omeyang/xindex/pkg/mq/xamqp"
	"github.com/omeyang/xindex/pkg/observability/xlog"
	"github.com/omeyang/xindex/pkg/observability/xmetrics"
)

// Delivery 投递的只读元数据。确认由运行时完成，处理函数拿不到 Acknowledger。
type Delivery struct {
	MessageID     string
	CorrelationID string
	ReplyTo       string
	ContentType   string
	Type          string
	Exchange      string
	RoutingKey    string
	Headers       amqp.Table
	Redelivered   bool
	Timestamp     time.Time
}

func newDelivery(d *amqp.Delivery) Delivery {
	return Delivery{
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		ContentType:   d.ContentType,
		Type:          d.Type,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		Headers:       d.Headers,
		Redelivered:   d.Redelivered,
		Timestamp:     d.Timestamp,
	}
}

// Handler 处理一条已解码的消息。返回 nil 表示成功。
type Handler[T any] func(ctx context.Context, msg T, d Delivery) error

// Stats 运行统计快照。
type Stats struct {
	Received     int64
	Acked        int64
	Rejected     int64
	DecodeErrors int64
	Panics       int64
	DeadLettered int64 // 中继收到的死信
	Redelivered  int64 // 中继重投回原队列的死信
	Reconnects   int64
}

type counters struct {
	received     atomic.Int64
	acked        atomic.Int64
	rejected     atomic.Int64
	decodeErrors atomic.Int64
	panics       atomic.Int64
	deadLettered atomic.Int64
	redelivered  atomic.Int64
	reconnects   atomic.Int64
}

// Consumer 一个队列的消费运行时。
type Consumer[T any] struct {
	topo    xamqp.Topology
	handler Handler[T]
	opts    options
	logger  xlog.Logger
	stats   counters
}

// New 创建 Consumer。topology 未配置死信时使用 WithDeadLetter 的默认命名。
func New[T any](topology xamqp.Topology, handler Handler[T], opts ...Option) (*Consumer[T], error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if topology.DeadLetter == nil && topology.Queue != "" {
		topology = topology.WithDeadLetter()
	}
	if err := topology.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.consumerTag == "" {
		o.consumerTag = topology.Queue + "." + uuid.NewString()[:8]
	}
	return &Consumer[T]{
		topo:    topology,
		handler: handler,
		opts:    o,
		logger: xlog.OrDefault(o.logger).With(
			xlog.Component("xconsumer"),
			slog.String("queue", topology.Queue),
		),
	}, nil
}

// Topology 返回实际声明的拓扑。
func (c *Consumer[T]) Topology() xamqp.Topology { return c.topo }

// Stats 返回统计快照。
func (c *Consumer[T]) Stats() Stats {
	return Stats{
		Received:     c.stats.received.Load(),
		Acked:        c.stats.acked.Load(),
		Rejected:     c.stats.rejected.Load(),
		DecodeErrors: c.stats.decodeErrors.Load(),
		Panics:       c.stats.panics.Load(),
		DeadLettered: c.stats.deadLettered.Load(),
		Redelivered:  c.stats.redelivered.Load(),
		Reconnects:   c.stats.reconnects.Load(),
	}
}

// Run 消费直到 ctx 取消。会话失败按退避重连。ctx 取消时返回 nil。
func (c *Consumer[T]) Run(ctx context.Context, conn xamqp.ChannelOpener) error {
	if conn == nil {
		return ErrNilConnection
	}
	c.logger.Info(ctx, "consumer starting", slog.Int("workers", c.opts.workers))
	err := mqcore.RunConsumeLoop(ctx,
		func(ctx context.Context) error { return c.session(ctx, conn) },
		mqcore.WithBackoff(c.opts.backoff),
		mqcore.WithOnError(func(err error, attempt int, delay time.Duration) {
			c.stats.reconnects.Add(1)
			c.logger.Warn(ctx, "consume session failed, reconnecting",
				xlog.Err(err), slog.Int("attempt", attempt), xlog.Duration(delay))
		}),
	)
	c.logger.Info(ctx, "consumer stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// session 一次订阅：声明、订阅、启动 worker 与中继，直到 ctx 取消或投递流关闭。
func (c *Consumer[T]) session(ctx context.Context, conn xamqp.ChannelOpener) error {
	ch, err := conn.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()
	closed := ch.NotifyClose()

	if err := xamqp.Declare(ch, c.topo); err != nil {
		return err
	}
	deliveries, err := ch.Consume(c.topo.Queue, c.opts.consumerTag, false)
	if err != nil {
		return fmt.Errorf("xconsumer: consume %s: %w", c.topo.Queue, err)
	}

	stop := make(chan struct{})
	// 处理函数使用不随 ctx 取消的上下文，停止信号只影响取新投递。
	handleCtx := context.WithoutCancel(ctx)

	var workers sync.WaitGroup
	for id := range c.opts.workers {
		workers.Add(1)
		go func() {
			defer workers.Done()
			c.work(handleCtx, id, stop, deliveries)
		}()
	}
	workersDone := make(chan struct{})
	go func() {
		workers.Wait()
		close(workersDone)
	}()

	// 中继不继承会话的取消：停止期间 worker 仍可能拒绝消息。
	relayCtx, cancelRelay := context.WithCancel(context.WithoutCancel(ctx))
	relayDone := make(chan struct{})
	if c.opts.relay {
		go func() {
			defer close(relayDone)
			c.runRelay(relayCtx, conn)
		}()
	} else {
		close(relayDone)
	}

	var result error
	select {
	case <-ctx.Done():
		result = ctx.Err()
	case reason := <-closed:
		result = closeError(reason)
	case <-workersDone:
		result = ErrDeliveriesClosed
	}
	close(stop)
	if ctx.Err() != nil {
		if err := ch.Cancel(c.opts.consumerTag); err != nil {
			c.logger.Debug(ctx, "cancel subscription", xlog.Err(err))
		}
	}
	<-workersDone

	// worker 全部退出后才拆除中继。
	cancelRelay()
	<-relayDone
	return result
}

func closeError(reason *amqp.Error) error {
	if reason == nil {
		return ErrDeliveriesClosed
	}
	return fmt.Errorf("%w: %w", ErrDeliveriesClosed, reason)
}

// work 单个 worker 循环。先检查停止信号，避免停止后再取新投递。
func (c *Consumer[T]) work(ctx context.Context, id int, stop <-chan struct{}, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		select {
		case <-stop:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if stopped(stop) {
				// 与停止信号同时到达的投递交还 broker。
				if err := d.Nack(false, true); err != nil {
					c.logger.Debug(ctx, "return delivery on stop", xlog.Err(err))
				}
				return
			}
			c.handle(ctx, id, &d)
		}
	}
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// handle 解码、处理并确认一条投递，恰好一次 Ack 或 Reject。
func (c *Consumer[T]) handle(ctx context.Context, worker int, d *amqp.Delivery) {
	c.stats.received.Add(1)
	ctx = xamqp.ExtractTrace(ctx, c.opts.tracer, d.Headers)
	ctx, span := xmetrics.Start(ctx, c.opts.observer, xmetrics.SpanOptions{
		Component: "xconsumer",
		Operation: "handle",
		Kind:      xmetrics.KindConsumer,
		Attrs: []xmetrics.Attr{
			xmetrics.String("queue", c.topo.Queue),
			xmetrics.Int("worker", worker),
		},
	})

	err := c.process(ctx, d)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error(ctx, "ack failed", xlog.Err(ackErr), slog.String("message_id", d.MessageId))
		} else {
			c.stats.acked.Add(1)
		}
		span.End(xmetrics.Result{})
		return
	}

	c.logger.Warn(ctx, "message rejected to dead letter",
		xlog.Err(err),
		slog.String("message_id", d.MessageId),
		slog.Bool("redelivered", d.Redelivered),
	)
	if rejErr := d.Reject(false); rejErr != nil {
		c.logger.Error(ctx, "reject failed", xlog.Err(rejErr), slog.String("message_id", d.MessageId))
	} else {
		c.stats.rejected.Add(1)
	}
	span.End(xmetrics.Result{Err: err})
}

func (c *Consumer[T]) process(ctx context.Context, d *amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.stats.panics.Add(1)
			c.logger.Stack(ctx, "handler panic", slog.Any("panic", r), slog.String("message_id", d.MessageId))
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	var msg T
	if err := c.opts.codec.Unmarshal(d.Body, &msg); err != nil {
		c.stats.decodeErrors.Add(1)
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return c.handler(ctx, msg, newDelivery(d))
}
