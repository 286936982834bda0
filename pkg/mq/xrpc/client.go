package xrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/omeyang/xindex/pkg/mq/xamqp"
	"github.com/omeyang/xindex/pkg/observability/xlog"
	"github.com/omeyang/xindex/pkg/observability/xmetrics"
	"github.com/omeyang/xindex/pkg/resilience/xbreaker"
)

// Client 一个接口的调用方。并发安全。
type Client[A, R any] struct {
	conn    xamqp.ChannelOpener
	iface   Interface[A, R]
	opts    options
	logger  xlog.Logger
	breaker *xbreaker.Breaker

	mu     sync.Mutex
	sess   *session[A, R]
	closed bool
}

// NewClient 创建 Client。会话在第一次 Call 时建立。
func NewClient[A, R any](conn xamqp.ChannelOpener, iface Interface[A, R], opts ...Option) (*Client[A, R], error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	if iface.Name() == "" {
		return nil, ErrEmptyName
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := xlog.OrDefault(o.logger).With(xlog.Component("xrpc"), slog.String("interface", iface.Name()))
	breaker := o.breaker
	if breaker == nil {
		breaker = xbreaker.NewBreaker("xrpc."+iface.Name(),
			xbreaker.WithTimeout(30*time.Second),
			xbreaker.WithSuccessFunc(func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
			}),
			xbreaker.WithOnStateChange(func(name string, from, to xbreaker.State) {
				logger.Warn(context.Background(), "session breaker state changed",
					slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
			}),
		)
	}
	return &Client[A, R]{
		conn:    conn,
		iface:   iface,
		opts:    o,
		logger:  logger,
		breaker: breaker,
	}, nil
}

// Call 发起一次调用并等待返回。
// 只在收到返回、ctx 结束或传输失败时返回；不设内置超时。
func (c *Client[A, R]) Call(ctx context.Context, args A) (R, error) {
	ctx, span := xmetrics.Start(ctx, c.opts.observer, xmetrics.SpanOptions{
		Component: "xrpc",
		Operation: "call",
		Kind:      xmetrics.KindClient,
		Attrs:     []xmetrics.Attr{xmetrics.String("interface", c.iface.Name())},
	})
	result, err := c.call(ctx, args)
	span.End(xmetrics.Result{Err: err})
	return result, err
}

func (c *Client[A, R]) call(ctx context.Context, args A) (R, error) {
	var zero R
	s, err := c.session(ctx)
	if err != nil {
		return zero, err
	}

	body, err := c.opts.codec.Marshal(Envelope[A, R]{Call: &args})
	if err != nil {
		return zero, fmt.Errorf("xrpc: encode call: %w", err)
	}
	id, slot, err := s.register(c.opts.newID)
	if err != nil {
		if errors.Is(err, ErrIDExhausted) {
			return zero, err
		}
		return zero, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer s.remove(id)

	pub := amqp.Publishing{
		Headers:       xamqp.InjectTrace(ctx, c.opts.tracer, nil),
		ContentType:   c.opts.codec.ContentType(),
		CorrelationId: id,
		ReplyTo:       s.replyQueue,
		Timestamp:     time.Now(),
		Type:          typeCall,
		Body:          body,
	}
	if err := s.ch.Publish(ctx, c.iface.Exchange(), c.iface.CallKey(), pub); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		s.fail(err)
		return zero, fmt.Errorf("%w: publish: %w", ErrTransport, err)
	}

	select {
	case r := <-slot:
		return r, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.done:
		// 应答可能与会话失效同时到达。
		select {
		case r := <-slot:
			return r, nil
		default:
		}
		return zero, fmt.Errorf("%w: %w", ErrTransport, s.err)
	}
}

// session 返回缓存的会话，不存在时在熔断器保护下建立。
func (c *Client[A, R]) session(ctx context.Context) (*session[A, R], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.sess != nil {
		return c.sess, nil
	}
	s, err := xbreaker.Execute(ctx, c.breaker, func() (*session[A, R], error) {
		return c.openSession(ctx)
	})
	if err != nil {
		if xbreaker.IsBreakerError(err) {
			return nil, fmt.Errorf("%w: %w", ErrBreakerOpen, err)
		}
		return nil, err
	}
	c.sess = s
	return s, nil
}

func (c *Client[A, R]) openSession(ctx context.Context) (*session[A, R], error) {
	ch, err := c.conn.Channel(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %w", ErrTransport, err)
	}
	fail := func(step string, err error) (*session[A, R], error) {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrTransport, step, err)
	}

	exchange := c.iface.Exchange()
	if err := ch.DeclareExchange(exchange, xamqp.KindDirect, true); err != nil {
		return fail("declare exchange", err)
	}
	tag := fmt.Sprintf("%s.reply.%s", c.iface.Name(), uuid.NewString())
	queue, err := ch.DeclareQueue(tag, xamqp.QueueOptions{Exclusive: true, AutoDelete: true})
	if err != nil {
		return fail("declare reply queue", err)
	}
	if err := ch.BindQueue(queue, queue, exchange); err != nil {
		return fail("bind reply queue", err)
	}
	closes := ch.NotifyClose()
	deliveries, err := ch.Consume(queue, queue, true)
	if err != nil {
		return fail("consume reply queue", err)
	}

	s := &session[A, R]{
		ch:         ch,
		replyQueue: queue,
		codec:      c.opts.codec,
		logger:     c.logger,
		onFail:     c.invalidate,
		slots:      make(map[string]chan R),
		done:       make(chan struct{}),
	}
	go s.dispatchLoop(deliveries, closes)
	c.logger.Debug(ctx, "rpc session established", slog.String("reply_queue", queue))
	return s, nil
}

// invalidate 丢弃失效的会话，下一次调用重新建立。
func (c *Client[A, R]) invalidate(s *session[A, R]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != s {
		return
	}
	c.sess = nil
	if !c.closed {
		c.logger.Warn(context.Background(), "rpc session invalidated", xlog.Err(s.err))
	}
}

// Pending 返回当前会话的在途调用数。
func (c *Client[A, R]) Pending() int {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return 0
	}
	return s.pending()
}

// Close 关闭会话，之后 Call 返回 ErrClosed。在途调用返回 ErrTransport。可重复调用。
func (c *Client[A, R]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s != nil {
		s.fail(ErrClosed)
	}
	return nil
}
