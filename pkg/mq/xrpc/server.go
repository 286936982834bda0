package xrpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/omeyang/xindex/pkg/mq/xamqp"
	"github.com/omeyang/xindex/pkg/mq/xconsumer"
	"github.com/omeyang/xindex/pkg/observability/xlog"
	"github.com/omeyang/xindex/pkg/observability/xmetrics"
)

// HandlerFunc 处理一次调用。
type HandlerFunc[A, R any] func(ctx context.Context, args A) (R, error)

// Server 一个接口的服务方。
type Server[A, R any] struct {
	iface    Interface[A, R]
	handler  HandlerFunc[A, R]
	opts     options
	logger   xlog.Logger
	consumer *xconsumer.Consumer[Envelope[A, R]]

	mu      sync.Mutex
	conn    xamqp.ChannelOpener
	replyCh xamqp.Channel
}

// NewServer 创建 Server，调用队列为持久队列 <name>.calls。
func NewServer[A, R any](iface Interface[A, R], handler HandlerFunc[A, R], opts ...Option) (*Server[A, R], error) {
	if iface.Name() == "" {
		return nil, ErrEmptyName
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server[A, R]{
		iface:   iface,
		handler: handler,
		opts:    o,
		logger:  xlog.OrDefault(o.logger).With(xlog.Component("xrpc"), slog.String("interface", iface.Name())),
	}

	topo := xamqp.Topology{
		Exchange:    iface.Exchange(),
		Queue:       callQueue(iface.Name()),
		RoutingKeys: []string{iface.CallKey()},
		Durable:     true,
	}.WithDeadLetter()
	consumerOpts := []xconsumer.Option{
		xconsumer.WithCodec(o.codec),
		xconsumer.WithLogger(o.logger),
		xconsumer.WithTracer(o.tracer),
		xconsumer.WithObserver(o.observer),
		xconsumer.WithBackoff(o.backoff),
	}
	if o.workers > 0 {
		consumerOpts = append(consumerOpts, xconsumer.WithWorkers(o.workers))
	}
	consumer, err := xconsumer.New(topo, s.serve, consumerOpts...)
	if err != nil {
		return nil, err
	}
	s.consumer = consumer
	return s, nil
}

// Serve 处理调用直到 ctx 取消。
func (s *Server[A, R]) Serve(ctx context.Context, conn xamqp.ChannelOpener) error {
	if conn == nil {
		return ErrNilConnection
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer s.dropReplyChannel()

	s.logger.Info(ctx, "rpc server serving", slog.String("queue", s.consumer.Topology().Queue))
	return s.consumer.Run(ctx, conn)
}

// Stats 返回底层消费统计。
func (s *Server[A, R]) Stats() xconsumer.Stats { return s.consumer.Stats() }

func (s *Server[A, R]) serve(ctx context.Context, env Envelope[A, R], d xconsumer.Delivery) error {
	ctx, span := xmetrics.Start(ctx, s.opts.observer, xmetrics.SpanOptions{
		Component: "xrpc",
		Operation: "serve",
		Kind:      xmetrics.KindServer,
		Attrs:     []xmetrics.Attr{xmetrics.String("interface", s.iface.Name())},
	})
	err := s.serveCall(ctx, env, d)
	span.End(xmetrics.Result{Err: err})
	return err
}

func (s *Server[A, R]) serveCall(ctx context.Context, env Envelope[A, R], d xconsumer.Delivery) error {
	if env.Call == nil {
		return ErrNotCall
	}
	result, err := s.handler(ctx, *env.Call)
	if err != nil {
		return err
	}
	if d.ReplyTo == "" || d.CorrelationID == "" {
		s.logger.Warn(ctx, "call without reply address, result discarded", slog.String("message_id", d.MessageID))
		return nil
	}

	body, err := s.opts.codec.Marshal(Envelope[A, R]{Return: &result})
	if err != nil {
		return fmt.Errorf("xrpc: encode return: %w", err)
	}
	pub := amqp.Publishing{
		Headers:       xamqp.InjectTrace(ctx, s.opts.tracer, nil),
		ContentType:   s.opts.codec.ContentType(),
		CorrelationId: d.CorrelationID,
		Timestamp:     time.Now(),
		Type:          typeReturn,
		Body:          body,
	}
	return s.reply(ctx, d.ReplyTo, pub)
}

// reply 在独立通道上发布返回值。通道失效时换新通道重试一次。
func (s *Server[A, R]) reply(ctx context.Context, replyTo string, pub amqp.Publishing) error {
	var lastErr error
	for range 2 {
		ch, err := s.replyChannel(ctx)
		if err != nil {
			return fmt.Errorf("%w: open reply channel: %w", ErrTransport, err)
		}
		lastErr = ch.Publish(ctx, s.iface.Exchange(), replyTo, pub)
		if lastErr == nil {
			return nil
		}
		s.mu.Lock()
		if s.replyCh == ch {
			_ = ch.Close()
			s.replyCh = nil
		}
		s.mu.Unlock()
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: publish return: %w", ErrTransport, lastErr)
}

func (s *Server[A, R]) replyChannel(ctx context.Context) (xamqp.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replyCh == nil {
		ch, err := s.conn.Channel(ctx)
		if err != nil {
			return nil, err
		}
		s.replyCh = ch
	}
	return s.replyCh, nil
}

func (s *Server[A, R]) dropReplyChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replyCh != nil {
		_ = s.replyCh.Close()
		s.replyCh = nil
	}
}
