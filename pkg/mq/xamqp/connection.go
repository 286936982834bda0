package xamqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/omeyang/xindex/pkg/observability/xlog"
	"github.com/omeyang/xindex/pkg/resilience/xretry"
)

// Option Connection 配置项。
type Option func(*connOptions)

type connOptions struct {
	logger      xlog.Logger
	retryer     *xretry.Retryer
	heartbeat   time.Duration
	dialTimeout time.Duration
	name        string
}

func defaultConnOptions() connOptions {
	return connOptions{
		retryer: xretry.NewRetryer(
			xretry.WithRetryPolicy(xretry.NewFixedRetry(5)),
			xretry.WithBackoffPolicy(xretry.NewExponentialBackoff(xretry.WithMaxDelay(5*time.Second))),
		),
		heartbeat:   10 * time.Second,
		dialTimeout: 30 * time.Second,
		name:        "xindex",
	}
}

// WithLogger 设置日志，nil 忽略。
func WithLogger(l xlog.Logger) Option {
	return func(o *connOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDialRetryer 替换建连重试器，默认 5 次指数退避。
func WithDialRetryer(r *xretry.Retryer) Option {
	return func(o *connOptions) {
		if r != nil {
			o.retryer = r
		}
	}
}

// WithHeartbeat 设置心跳间隔，默认 10s。
func WithHeartbeat(d time.Duration) Option {
	return func(o *connOptions) {
		if d > 0 {
			o.heartbeat = d
		}
	}
}

// WithDialTimeout 设置单次 TCP 建连超时，默认 30s。
func WithDialTimeout(d time.Duration) Option {
	return func(o *connOptions) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

// WithConnectionName 设置在 broker 管理界面显示的连接名。
func WithConnectionName(name string) Option {
	return func(o *connOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// Connection 可自动重连的 AMQP 连接。
type Connection struct {
	url    string
	opts   connOptions
	logger xlog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

var _ ChannelOpener = (*Connection)(nil)

// Dial 建立连接，失败按重试器重试。
func Dial(ctx context.Context, url string, opts ...Option) (*Connection, error) {
	if url == "" {
		return nil, ErrEmptyURL
	}
	o := defaultConnOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c := &Connection{
		url:    url,
		opts:   o,
		logger: xlog.OrDefault(o.logger).With(xlog.Component("xamqp")),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.dialLocked(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) dialLocked(ctx context.Context) error {
	cfg := amqp.Config{
		Heartbeat:  c.opts.heartbeat,
		Locale:     "en_US",
		Dial:       amqp.DefaultDial(c.opts.dialTimeout),
		Properties: amqp.Table{"connection_name": c.opts.name},
	}
	err := c.opts.retryer.Do(ctx, func(context.Context) error {
		conn, err := amqp.DialConfig(c.url, cfg)
		if err != nil {
			c.logger.Warn(ctx, "dial failed", xlog.Err(err))
			return err
		}
		c.conn = conn
		return nil
	})
	if err != nil {
		return fmt.Errorf("xamqp: dial: %w", err)
	}
	c.logger.Info(ctx, "connected", slog.String("name", c.opts.name))
	return nil
}

// Channel 打开一个 confirm 模式的通道，底层连接已断开时先重连。
func (c *Connection) Channel(ctx context.Context) (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil || c.conn.IsClosed() {
		c.logger.Warn(ctx, "connection lost, redialing")
		if err := c.dialLocked(ctx); err != nil {
			return nil, err
		}
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("xamqp: open channel: %w", err)
	}
	return newAMQPChannel(ch, c.logger)
}

// Close 关闭连接，之后 Channel 返回 ErrClosed。可重复调用。
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
