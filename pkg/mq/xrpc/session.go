package xrpc

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/omeyang/xindex/pkg/mq/xamqp"
	"github.com/omeyang/xindex/pkg/observability/xlog"
)

// maxIDAttempts 关联 ID 冲突时的最大生成次数。
const maxIDAttempts = 16

var errReplyStreamClosed = errors.New("xrpc: reply stream closed")

// session 一个通道、一条应答队列，以及在途调用的关联表。
type session[A, R any] struct {
	ch         xamqp.Channel
	replyQueue string
	codec      xamqp.Codec
	logger     xlog.Logger
	onFail     func(*session[A, R])

	mu     sync.Mutex
	slots  map[string]chan R
	closed bool

	done     chan struct{}
	err      error
	failOnce sync.Once
}

// register 生成未被占用的关联 ID 并登记一次性应答槽。
func (s *session[A, R]) register(newID func() string) (string, <-chan R, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", nil, s.err
	}
	for range maxIDAttempts {
		id := newID()
		if _, taken := s.slots[id]; taken {
			continue
		}
		slot := make(chan R, 1)
		s.slots[id] = slot
		return id, slot, nil
	}
	return "", nil, ErrIDExhausted
}

// remove 删除关联表条目，可重复调用。
func (s *session[A, R]) remove(id string) {
	s.mu.Lock()
	delete(s.slots, id)
	s.mu.Unlock()
}

func (s *session[A, R]) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// fail 让会话失效：唤醒所有在途调用，关闭通道，通知 Client 丢弃缓存。
func (s *session[A, R]) fail(err error) {
	s.failOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.closed = true
		close(s.done)
		s.mu.Unlock()

		if cerr := s.ch.Close(); cerr != nil {
			s.logger.Debug(context.Background(), "close session channel", xlog.Err(cerr))
		}
		if s.onFail != nil {
			s.onFail(s)
		}
	})
}

// dispatchLoop 本会话唯一的应答读取者，服务所有在途调用。
func (s *session[A, R]) dispatchLoop(deliveries <-chan amqp.Delivery, closes <-chan *amqp.Error) {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				s.fail(errReplyStreamClosed)
				return
			}
			s.dispatch(&d)
		case reason, ok := <-closes:
			if ok && reason != nil {
				s.fail(reason)
			} else {
				s.fail(errReplyStreamClosed)
			}
			return
		}
	}
}

// dispatch 把一条应答交给匹配的槽，噪声消息记录后丢弃。每条应答都会被确认。
func (s *session[A, R]) dispatch(d *amqp.Delivery) {
	ctx := context.Background()
	defer func() {
		if err := d.Ack(false); err != nil {
			s.logger.Debug(ctx, "ack reply", xlog.Err(err))
		}
	}()

	id := d.CorrelationId
	if id == "" {
		s.logger.Warn(ctx, "reply without correlation id dropped", slog.String("message_id", d.MessageId))
		return
	}
	var env Envelope[A, R]
	if err := s.codec.Unmarshal(d.Body, &env); err != nil {
		s.logger.Warn(ctx, "malformed reply dropped", xlog.Err(err), slog.String("correlation_id", id))
		return
	}
	if env.Return == nil {
		s.logger.Warn(ctx, "reply is not a return envelope", slog.String("correlation_id", id))
		return
	}

	s.mu.Lock()
	slot, ok := s.slots[id]
	delete(s.slots, id)
	s.mu.Unlock()
	if !ok {
		s.logger.Debug(ctx, "reply for unknown call dropped", slog.String("correlation_id", id))
		return
	}
	slot <- *env.Return
}
