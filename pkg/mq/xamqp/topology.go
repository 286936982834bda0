package xamqp

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// 交换机类型。
const (
	KindDirect = amqp.ExchangeDirect
	KindTopic  = amqp.ExchangeTopic
	KindFanout = amqp.ExchangeFanout
)

// 死信相关的队列参数键。
const (
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
)

// DeadLetter 死信交换机与队列。被拒绝且不重新入队的消息经 Exchange 路由到 Queue。
type DeadLetter struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// Topology 一类消息的声明描述。
type Topology struct {
	Exchange     string
	ExchangeKind string // 为空时为 direct
	Queue        string
	RoutingKeys  []string // 为空时使用队列名
	Durable      bool
	Prefetch     int
	DeadLetter   *DeadLetter
}

// Validate 检查必填字段。
func (t Topology) Validate() error {
	if t.Exchange == "" {
		return ErrEmptyExchange
	}
	if t.Queue == "" {
		return ErrEmptyQueue
	}
	if t.DeadLetter != nil {
		if t.DeadLetter.Exchange == "" {
			return fmt.Errorf("dead letter: %w", ErrEmptyExchange)
		}
		if t.DeadLetter.Queue == "" {
			return fmt.Errorf("dead letter: %w", ErrEmptyQueue)
		}
	}
	return nil
}

// WithDeadLetter 返回带默认死信配置的副本：<queue>.dlx 交换机，<queue>.dlq 队列，
// 路由键为原队列名。
func (t Topology) WithDeadLetter() Topology {
	t.DeadLetter = &DeadLetter{
		Exchange:   t.Queue + ".dlx",
		Queue:      t.Queue + ".dlq",
		RoutingKey: t.Queue,
	}
	return t
}

// Keys 返回绑定使用的路由键。
func (t Topology) Keys() []string {
	if len(t.RoutingKeys) == 0 {
		return []string{t.Queue}
	}
	return t.RoutingKeys
}

// PublishKey 返回发布到该队列应使用的路由键。
func (t Topology) PublishKey() string {
	return t.Keys()[0]
}

func (t Topology) kind() string {
	if t.ExchangeKind == "" {
		return KindDirect
	}
	return t.ExchangeKind
}

// Declare 按 t 声明交换机、队列、绑定与死信，并设置 prefetch。重复声明是幂等的。
func Declare(ch Channel, t Topology) error {
	if ch == nil {
		return ErrNilChannel
	}
	if err := t.Validate(); err != nil {
		return err
	}

	var args amqp.Table
	if dl := t.DeadLetter; dl != nil {
		if err := ch.DeclareExchange(dl.Exchange, KindDirect, true); err != nil {
			return fmt.Errorf("xamqp: declare exchange %s: %w", dl.Exchange, err)
		}
		if _, err := ch.DeclareQueue(dl.Queue, QueueOptions{Durable: true}); err != nil {
			return fmt.Errorf("xamqp: declare queue %s: %w", dl.Queue, err)
		}
		key := dl.RoutingKey
		if key == "" {
			key = t.Queue
		}
		if err := ch.BindQueue(dl.Queue, key, dl.Exchange); err != nil {
			return fmt.Errorf("xamqp: bind %s: %w", dl.Queue, err)
		}
		args = amqp.Table{
			ArgDeadLetterExchange:   dl.Exchange,
			ArgDeadLetterRoutingKey: key,
		}
	}

	if err := ch.DeclareExchange(t.Exchange, t.kind(), t.Durable); err != nil {
		return fmt.Errorf("xamqp: declare exchange %s: %w", t.Exchange, err)
	}
	if _, err := ch.DeclareQueue(t.Queue, QueueOptions{Durable: t.Durable, Args: args}); err != nil {
		return fmt.Errorf("xamqp: declare queue %s: %w", t.Queue, err)
	}
	for _, key := range t.Keys() {
		if err := ch.BindQueue(t.Queue, key, t.Exchange); err != nil {
			return fmt.Errorf("xamqp: bind %s to %s: %w", t.Queue, key, err)
		}
	}
	if t.Prefetch > 0 {
		if err := ch.Qos(t.Prefetch); err != nil {
			return fmt.Errorf("xamqp: qos: %w", err)
		}
	}
	return nil
}
