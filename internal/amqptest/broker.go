package amqptest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/omeyang/xindex/pkg/mq/xamqp"
)

// QueueStats 队列计数。
type QueueStats struct {
	Ready     int
	Unacked   int
	Consumers int
	Acked     int
	Rejected  int // 拒绝且不重新入队
	Requeued  int
}

type message struct {
	exchange    string
	key         string
	pub         amqp.Publishing
	redelivered bool
}

type binding struct {
	queue string
	key   string
}

type exchange struct {
	name     string
	kind     string
	bindings []binding
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	owner      *Channel
	args       amqp.Table
	ready      []*message
	consumers  []*consumer
	rr         int
	stats      QueueStats
}

// Broker 内存 broker。零值不可用，使用 NewBroker 创建。
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	channels  map[*Channel]struct{}
	seq       uint64
	closed    bool

	openErr    error
	publishErr error

	opened         atomic.Int64
	returned       atomic.Int64
	protocolErrors atomic.Int64

	wg sync.WaitGroup
}

var _ xamqp.ChannelOpener = (*Broker)(nil)

// NewBroker 创建空 broker。
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		channels:  make(map[*Channel]struct{}),
	}
}

// Channel 打开新通道。
func (b *Broker) Channel(ctx context.Context) (xamqp.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, amqp.ErrClosed
	}
	if b.openErr != nil {
		return nil, b.openErr
	}
	ch := &Channel{b: b, unacked: make(map[uint64]*inflight)}
	b.channels[ch] = struct{}{}
	b.opened.Add(1)
	return ch, nil
}

// Close 关闭所有通道并等待投递协程退出。可重复调用。
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	for ch := range b.channels {
		ch.closeLocked(nil)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// CloseAll 以 reason 关闭所有已打开的通道，模拟连接中断。
func (b *Broker) CloseAll(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.channels {
		ch.closeLocked(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true})
	}
}

// SetOpenError 之后的 Channel 调用返回 err，nil 恢复。
func (b *Broker) SetOpenError(err error) {
	b.mu.Lock()
	b.openErr = err
	b.mu.Unlock()
}

// SetPublishError 之后的 Publish 返回 err，nil 恢复。
func (b *Broker) SetPublishError(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

// Opened 返回累计打开的通道数。
func (b *Broker) Opened() int { return int(b.opened.Load()) }

// Returned 返回因无法路由被退回的 mandatory 消息数。
func (b *Broker) Returned() int { return int(b.returned.Load()) }

// ProtocolErrors 返回重复确认、未知 tag 等客户端协议错误次数。
func (b *Broker) ProtocolErrors() int { return int(b.protocolErrors.Load()) }

// OpenChannels 返回当前打开的通道数。
func (b *Broker) OpenChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

// QueueExists 报告队列是否存在。
func (b *Broker) QueueExists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Stats 返回队列计数，队列不存在时返回零值。
func (b *Broker) Stats(name string) QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return QueueStats{}
	}
	s := q.stats
	s.Ready = len(q.ready)
	s.Consumers = len(q.consumers)
	s.Unacked = b.unackedLocked(q)
	return s
}

func (b *Broker) unackedLocked(q *queue) int {
	n := 0
	for ch := range b.channels {
		for _, f := range ch.unacked {
			if f.q == q {
				n++
			}
		}
	}
	return n
}

// Messages 返回队列中就绪消息的快照（不出队）。
func (b *Broker) Messages(name string) []amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Delivery, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, m.delivery(nil, 0, ""))
	}
	return out
}

// Publish 不经通道直接发布，交换机不存在时返回错误。
func (b *Broker) Publish(exchangeName, key string, pub amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.lookupExchangeLocked(exchangeName); !ok {
		return fmt.Errorf("amqptest: no exchange %q", exchangeName)
	}
	b.routeLocked(&message{exchange: exchangeName, key: key, pub: clonePublishing(pub)})
	return nil
}

func (b *Broker) lookupExchangeLocked(name string) (*exchange, bool) {
	if name == "" {
		return &exchange{kind: amqp.ExchangeDirect}, true
	}
	ex, ok := b.exchanges[name]
	return ex, ok
}

// routeLocked 把消息投入所有匹配队列，返回是否至少命中一个。
func (b *Broker) routeLocked(m *message) bool {
	var targets []string
	if m.exchange == "" {
		targets = []string{m.key}
	} else {
		ex := b.exchanges[m.exchange]
		seen := make(map[string]bool)
		for _, bd := range ex.bindings {
			if seen[bd.queue] || !matches(ex.kind, bd.key, m.key) {
				continue
			}
			seen[bd.queue] = true
			targets = append(targets, bd.queue)
		}
	}

	routed := false
	for _, name := range targets {
		q, ok := b.queues[name]
		if !ok {
			continue
		}
		cp := *m
		cp.pub = clonePublishing(m.pub)
		q.ready = append(q.ready, &cp)
		routed = true
		b.dispatchLocked(q)
	}
	return routed
}

func matches(kind, pattern, key string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeTopic:
		return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
	default:
		return pattern == key
	}
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

// dispatchLocked 把就绪消息轮询分给有余量的消费者。
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 {
		c := q.nextConsumer()
		if c == nil {
			return
		}
		m := q.ready[0]
		q.ready = q.ready[1:]
		c.ch.tag++
		tag := c.ch.tag
		c.ch.unacked[tag] = &inflight{m: m, q: q}
		c.enqueue(m.delivery(c.ch, tag, c.tag))
	}
}

func (q *queue) nextConsumer() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.rr+i)%n]
		if c.ch.hasCapacity() {
			q.rr = (q.rr + i + 1) % n
			return c
		}
	}
	return nil
}

// deadLetterLocked 按队列的死信参数转发被拒绝的消息。
func (b *Broker) deadLetterLocked(q *queue, m *message, reason string) {
	dlx, ok := q.args[xamqp.ArgDeadLetterExchange].(string)
	if !ok {
		return
	}
	if _, exists := b.lookupExchangeLocked(dlx); !exists {
		return
	}
	key := m.key
	if k, ok := q.args[xamqp.ArgDeadLetterRoutingKey].(string); ok && k != "" {
		key = k
	}
	pub := clonePublishing(m.pub)
	pub.Headers = withDeath(pub.Headers, q.name, reason, m.exchange, m.key)
	b.routeLocked(&message{exchange: dlx, key: key, pub: pub})
}

// withDeath 在 x-death 中累加 (queue, reason) 记录并移到首位。
func withDeath(headers amqp.Table, queueName, reason, exchangeName, key string) amqp.Table {
	if headers == nil {
		headers = amqp.Table{}
	}
	old, _ := headers[xamqp.HeaderDeath].([]any)
	count := int64(0)
	rest := make([]any, 0, len(old)+1)
	for _, item := range old {
		t, ok := item.(amqp.Table)
		if ok && t["queue"] == queueName && t["reason"] == reason {
			count, _ = t["count"].(int64)
			continue
		}
		rest = append(rest, item)
	}
	entry := amqp.Table{
		"count":        count + 1,
		"reason":       reason,
		"queue":        queueName,
		"exchange":     exchangeName,
		"routing-keys": []any{key},
		"time":         time.Now().Truncate(time.Second),
	}
	headers[xamqp.HeaderDeath] = append([]any{entry}, rest...)
	return headers
}

func (m *message) delivery(ack amqp.Acknowledger, tag uint64, consumerTag string) amqp.Delivery {
	p := m.pub
	return amqp.Delivery{
		Acknowledger:    ack,
		Headers:         cloneTable(p.Headers),
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ConsumerTag:     consumerTag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.key,
		Body:            append([]byte(nil), p.Body...),
	}
}

func clonePublishing(p amqp.Publishing) amqp.Publishing {
	p.Headers = cloneTable(p.Headers)
	p.Body = append([]byte(nil), p.Body...)
	return p
}

func cloneTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
