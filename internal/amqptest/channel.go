package amqptest

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/omeyang/xindex/pkg/mq/xamqp"
)

type inflight struct {
	m *message
	q *queue
}

// Channel 内存通道，同时充当自身投递的 Acknowledger。
type Channel struct {
	b *Broker

	// 以下字段受 b.mu 保护。
	closed    bool
	prefetch  int
	tag       uint64
	unacked   map[uint64]*inflight
	consumers map[string]*consumer
	listeners []chan *amqp.Error
	seq       int
}

var (
	_ xamqp.Channel     = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

func (ch *Channel) hasCapacity() bool {
	return ch.prefetch == 0 || len(ch.unacked) < ch.prefetch
}

// fail 以通道级异常关闭通道并返回该异常。调用方持有 b.mu。
func (ch *Channel) fail(code int, format string, args ...any) error {
	err := &amqp.Error{Code: code, Reason: fmt.Sprintf(format, args...), Server: true}
	ch.closeLocked(err)
	return err
}

func (ch *Channel) DeclareExchange(name, kind string, _ bool) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if name == "" {
		return ch.fail(amqp.AccessRefused, "ACCESS_REFUSED - default exchange is predeclared")
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return ch.fail(amqp.PreconditionFailed, "PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name)
		}
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind}
	return nil
}

func (ch *Channel) DeclareQueue(name string, opts xamqp.QueueOptions) (string, error) {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return "", amqp.ErrClosed
	}
	if name == "" {
		b.seq++
		name = fmt.Sprintf("amq.gen-%d", b.seq)
	}
	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != ch {
			return "", ch.fail(amqp.ResourceLocked, "RESOURCE_LOCKED - cannot obtain exclusive access to queue '%s'", name)
		}
		if q.durable != opts.Durable {
			return "", ch.fail(amqp.PreconditionFailed, "PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s'", name)
		}
		return name, nil
	}
	q := &queue{
		name:       name,
		durable:    opts.Durable,
		autoDelete: opts.AutoDelete,
		exclusive:  opts.Exclusive,
		args:       cloneTable(opts.Args),
	}
	if opts.Exclusive {
		q.owner = ch
	}
	b.queues[name] = q
	return name, nil
}

func (ch *Channel) BindQueue(queueName, key, exchangeName string) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.fail(amqp.NotFound, "NOT_FOUND - no exchange '%s'", exchangeName)
	}
	if _, ok := b.queues[queueName]; !ok {
		return ch.fail(amqp.NotFound, "NOT_FOUND - no queue '%s'", queueName)
	}
	for _, bd := range ex.bindings {
		if bd.queue == queueName && bd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: queueName, key: key})
	return nil
}

func (ch *Channel) Qos(prefetch int) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetch
	for _, c := range ch.consumers {
		b.dispatchLocked(c.q)
	}
	return nil
}

func (ch *Channel) Consume(queueName, consumerTag string, exclusive bool) (<-chan amqp.Delivery, error) {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.fail(amqp.NotFound, "NOT_FOUND - no queue '%s'", queueName)
	}
	if q.exclusive && q.owner != ch {
		return nil, ch.fail(amqp.ResourceLocked, "RESOURCE_LOCKED - queue '%s' is exclusive", queueName)
	}
	if len(q.consumers) > 0 && (exclusive || q.consumers[0].exclusive) {
		return nil, ch.fail(amqp.AccessRefused, "ACCESS_REFUSED - queue '%s' in exclusive use", queueName)
	}
	if consumerTag == "" {
		ch.seq++
		consumerTag = fmt.Sprintf("ctag-%d", ch.seq)
	}
	if ch.consumers == nil {
		ch.consumers = make(map[string]*consumer)
	}
	if _, dup := ch.consumers[consumerTag]; dup {
		return nil, ch.fail(amqp.NotAllowed, "NOT_ALLOWED - attempt to reuse consumer tag '%s'", consumerTag)
	}

	c := newConsumer(ch, q, consumerTag, exclusive)
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)
	b.wg.Add(1)
	go c.pump()
	b.dispatchLocked(q)
	return c.out, nil
}

func (ch *Channel) Cancel(consumerTag string) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[consumerTag]
	if !ok {
		return nil
	}
	ch.removeConsumerLocked(c)
	return nil
}

func (ch *Channel) removeConsumerLocked(c *consumer) {
	delete(ch.consumers, c.tag)
	q := c.q
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	// 已分配但尚未交给调用方的投递退回队列。
	for _, d := range c.stop() {
		if f, ok := ch.unacked[d.DeliveryTag]; ok {
			delete(ch.unacked, d.DeliveryTag)
			ch.b.requeueLocked(f)
		}
	}
	if q.autoDelete && len(q.consumers) == 0 {
		ch.b.deleteQueueLocked(q)
	} else {
		ch.b.dispatchLocked(q)
	}
}

func (ch *Channel) Publish(ctx context.Context, exchangeName, key string, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if b.publishErr != nil {
		return b.publishErr
	}
	if _, ok := b.lookupExchangeLocked(exchangeName); !ok {
		return ch.fail(amqp.NotFound, "NOT_FOUND - no exchange '%s'", exchangeName)
	}
	if !b.routeLocked(&message{exchange: exchangeName, key: key, pub: clonePublishing(msg)}) {
		b.returned.Add(1)
	}
	return nil
}

func (ch *Channel) NotifyClose() <-chan *amqp.Error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	l := make(chan *amqp.Error, 1)
	if ch.closed {
		close(l)
		return l
	}
	ch.listeners = append(ch.listeners, l)
	return l
}

func (ch *Channel) Close() error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	ch.closeLocked(nil)
	return nil
}

// closeLocked 关闭通道：停止消费者，未确认消息重新入队，删除独占队列，通知监听者。
func (ch *Channel) closeLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.b
	delete(b.channels, ch)

	for _, c := range ch.consumers {
		ch.removeConsumerLocked(c)
	}
	for tag, f := range ch.unacked {
		delete(ch.unacked, tag)
		b.requeueLocked(f)
	}
	for _, q := range b.queues {
		if q.exclusive && q.owner == ch {
			b.deleteQueueLocked(q)
		}
	}
	for _, l := range ch.listeners {
		if reason != nil {
			l <- reason
		}
		close(l)
	}
	ch.listeners = nil
}

// Ack 实现 amqp.Acknowledger。
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, func(f *inflight) {
		f.q.stats.Acked++
	})
}

// Nack 实现 amqp.Acknowledger。
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, func(f *inflight) {
		ch.reject(f, requeue)
	})
}

// Reject 实现 amqp.Acknowledger。
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false, func(f *inflight) {
		ch.reject(f, requeue)
	})
}

func (ch *Channel) reject(f *inflight, requeue bool) {
	if requeue {
		ch.b.requeueLocked(f)
		return
	}
	f.q.stats.Rejected++
	ch.b.deadLetterLocked(f.q, f.m, "rejected")
}

func (ch *Channel) settle(tag uint64, multiple bool, apply func(*inflight)) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	} else if _, ok := ch.unacked[tag]; ok {
		tags = []uint64{tag}
	}
	if len(tags) == 0 {
		b.protocolErrors.Add(1)
		return ch.fail(amqp.PreconditionFailed, "PRECONDITION_FAILED - unknown delivery tag %d", tag)
	}

	touched := make(map[*queue]struct{})
	for _, t := range tags {
		f := ch.unacked[t]
		delete(ch.unacked, t)
		apply(f)
		touched[f.q] = struct{}{}
	}
	for _, c := range ch.consumers {
		touched[c.q] = struct{}{}
	}
	for q := range touched {
		if _, live := b.queues[q.name]; live {
			b.dispatchLocked(q)
		}
	}
	return nil
}

func (b *Broker) requeueLocked(f *inflight) {
	q := f.q
	if _, live := b.queues[q.name]; !live {
		return
	}
	f.m.redelivered = true
	q.stats.Requeued++
	q.ready = append([]*message{f.m}, q.ready...)
	b.dispatchLocked(q)
}

func (b *Broker) deleteQueueLocked(q *queue) {
	delete(b.queues, q.name)
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != q.name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
	for _, c := range append([]*consumer(nil), q.consumers...) {
		c.ch.removeConsumerLocked(c)
	}
}

// consumer 单个订阅。dispatch 把投递放入 buf，pump 协程逐个交给 out。
type consumer struct {
	ch        *Channel
	q         *queue
	tag       string
	exclusive bool

	mu   sync.Mutex
	buf  []amqp.Delivery
	wake chan struct{}
	done chan struct{}
	out  chan amqp.Delivery
}

func newConsumer(ch *Channel, q *queue, tag string, exclusive bool) *consumer {
	return &consumer{
		ch:        ch,
		q:         q,
		tag:       tag,
		exclusive: exclusive,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		out:       make(chan amqp.Delivery),
	}
}

func (c *consumer) enqueue(d amqp.Delivery) {
	c.mu.Lock()
	c.buf = append(c.buf, d)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// stop 停止 pump 并返回尚未交出的投递。调用方持有 b.mu。
func (c *consumer) stop() []amqp.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return nil
	default:
	}
	close(c.done)
	rest := c.buf
	c.buf = nil
	return rest
}

func (c *consumer) pump() {
	defer c.ch.b.wg.Done()
	defer close(c.out)
	for {
		c.mu.Lock()
		if len(c.buf) == 0 {
			c.mu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.done:
				return
			}
		}
		d := c.buf[0]
		c.buf = c.buf[1:]
		c.mu.Unlock()

		select {
		case c.out <- d:
		case <-c.done:
			c.giveBack(d)
			return
		}
	}
}

// giveBack 停止后仍在手中的投递退回队列。
func (c *consumer) giveBack(d amqp.Delivery) {
	b := c.ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := c.ch.unacked[d.DeliveryTag]; ok {
		delete(c.ch.unacked, d.DeliveryTag)
		b.requeueLocked(f)
	}
}
