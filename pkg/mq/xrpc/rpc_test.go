package xrpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/omeyang/xindex/internal/amqptest"
	"github.com/omeyang/xindex/pkg/mq/xamqp"
	"github.com/omeyang/xindex/pkg/observability/xlog"
	"github.com/omeyang/xindex/pkg/resilience/xbreaker"
	"github.com/omeyang/xindex/pkg/resilience/xretry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var double = NewInterface[int, int]("double")

func quietLogger(t *testing.T) xlog.Logger {
	t.Helper()
	l, _, err := xlog.New().SetOutput(io.Discard).Build()
	require.NoError(t, err)
	return l
}

func newBroker(t *testing.T) *amqptest.Broker {
	t.Helper()
	b := amqptest.NewBroker()
	t.Cleanup(b.Close)
	return b
}

func newClient(t *testing.T, b *amqptest.Broker, opts ...Option) *Client[int, int] {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger(t))}, opts...)
	c, err := NewClient(b, double, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// startServer 启动 Server 并等待其订阅调用队列。
func startServer(t *testing.T, b *amqptest.Broker, handler HandlerFunc[int, int], opts ...Option) *Server[int, int] {
	t.Helper()
	opts = append([]Option{
		WithLogger(quietLogger(t)),
		WithWorkers(4),
		WithBackoff(xretry.NewFixedBackoff(10 * time.Millisecond)),
	}, opts...)
	s, err := NewServer(double, handler, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, b) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	require.Eventually(t, func() bool { return b.Stats("double.calls").Consumers == 1 }, time.Second, time.Millisecond)
	return s
}

func doubler(_ context.Context, n int) (int, error) { return n * 2, nil }

func callWithin(t *testing.T, c *Client[int, int], n int, d time.Duration) (int, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.Call(ctx, n)
}

func TestNewInterface_Naming(t *testing.T) {
	assert.Equal(t, "double", double.Name())
	assert.Equal(t, "rpc.double", double.Exchange())
	assert.Equal(t, "double.call", double.CallKey())
	assert.Equal(t, "double.calls", callQueue(double.Name()))
}

func TestInterface_TypesAreBound(t *testing.T) {
	var iface any = double
	_, ok := iface.(Interface[int, int])
	assert.True(t, ok)
	_, ok = iface.(Interface[string, string])
	assert.False(t, ok, "argument/result types must be part of the interface type")
	_, ok = iface.(Interface[int, string])
	assert.False(t, ok)

	// 同名不同类型的接口是不同的值类型，客户端类型随之推断。
	c, err := NewClient(newBroker(t), NewInterface[string, []byte]("echo"), WithLogger(quietLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	var typed any = c
	_, ok = typed.(*Client[string, []byte])
	assert.True(t, ok)
}

func TestEnvelope_WireKeys(t *testing.T) {
	n := 3
	body, err := xamqp.CBOR().Marshal(Envelope[int, int]{Call: &n})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, xamqp.CBOR().Unmarshal(body, &raw))
	assert.Contains(t, raw, "call")
	assert.NotContains(t, raw, "return")
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient[int, int](nil, double)
	assert.ErrorIs(t, err, ErrNilConnection)
	_, err = NewClient(newBroker(t), NewInterface[int, int](""))
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = NewServer[int, int](double, nil)
	assert.ErrorIs(t, err, ErrNilHandler)
	_, err = NewServer(NewInterface[int, int](""), doubler)
	assert.ErrorIs(t, err, ErrEmptyName)
}

func TestClient_CallRoundTrip(t *testing.T) {
	b := newBroker(t)
	startServer(t, b, doubler)
	c := newClient(t, b)

	got, err := callWithin(t, c, 21, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	c.mu.Lock()
	first := c.sess
	c.mu.Unlock()
	require.NotNil(t, first)

	for i := range 5 {
		got, err := callWithin(t, c, i, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, i*2, got)
	}
	c.mu.Lock()
	assert.Same(t, first, c.sess, "session is cached across calls")
	c.mu.Unlock()
	assert.Zero(t, c.Pending())
}

func TestClient_ConcurrentCallsManyInFlight(t *testing.T) {
	b := newBroker(t)
	startServer(t, b, doubler)
	c := newClient(t, b)

	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := callWithin(t, c, i, 5*time.Second)
			if assert.NoError(t, err) {
				assert.Equal(t, i*2, got)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, c.Pending())
}

func TestClient_CollidingIDsAreRerolled(t *testing.T) {
	b := newBroker(t)
	release := make(chan struct{})
	startServer(t, b, func(_ context.Context, n int) (int, error) {
		<-release
		return n * 2, nil
	})

	var mu sync.Mutex
	ids := []string{"fixed", "fixed", "other"}
	var issued []string
	c := newClient(t, b, WithIDGenerator(func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		issued = append(issued, id)
		return id
	}))

	results := make(chan [2]int, 2)
	errs := make(chan error, 2)
	for _, n := range []int{1, 2} {
		go func() {
			got, err := callWithin(t, c, n, 5*time.Second)
			errs <- err
			results <- [2]int{n, got}
		}()
		// 顺序登记，确保第二个调用与第一个冲突。
		require.Eventually(t, func() bool { return c.Pending() == n }, time.Second, time.Millisecond)
	}
	close(release)

	for range 2 {
		require.NoError(t, <-errs)
		r := <-results
		assert.Equal(t, r[0]*2, r[1], "call %d received another call's reply", r[0])
	}
	mu.Lock()
	assert.Equal(t, []string{"fixed", "fixed", "other"}, issued)
	mu.Unlock()
	assert.Zero(t, c.Pending())
}

func TestClient_IDExhausted(t *testing.T) {
	b := newBroker(t)
	c := newClient(t, b, WithIDGenerator(func() string { return "same" }))

	go func() { _, _ = callWithin(t, c, 1, 300*time.Millisecond) }()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)

	_, err := callWithin(t, c, 2, time.Second)
	assert.ErrorIs(t, err, ErrIDExhausted)
	require.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, time.Millisecond)
}

func TestClient_NoServerTimesOutThenRecovers(t *testing.T) {
	b := newBroker(t)
	c := newClient(t, b)

	_, err := callWithin(t, c, 5, 100*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, c.Pending(), "entry removed after abandoned call")
	assert.Equal(t, 1, b.Returned(), "call was unroutable while no server was bound")

	startServer(t, b, doubler)
	got, err := callWithin(t, c, 5, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 10, got)
}

func TestClient_NoiseIsDropped(t *testing.T) {
	b := newBroker(t)
	startServer(t, b, doubler)
	c := newClient(t, b, WithIDGenerator(func() string { return "known" }))

	_, err := callWithin(t, c, 1, 2*time.Second)
	require.NoError(t, err)

	c.mu.Lock()
	reply := c.sess.replyQueue
	c.mu.Unlock()

	callBody, _ := xamqp.CBOR().Marshal(Envelope[int, int]{Call: ptr(9)})
	returnBody, _ := xamqp.CBOR().Marshal(Envelope[int, int]{Return: ptr(7)})
	noise := []amqp.Publishing{
		{Body: returnBody},                                       // 缺少关联 ID
		{CorrelationId: "ghost", Body: returnBody},               // 未知关联 ID
		{CorrelationId: "known", Body: []byte{0xff}},             // 无法解码
		{CorrelationId: "known", Body: callBody},                 // 不是返回
		{CorrelationId: "known", Body: returnBody, Type: "dupe"}, // 调用已结束后的重复返回
	}
	for _, pub := range noise {
		require.NoError(t, b.Publish("", reply, pub))
	}
	require.Eventually(t, func() bool { return b.Stats(reply).Acked >= 6 }, time.Second, time.Millisecond)

	got, err := callWithin(t, c, 4, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 8, got)
	assert.Zero(t, c.Pending())
}

func TestClient_LateReplyDoesNotReachNextCall(t *testing.T) {
	b := newBroker(t)
	var slow atomic.Bool
	slow.Store(true)
	gate := make(chan struct{})
	startServer(t, b, func(_ context.Context, n int) (int, error) {
		if slow.Load() {
			<-gate
		}
		return n * 2, nil
	})
	c := newClient(t, b)

	_, err := callWithin(t, c, 100, 100*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, c.Pending())

	slow.Store(false)
	close(gate)
	got, err := callWithin(t, c, 3, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 6, got, "late reply to the abandoned call must not be delivered")
}

func TestClient_ChannelLossFailsInFlightAndReconnects(t *testing.T) {
	b := newBroker(t)
	c := newClient(t, b)

	errCh := make(chan error, 1)
	go func() {
		_, err := callWithin(t, c, 1, 5*time.Second)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)

	opened := b.Opened()
	b.CloseAll("connection reset")
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTransport)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call was not failed")
	}
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.sess == nil
	}, time.Second, time.Millisecond)

	startServer(t, b, doubler)
	got, err := callWithin(t, c, 8, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 16, got)
	assert.Greater(t, b.Opened(), opened+1, "client opened a fresh channel")
}

func TestClient_PublishFailureInvalidatesSession(t *testing.T) {
	b := newBroker(t)
	startServer(t, b, doubler)
	c := newClient(t, b)

	_, err := callWithin(t, c, 1, 2*time.Second)
	require.NoError(t, err)

	b.SetPublishError(amqp.ErrClosed)
	_, err = callWithin(t, c, 2, time.Second)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, amqp.ErrClosed)
	assert.Zero(t, c.Pending())
	c.mu.Lock()
	assert.Nil(t, c.sess)
	c.mu.Unlock()

	b.SetPublishError(nil)
	got, err := callWithin(t, c, 3, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 6, got)
}

func TestClient_BreakerFailsFast(t *testing.T) {
	b := newBroker(t)
	b.SetOpenError(errors.New("broker unreachable"))
	c := newClient(t, b, WithBreaker(xbreaker.NewBreaker("test",
		xbreaker.WithTripPolicy(xbreaker.NewConsecutiveFailures(2)),
		xbreaker.WithTimeout(time.Hour),
	)))

	for range 2 {
		_, err := callWithin(t, c, 1, time.Second)
		assert.ErrorIs(t, err, ErrTransport)
	}
	_, err := callWithin(t, c, 1, time.Second)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.True(t, xbreaker.IsOpen(err))
}

func TestClient_Close(t *testing.T) {
	b := newBroker(t)
	c := newClient(t, b)

	errCh := make(chan error, 1)
	go func() {
		_, err := callWithin(t, c, 1, 5*time.Second)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, <-errCh, ErrTransport)

	_, err := callWithin(t, c, 1, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestServer_HandlerErrorIsDeadLettered(t *testing.T) {
	b := newBroker(t)
	s := startServer(t, b, func(_ context.Context, n int) (int, error) {
		if n < 0 {
			return 0, errors.New("negative")
		}
		return n * 2, nil
	})
	c := newClient(t, b)

	_, err := callWithin(t, c, -1, 200*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Eventually(t, func() bool { return s.Stats().DeadLettered == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), s.Stats().Rejected)

	got, err := callWithin(t, c, 2, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, got)
}

func ptr[T any](v T) *T { return &v }
