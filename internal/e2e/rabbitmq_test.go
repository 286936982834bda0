//go:build e2e

package e2e

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/omeyang/xindex/pkg/mq/xamqp"
	"github.com/omeyang/xindex/pkg/mq/xconsumer"
	"github.com/omeyang/xindex/pkg/mq/xrpc"
	"github.com/omeyang/xindex/pkg/observability/xlog"
	"github.com/omeyang/xindex/pkg/resilience/xretry"
)

func quietLogger(t *testing.T) xlog.Logger {
	t.Helper()
	l, _, err := xlog.New().SetOutput(io.Discard).Build()
	require.NoError(t, err)
	return l
}

func setupRabbitMQ(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("XINDEX_AMQP_URL"); url != "" {
		return url
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("rabbitmq container not available: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func dial(t *testing.T, url string) *xamqp.Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := xamqp.Dial(ctx, url, xamqp.WithLogger(quietLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func unique(prefix string) string {
	return prefix + "." + uuid.NewString()[:8]
}

func TestRPCRoundTrip(t *testing.T) {
	conn := dial(t, setupRabbitMQ(t))
	iface := xrpc.NewInterface[int, int](unique("double"))

	srv, err := xrpc.NewServer(iface, func(_ context.Context, n int) (int, error) { return 2 * n, nil },
		xrpc.WithLogger(quietLogger(t)))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, conn) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client, err := xrpc.NewClient(conn, iface, xrpc.WithLogger(quietLogger(t)))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	// 服务端队列声明前的调用会被退回，直到首个调用成功为止。
	require.Eventually(t, func() bool {
		callCtx, callCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer callCancel()
		got, err := client.Call(callCtx, 21)
		return err == nil && got == 42
	}, 30*time.Second, 100*time.Millisecond)

	for i := range 20 {
		callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
		got, err := client.Call(callCtx, i)
		callCancel()
		require.NoError(t, err)
		assert.Equal(t, 2*i, got)
	}
	assert.Zero(t, client.Pending())
}

func TestConsumerRelayOnRealBroker(t *testing.T) {
	conn := dial(t, setupRabbitMQ(t))
	topo := xamqp.Topology{Exchange: unique("e2e"), Queue: unique("e2e.q"), Durable: false}.WithDeadLetter()

	var calls atomic.Int32
	c, err := xconsumer.New(topo, func(_ context.Context, v string, _ xconsumer.Delivery) error {
		if calls.Add(1) == 1 {
			return errors.New("first attempt fails")
		}
		return nil
	},
		xconsumer.WithLogger(quietLogger(t)),
		xconsumer.WithWorkers(2),
		xconsumer.WithRelay(xconsumer.RelayPolicy{MaxRedeliveries: 3, Backoff: xretry.NewFixedBackoff(50 * time.Millisecond)}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, conn) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	ch, err := conn.Channel(ctx)
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()
	require.NoError(t, xamqp.Declare(ch, topo))
	pub, err := xamqp.NewPublishing(nil, "hello")
	require.NoError(t, err)
	require.NoError(t, ch.Publish(ctx, topo.Exchange, topo.PublishKey(), pub))

	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.Acked == 1 && s.Redelivered == 1
	}, 30*time.Second, 50*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}
