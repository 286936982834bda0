package xrun

import (
	"context"
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGroup_ErrorCancelsSiblings(t *testing.T) {
	g, _ := NewGroup(context.Background(), WithName("test"))
	boom := errors.New("boom")
	var sawCancel atomic.Bool

	g.GoNamed("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})
	g.GoNamed("failer", func(context.Context) error { return boom })

	assert.ErrorIs(t, g.Wait(), boom)
	assert.True(t, sawCancel.Load())
}

func TestGroup_CancelCauseReturned(t *testing.T) {
	g, ctx := NewGroup(context.Background())
	g.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cause := &SignalError{Signal: syscall.SIGTERM}
	g.Cancel(cause)

	err := g.Wait()
	assert.ErrorIs(t, err, ErrSignal)
	var sigErr *SignalError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, syscall.SIGTERM, sigErr.Signal)
	assert.Error(t, ctx.Err())
}

func TestGroup_PlainCancelIsClean(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	g, _ := NewGroup(parent)
	g.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()
	assert.NoError(t, g.Wait())
}

func TestGroup_NilFunc(t *testing.T) {
	g, _ := NewGroup(context.Background())
	g.Go(nil)
	assert.ErrorIs(t, g.Wait(), ErrNilFunc)
}

func TestRunServices_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Int32
	svc := ServiceFunc(func(ctx context.Context) error {
		ran.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan error, 1)
	go func() { done <- RunServices(ctx, []Option{WithSignals(syscall.SIGUSR1)}, svc, svc) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunServices did not return")
	}
	assert.Equal(t, int32(2), ran.Load())
}

func TestRunServices_NilService(t *testing.T) {
	err := RunServices(context.Background(), []Option{WithoutSignalHandler()}, nil)
	assert.ErrorIs(t, err, ErrNilService)
}

func TestRunWithOptions_Signal(t *testing.T) {
	done := make(chan error, 1)
	go func() {
		done <- RunWithOptions(context.Background(), []Option{WithSignals(syscall.SIGUSR2)},
			func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			})
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR2))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSignal)
	case <-time.After(2 * time.Second):
		t.Fatal("signal not handled")
	}
}

func TestTicker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var n atomic.Int32
	err := Ticker(time.Millisecond, true, func(context.Context) error {
		if n.Add(1) == 3 {
			cancel()
		}
		return nil
	})(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, n.Load(), int32(3))

	assert.ErrorIs(t, Ticker(0, false, func(context.Context) error { return nil })(context.Background()), ErrInvalidInterval)
	assert.ErrorIs(t, Ticker(time.Second, false, nil)(context.Background()), ErrNilFunc)
}
