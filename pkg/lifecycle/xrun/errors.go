package xrun

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrSignal 因收到系统信号而终止，配合 errors.Is 使用。
	ErrSignal = errors.New("received signal")

	ErrNilFunc         = errors.New("xrun: nil func")
	ErrNilService      = errors.New("xrun: nil service")
	ErrInvalidInterval = errors.New("xrun: interval must be positive")
)

// SignalError 携带触发终止的信号。
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("received signal %v", e.Signal)
}

func (e *SignalError) Unwrap() error { return ErrSignal }
