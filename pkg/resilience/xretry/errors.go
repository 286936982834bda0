package xretry

import "errors"

var (
	// ErrNilRetryer 在 nil *Retryer 上调用 Do。
	ErrNilRetryer = errors.New("xretry: nil retryer")
	// ErrNilFunc 传入的执行函数为 nil。
	ErrNilFunc = errors.New("xretry: nil func")
)

// PermanentError 标记不应重试的错误。
type PermanentError struct {
	Err error
}

// NewPermanentError 包装 err 为永久性错误。
func NewPermanentError(err error) *PermanentError {
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// RetryableError 自行声明是否可重试的错误。
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable 报告 err 是否值得重试。nil 不需要重试，PermanentError 不重试，
// 实现 RetryableError 的按其声明，其余错误都重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return true
}
