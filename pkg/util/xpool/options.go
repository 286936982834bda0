package xpool

import "github.com/omeyang/xindex/pkg/observability/xlog"

// Option Pool 配置项。
type Option func(*options)

type options struct {
	logger        xlog.Logger
	name          string
	localCapacity int
	lockOSThread  bool
}

const defaultLocalCapacity = 256

func defaultOptions() options {
	return options{localCapacity: defaultLocalCapacity}
}

// WithLogger 设置日志，默认 xlog.Default()。nil 忽略。
func WithLogger(l xlog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithName 设置池名称，用于多实例时区分日志。
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLocalCapacity 设置每个 worker 本地队列的容量，向上取整到 2 的幂。
// n <= 0 时使用默认值 256。
func WithLocalCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.localCapacity = n
		}
	}
}

// WithLockOSThread 让每个 worker 独占一个 OS 线程（runtime.LockOSThread）。
// 适合调用依赖线程局部状态的 cgo 库的任务。
func WithLockOSThread() Option {
	return func(o *options) { o.lockOSThread = true }
}
