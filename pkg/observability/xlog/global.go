package xlog

import (
	"log/slog"
	"os"
	"sync/atomic"
)

// =============================================================================
// 全局 Logger
//
// 仅用于 cmd 入口和未注入 Logger 的组件兜底，库代码优先显式持有 Logger。
// =============================================================================

var globalLogger atomic.Pointer[LoggerWithLevel]

// Default 返回全局 Logger，首次调用时惰性创建（stderr、Info、text）。
func Default() LoggerWithLevel {
	if l := globalLogger.Load(); l != nil {
		return *l
	}
	logger, _, err := New().Build()
	if err != nil {
		// 默认参数不会失败，这里只兜底。
		lv := new(slog.LevelVar)
		logger = &xlogger{handler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}), levelVar: lv}
	}
	if globalLogger.CompareAndSwap(nil, &logger) {
		return logger
	}
	return *globalLogger.Load()
}

// SetDefault 替换全局 Logger，nil 忽略。
func SetDefault(l LoggerWithLevel) {
	if l == nil {
		return
	}
	globalLogger.Store(&l)
}

// ResetDefault 清空全局 Logger，仅用于测试。
func ResetDefault() {
	globalLogger.Store(nil)
}

// OrDefault 返回 l，l 为 nil 时返回 Default()。
// 组件在未配置 Logger 时用它兜底。
func OrDefault(l Logger) Logger {
	if l != nil {
		return l
	}
	return Default()
}
