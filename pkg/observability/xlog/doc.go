// Package xlog 是基于 log/slog 的结构化日志。
//
// 约定：
//   - 所有日志方法必须传入 context.Context，EnrichHandler 从中读取 OTel 的 trace_id/span_id
//   - 属性只接受 slog.Attr，不做隐式 key-value 转换
//   - 级别可在运行时调整（xindexer 通过配置热更新调用 SetLevel）
//   - Build() 返回 cleanup，负责关闭轮转文件
//
// 用法：
//
//	logger, cleanup, err := xlog.New().
//	    SetLevelString("debug").
//	    SetFormat("json").
//	    SetRotation("/var/log/xindexer.log", xlog.RotateMaxSizeMB(100)).
//	    Build()
//	if err != nil {
//	    return err
//	}
//	defer cleanup()
//	logger.Info(ctx, "consumer started", xlog.Component("xconsumer"))
package xlog
