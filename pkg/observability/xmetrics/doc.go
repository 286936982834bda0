// Package xmetrics 提供统一的观测接口：一次 Start 同时产生 trace span 与操作指标。
//
// 组件只依赖 Observer 接口，默认 NoopObserver；需要 OpenTelemetry 时用 NewOTelObserver 注入。
// OTel 实现记录两个指标：
//   - xindex.operation.total（counter，按 component/operation/status 分组）
//   - xindex.operation.duration（histogram，单位秒）
//
// 用法：
//
//	ctx, span := xmetrics.Start(ctx, observer, xmetrics.SpanOptions{
//	    Component: "xrpc",
//	    Operation: "call",
//	    Kind:      xmetrics.KindClient,
//	})
//	defer func() { span.End(xmetrics.Result{Err: err}) }()
package xmetrics
