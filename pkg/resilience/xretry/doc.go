// Package xretry 提供重试策略与退避策略。
//
// RetryPolicy 决定失败后是否继续，BackoffPolicy 决定两次尝试之间等待多久。
// Retryer 把两者组合起来，执行层使用 [avast/retry-go/v5]。
//
// 在 xindex 中的使用点：
//   - xamqp.Dial 建连重试
//   - mqcore.RunConsumeLoop 的重连退避
//   - xconsumer 死信中继的延迟重投
//
// 用法：
//
//	r := xretry.NewRetryer(
//	    xretry.WithRetryPolicy(xretry.NewFixedRetry(5)),
//	    xretry.WithBackoffPolicy(xretry.NewExponentialBackoff()),
//	)
//	err := r.Do(ctx, func(ctx context.Context) error { return dial(ctx) })
//
// 用 NewPermanentError 包装的错误不会被重试。
//
// [avast/retry-go/v5]: https://github.com/avast/retry-go
package xretry
