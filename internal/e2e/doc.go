// Package e2e 在真实 RabbitMQ 上验证消费、死信与 RPC 链路。
//
// 测试带 e2e 构建标签，默认不参与 go test：
//
//	go test -tags e2e ./internal/e2e/...
//
// 设置 XINDEX_AMQP_URL 时直接连接该 broker，否则用 testcontainers 启动 rabbitmq 容器，
// 两者都不可用时跳过。
package e2e
