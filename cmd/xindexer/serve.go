package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"github.com/omeyang/xindex/internal/ingest"
	"github.com/omeyang/xindex/internal/mqcore"
	"github.com/omeyang/xindex/pkg/config/xconf"
	"github.com/omeyang/xindex/pkg/lifecycle/xrun"
	"github.com/omeyang/xindex/pkg/mq/xamqp"
	"github.com/omeyang/xindex/pkg/mq/xconsumer"
	"github.com/omeyang/xindex/pkg/mq/xrpc"
	"github.com/omeyang/xindex/pkg/observability/xlog"
	"github.com/omeyang/xindex/pkg/observability/xmetrics"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "启动消费者、死信中继和状态 RPC 服务",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, src, err := loadConfig(cmd.String("config"))
			if err != nil {
				return usage(err)
			}
			logger, cleanup, err := buildLogger(cfg.Log)
			if err != nil {
				return usage(err)
			}
			defer func() { _ = cleanup() }() //nolint:errcheck // 退出路径
			conn, err := xamqp.Dial(ctx, cfg.AMQP.URL,
				xamqp.WithLogger(logger),
				xamqp.WithHeartbeat(cfg.AMQP.Heartbeat),
				xamqp.WithConnectionName(cfg.Node),
			)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }() //nolint:errcheck // 退出路径

			node, err := newNode(cfg, logger)
			if err != nil {
				return err
			}
			defer node.close()
			services := node.services(conn)
			if src != nil {
				services = append(services, watchLogLevel(src, logger))
			}
			return xrun.RunWithOptions(ctx, []xrun.Option{
				xrun.WithLogger(logger),
				xrun.WithName(cfg.Node),
			}, services...)
		},
	}
}

// node 一个索引节点持有的全部组件。
type node struct {
	cfg       Config
	logger    xlog.Logger
	writer    ingest.Writer
	inventory ingest.Inventory
	accounts  *xconsumer.Consumer[ingest.AccountUpdate]
	slots     *xconsumer.Consumer[ingest.SlotRange]
	status    *xrpc.Server[ingest.StatusRequest, ingest.StatusReply]
	closers   []func()
}

func newNode(cfg Config, logger xlog.Logger) (n *node, err error) {
	n = &node{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			n.close()
		}
	}()
	if err := n.openWriter(); err != nil {
		return nil, err
	}

	observer, err := xmetrics.NewOTelObserver()
	if err != nil {
		return nil, err
	}
	pipelineOpts := []ingest.PipelineOption{
		ingest.WithPipelineLogger(logger),
		ingest.WithSearch(ingest.NewLogDispatcher(logger)),
	}
	if cfg.Fetch.Enabled {
		fetchOpts := []ingest.FetcherOption{
			ingest.WithHTTPClient(&http.Client{Timeout: cfg.Fetch.Timeout}),
			ingest.WithFetchObserver(observer),
		}
		if cfg.Fetch.CacheBytes > 0 {
			cache, err := ingest.NewFetchCache(cfg.Fetch.CacheBytes)
			if err != nil {
				return nil, err
			}
			n.closers = append(n.closers, cache.Close)
			fetchOpts = append(fetchOpts, ingest.WithFetchCache(cache, cfg.Fetch.CacheTTL))
		}
		pipelineOpts = append(pipelineOpts, ingest.WithFetcher(ingest.NewHTTPFetcher(fetchOpts...)))
	}
	pipeline, err := ingest.NewPipeline(n.writer, pipelineOpts...)
	if err != nil {
		return nil, err
	}

	tracer := mqcore.NewOTelTracer()
	consumerOpts := func(cc ConsumerConfig) []xconsumer.Option {
		return []xconsumer.Option{
			xconsumer.WithLogger(logger),
			xconsumer.WithTracer(tracer),
			xconsumer.WithObserver(observer),
			xconsumer.WithWorkers(cc.Workers),
			xconsumer.WithRelay(cc.RelayPolicy()),
		}
	}
	if n.accounts, err = xconsumer.New(cfg.Accounts.Topology(), pipeline.HandleAccount, consumerOpts(cfg.Accounts)...); err != nil {
		return nil, fmt.Errorf("accounts consumer: %w", err)
	}
	if n.slots, err = xconsumer.New(cfg.Slots.Topology(), pipeline.HandleSlots, consumerOpts(cfg.Slots)...); err != nil {
		return nil, fmt.Errorf("slots consumer: %w", err)
	}
	n.status, err = xrpc.NewServer(statusInterface(cfg), n.handleStatus,
		xrpc.WithLogger(logger),
		xrpc.WithTracer(tracer),
		xrpc.WithObserver(observer),
		xrpc.WithWorkers(2),
	)
	if err != nil {
		return nil, fmt.Errorf("status server: %w", err)
	}
	return n, nil
}

func (n *node) openWriter() error {
	switch wc := n.cfg.Writer; wc.Backend {
	case backendRedis:
		client := redis.NewClient(&redis.Options{Addr: wc.Redis.Addr, Password: wc.Redis.Password, DB: wc.Redis.DB})
		n.closers = append(n.closers, func() { _ = client.Close() }) //nolint:errcheck // 退出路径
		w, err := ingest.NewRedisWriter(client, wc.Redis.Prefix)
		if err != nil {
			return err
		}
		n.writer, n.inventory = w, w
	default:
		w, err := ingest.NewMemoryWriter(wc.Capacity)
		if err != nil {
			return err
		}
		n.writer, n.inventory = w, w
	}
	return nil
}

// close 释放 writer 与缓存，服务全部退出后调用。
func (n *node) close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
	n.closers = nil
}

func (n *node) services(conn xamqp.ChannelOpener) []func(ctx context.Context) error {
	return []func(ctx context.Context) error{
		func(ctx context.Context) error { return n.accounts.Run(ctx, conn) },
		func(ctx context.Context) error { return n.slots.Run(ctx, conn) },
		func(ctx context.Context) error { return n.status.Serve(ctx, conn) },
		xrun.Ticker(n.cfg.StatsInterval, false, func(ctx context.Context) error {
			n.logStats(ctx)
			return nil
		}),
	}
}

func (n *node) snapshot(ctx context.Context, queues []string) (ingest.StatusReply, error) {
	accounts, slots, err := n.inventory.Inventory(ctx)
	if err != nil {
		return ingest.StatusReply{}, fmt.Errorf("inventory: %w", err)
	}
	reply := ingest.StatusReply{Node: n.cfg.Node, Accounts: accounts, Slots: slots}
	add := func(queue string, s xconsumer.Stats) {
		if len(queues) > 0 && !slices.Contains(queues, queue) {
			return
		}
		reply.Queues = append(reply.Queues, ingest.QueueStatus{
			Queue:        queue,
			Received:     s.Received,
			Acked:        s.Acked,
			Rejected:     s.Rejected,
			DeadLettered: s.DeadLettered,
			Reconnects:   s.Reconnects,
		})
	}
	add(n.cfg.Accounts.Queue, n.accounts.Stats())
	add(n.cfg.Slots.Queue, n.slots.Stats())
	return reply, nil
}

// handleStatus 存储不可用时返回错误，调用方只会等到超时。
func (n *node) handleStatus(ctx context.Context, req ingest.StatusRequest) (ingest.StatusReply, error) {
	return n.snapshot(ctx, req.Queues)
}

func (n *node) logStats(ctx context.Context) {
	s, err := n.snapshot(ctx, nil)
	if err != nil {
		n.logger.Warn(ctx, "stats unavailable", xlog.Err(err))
		return
	}
	for _, q := range s.Queues {
		n.logger.Info(ctx, "queue stats",
			slog.String("queue", q.Queue),
			slog.Int64("received", q.Received),
			slog.Int64("acked", q.Acked),
			slog.Int64("rejected", q.Rejected),
			slog.Int64("dead_lettered", q.DeadLettered),
		)
	}
	n.logger.Info(ctx, "writer stats", slog.Int64("accounts", s.Accounts), slog.Uint64("slots", s.Slots))
}

func statusInterface(cfg Config) xrpc.Interface[ingest.StatusRequest, ingest.StatusReply] {
	return xrpc.NewInterface[ingest.StatusRequest, ingest.StatusReply](cfg.RPC.Status)
}

// watchLogLevel 配置文件变化时只热更新日志级别，其余字段需要重启生效。
func watchLogLevel(src xconf.Config, logger xlog.LoggerWithLevel) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		w, err := xconf.Watch(src, func(cfg xconf.Config, err error) {
			if err != nil {
				logger.Warn(ctx, "config reload failed", xlog.Err(err))
				return
			}
			var lc LogConfig
			if err := cfg.Unmarshal("log", &lc); err != nil {
				logger.Warn(ctx, "config reload failed", xlog.Err(err))
				return
			}
			level, err := xlog.ParseLevel(lc.Level)
			if err != nil {
				logger.Warn(ctx, "invalid log level", slog.String("level", lc.Level))
				return
			}
			if level != logger.GetLevel() {
				logger.SetLevel(level)
				logger.Info(ctx, "log level changed", slog.String("level", level.String()))
			}
		})
		if err != nil {
			return err
		}
		return w.Run(ctx)
	}
}
