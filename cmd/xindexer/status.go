package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/omeyang/xindex/internal/ingest"
	"github.com/omeyang/xindex/pkg/mq/xamqp"
	"github.com/omeyang/xindex/pkg/mq/xrpc"
	"github.com/omeyang/xindex/pkg/observability/xlog"
	"github.com/omeyang/xindex/pkg/resilience/xretry"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "查询运行中节点的消费统计",
		ArgsUsage: "[队列...]",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "RPC 超时时间，0 表示使用配置中的 rpc.timeout",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := appConfig(cmd)
			if err != nil {
				return err
			}
			timeout := cmd.Duration("timeout")
			if timeout <= 0 {
				timeout = cfg.RPC.Timeout
			}
			conn, err := xamqp.Dial(ctx, cfg.AMQP.URL,
				xamqp.WithLogger(quietLogger()),
				xamqp.WithDialRetryer(xretry.NewRetryer(xretry.WithRetryPolicy(xretry.NewNeverRetry()))),
			)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }() //nolint:errcheck // 退出路径

			reply, err := queryStatus(ctx, conn, cfg, cmd.Args().Slice(), timeout)
			if err != nil {
				return err
			}
			renderStatus(os.Stdout, reply)
			return nil
		},
	}
}

// queryStatus 发起一次状态调用。超时视为节点离线。
func queryStatus(ctx context.Context, conn xamqp.ChannelOpener, cfg Config, queues []string, timeout time.Duration) (ingest.StatusReply, error) {
	client, err := xrpc.NewClient(conn, statusInterface(cfg), xrpc.WithLogger(quietLogger()))
	if err != nil {
		return ingest.StatusReply{}, err
	}
	defer func() { _ = client.Close() }() //nolint:errcheck // 退出路径

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := client.Call(ctx, ingest.StatusRequest{Queues: queues})
	if errors.Is(err, context.DeadlineExceeded) {
		return reply, fmt.Errorf("no reply from %s within %s", cfg.RPC.Status, timeout)
	}
	return reply, err
}

func renderStatus(w io.Writer, s ingest.StatusReply) {
	bold := color.New(color.Bold)
	_, _ = bold.Fprintf(w, "节点 %s  账户 %d  已回填 slot %d\n", s.Node, s.Accounts, s.Slots) //nolint:errcheck // 终端输出

	table := tablewriter.NewWriter(w)
	table.Header("Queue", "Received", "Acked", "Rejected", "Dead Lettered", "Reconnects")
	for _, q := range s.Queues {
		_ = table.Append( //nolint:errcheck // 终端输出
			q.Queue,
			strconv.FormatInt(q.Received, 10),
			strconv.FormatInt(q.Acked, 10),
			rejectedCell(q.Rejected),
			strconv.FormatInt(q.DeadLettered, 10),
			strconv.FormatInt(q.Reconnects, 10),
		)
	}
	_ = table.Render() //nolint:errcheck // 终端输出
}

func rejectedCell(n int64) string {
	s := strconv.FormatInt(n, 10)
	if n == 0 {
		return s
	}
	return color.New(color.FgRed).Sprint(s)
}

func quietLogger() xlog.Logger {
	l, _, err := xlog.New().SetOutput(io.Discard).Build()
	if err != nil {
		return xlog.Default()
	}
	return l
}
