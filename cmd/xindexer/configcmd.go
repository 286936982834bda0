package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
)

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "校验并打印生效配置",
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := appConfig(cmd)
			if err != nil {
				return err
			}
			renderConfig(os.Stdout, cfg)
			return nil
		},
	}
}

func renderConfig(w io.Writer, cfg Config) {
	fmt.Fprintf(w, "node=%s amqp=%s log=%s/%s rpc=%s (timeout %s)\n",
		cfg.Node, redactURL(cfg.AMQP.URL), cfg.Log.Level, cfg.Log.Format, cfg.RPC.Status, cfg.RPC.Timeout)

	table := tablewriter.NewWriter(w)
	table.Header("Consumer", "Exchange", "Queue", "Keys", "Workers", "Prefetch", "Redeliveries", "Dead Letter")
	for _, row := range []struct {
		name string
		cc   ConsumerConfig
	}{{"accounts", cfg.Accounts}, {"slots", cfg.Slots}} {
		topo := row.cc.Topology()
		_ = table.Append( //nolint:errcheck // 终端输出
			row.name,
			topo.Exchange,
			topo.Queue,
			strings.Join(topo.Keys(), ","),
			strconv.Itoa(row.cc.Workers),
			strconv.Itoa(row.cc.Prefetch),
			strconv.Itoa(row.cc.Relay.MaxRedeliveries),
			topo.DeadLetter.Queue,
		)
	}
	_ = table.Render() //nolint:errcheck // 终端输出
}

// redactURL 隐藏 URL 中的密码。
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return raw
	}
	user, _, _ := strings.Cut(userinfo, ":")
	return scheme + "://" + user + ":***@" + host
}
