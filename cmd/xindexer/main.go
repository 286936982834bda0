// xindexer 从 AMQP 消费链上账户更新与回填区间，写入索引存储。
//
// 用法:
//
//	xindexer [全局选项] <命令> [命令参数]
//
// 全局选项:
//
//	-c, --config   配置文件路径 (yaml/json，缺省使用内置默认值)
//
// 命令:
//
//	serve                 启动消费者、死信中继和状态 RPC 服务
//	status [队列...]      通过 RPC 查询运行中节点的消费统计
//	backfill <from> <to>  把 [from, to) 拆分成叶子区间发布到 slots 队列
//	config                打印生效配置
//
// 退出码:
//
//	0: 成功，或 serve 收到 SIGINT/SIGTERM 后正常退出
//	1: 运行失败（连接失败、RPC 超时等）
//	2: 参数或配置错误
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/xindex/pkg/lifecycle/xrun"
)

// 版本信息（可通过 -ldflags 注入，例如:
//
//	go build -ldflags "-X main.Version=1.0.0 -X main.GitCommit=$(git rev-parse --short HEAD)"
//
// ）。
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// usageError 参数或配置错误，退出码 2。
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usage(err error) error {
	if err == nil {
		return nil
	}
	return &usageError{err: err}
}

func main() {
	os.Exit(run(os.Args))
}

func createApp() *cli.Command {
	return &cli.Command{
		Name:    "xindexer",
		Usage:   "链上事件索引服务",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径",
				Sources: cli.EnvVars("XINDEX_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			statusCommand(),
			backfillCommand(),
			configCommand(),
		},
		// 设计决策: 禁止 urfave/cli 直接调用 os.Exit，由 run() 统一映射退出码。
		ExitErrHandler: func(_ context.Context, _ *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(os.Stderr, err)
			}
		},
	}
}

func run(args []string) int {
	err := createApp().Run(context.Background(), args)
	switch {
	case err == nil, errors.Is(err, xrun.ErrSignal):
		return 0
	case isUsageError(err):
		fmt.Fprintf(os.Stderr, "参数错误: %v\n", err)
		return 2
	default:
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		return 1
	}
}

func isUsageError(err error) bool {
	var ue *usageError
	if errors.As(err, &ue) {
		return true
	}
	var ec cli.ExitCoder
	return errors.As(err, &ec) && ec.ExitCode() != 0
}

// appConfig 读取全局 --config 指定的配置，配置错误按参数错误处理。
func appConfig(cmd *cli.Command) (Config, error) {
	cfg, _, err := loadConfig(cmd.String("config"))
	return cfg, usage(err)
}
