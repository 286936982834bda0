package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/omeyang/xindex/internal/ingest"
	"github.com/omeyang/xindex/pkg/mq/xamqp"
	"github.com/omeyang/xindex/pkg/observability/xlog"
	"github.com/omeyang/xindex/pkg/util/xpool"
)

func backfillCommand() *cli.Command {
	return &cli.Command{
		Name:      "backfill",
		Usage:     "把 slot 区间拆分成叶子区间发布到 slots 队列",
		ArgsUsage: "<from> <to>",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "leaf", Usage: "叶子区间长度，0 表示使用 backfill.leaf_size"},
			&cli.IntFlag{Name: "threads", Usage: "拆分线程数，0 表示使用 backfill.threads"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "不显示进度条"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := appConfig(cmd)
			if err != nil {
				return err
			}
			r, err := parseRange(cmd.Args().Slice())
			if err != nil {
				return usage(err)
			}
			bf := cfg.Backfill
			if n := cmd.Uint64("leaf"); n > 0 {
				bf.LeafSize = n
			}
			if n := cmd.Int("threads"); n > 0 {
				bf.Threads = n
			}

			conn, err := xamqp.Dial(ctx, cfg.AMQP.URL, xamqp.WithLogger(quietLogger()))
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }() //nolint:errcheck // 退出路径
			ch, err := conn.Channel(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = ch.Close() }() //nolint:errcheck // 退出路径
			topo := cfg.Slots.Topology()
			if err := xamqp.Declare(ch, topo); err != nil {
				return err
			}

			var onLeaf func(ingest.SlotRange)
			if !cmd.Bool("quiet") {
				bar := progressbar.NewOptions64(int64(r.Len()),
					progressbar.OptionSetDescription("backfill "+r.String()),
					progressbar.OptionSetWidth(40),
					progressbar.OptionShowCount(),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
				)
				var mu sync.Mutex
				onLeaf = func(leaf ingest.SlotRange) {
					mu.Lock()
					_ = bar.Add64(int64(leaf.Len())) //nolint:errcheck // 终端输出
					mu.Unlock()
				}
			}

			n, err := backfill(ctx, ch, topo, r, bf, onLeaf)
			fmt.Fprintf(os.Stdout, "published %d ranges covering %s\n", n, r)
			return err
		},
	}
}

var errBadRange = errors.New("backfill: from must be less than to")

func parseRange(args []string) (ingest.SlotRange, error) {
	if len(args) != 2 {
		return ingest.SlotRange{}, errors.New("backfill 需要 <from> <to> 两个参数")
	}
	from, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return ingest.SlotRange{}, fmt.Errorf("from: %w", err)
	}
	to, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return ingest.SlotRange{}, fmt.Errorf("to: %w", err)
	}
	if from >= to {
		return ingest.SlotRange{}, errBadRange
	}
	return ingest.SlotRange{From: from, To: to}, nil
}

// backfill 在 work-stealing 池里二分 r，长度不超过 LeafSize 的区间发布到 topo。
// 返回成功发布的叶子数。首个发布错误之后不再发布新的叶子。
//
// 叶子的 MessageId 由区间决定，重跑同一回填时下游可以据此去重。
func backfill(ctx context.Context, ch xamqp.Channel, topo xamqp.Topology, r ingest.SlotRange,
	cfg BackfillConfig, onLeaf func(ingest.SlotRange)) (int64, error) {
	if cfg.LeafSize == 0 {
		return 0, errors.New("backfill: leaf size must be positive")
	}
	var (
		published atomic.Int64
		failed    atomic.Bool
		errMu     sync.Mutex
		firstErr  error
	)
	fail := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
		failed.Store(true)
	}

	codec := xamqp.CBOR()
	key := topo.PublishKey()
	pool, err := xpool.New(cfg.Threads, func(h *xpool.Handle[ingest.SlotRange], job ingest.SlotRange) {
		if failed.Load() {
			return
		}
		if err := ctx.Err(); err != nil {
			fail(err)
			return
		}
		if job.Len() > cfg.LeafSize {
			if left, right, ok := job.Split(); ok {
				if err := errors.Join(h.Push(left), h.Push(right)); err != nil {
					fail(err)
				}
				return
			}
		}
		pub, err := xamqp.NewPublishing(codec, job)
		if err != nil {
			fail(err)
			return
		}
		pub.MessageId = ingest.RangeMessageID(job)
		pub.Type = "slot_range"
		if err := ch.Publish(ctx, topo.Exchange, key, pub); err != nil {
			fail(fmt.Errorf("publish %s: %w", job, err))
			return
		}
		published.Add(1)
		if onLeaf != nil {
			onLeaf(job)
		}
	}, xpool.WithName("backfill"), xpool.WithLogger(xlog.Default()))
	if err != nil {
		return 0, err
	}
	if err := pool.Push(r); err != nil {
		pool.Abort()
		return 0, err
	}
	pool.Join()
	return published.Load(), firstErr
}
