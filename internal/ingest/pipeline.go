package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/omeyang/xindex/pkg/mq/xconsumer"
	"github.com/omeyang/xindex/pkg/observability/xlog"
)

// ErrNilWriter Pipeline 缺少 Writer。
var ErrNilWriter = errors.New("ingest: nil writer")

// Pipeline 把账户更新和回填区间落到协作方。
//
// 返回错误的消息会被拒绝进入死信队列，由中继决定是否重投。
// 因此每一步都必须可重复执行。
type Pipeline struct {
	writer  Writer
	search  SearchDispatcher
	fetcher Fetcher
	logger  xlog.Logger
}

// PipelineOption 配置 Pipeline。
type PipelineOption func(*Pipeline)

// WithSearch 设置搜索分发器，缺省不分发。
func WithSearch(d SearchDispatcher) PipelineOption {
	return func(p *Pipeline) { p.search = d }
}

// WithFetcher 设置元数据抓取器，缺省忽略 MetadataURI。
func WithFetcher(f Fetcher) PipelineOption {
	return func(p *Pipeline) { p.fetcher = f }
}

// WithPipelineLogger 设置 logger。
func WithPipelineLogger(l xlog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPipeline 创建 Pipeline。
func NewPipeline(w Writer, opts ...PipelineOption) (*Pipeline, error) {
	if w == nil {
		return nil, ErrNilWriter
	}
	p := &Pipeline{writer: w}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.logger = xlog.OrDefault(p.logger).With(xlog.Component("ingest"))
	return p, nil
}

// HandleAccount 处理一条账户更新，签名匹配 xconsumer.Handler。
//
// 旧版本直接确认。元数据抓取失败会返回错误，整条消息走死信重投，
// 避免索引里出现缺元数据的文档。
func (p *Pipeline) HandleAccount(ctx context.Context, u AccountUpdate, d xconsumer.Delivery) error {
	if u.Pubkey == "" {
		return fmt.Errorf("ingest: account update without pubkey (message %s)", d.MessageID)
	}
	err := p.writer.WriteAccount(ctx, u)
	if errors.Is(err, ErrStale) {
		p.logger.Debug(ctx, "stale account update",
			slog.String("pubkey", u.Pubkey),
			slog.Uint64("slot", u.Slot),
			slog.Uint64("write_version", u.WriteVersion),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("ingest: write account %s: %w", u.Pubkey, err)
	}
	if p.search == nil {
		return nil
	}

	doc := SearchDocument{ID: u.Pubkey, Owner: u.Owner, Slot: u.Slot, Lamports: u.Lamports}
	if u.MetadataURI != "" && p.fetcher != nil {
		meta, err := p.metadata(ctx, u.MetadataURI)
		if err != nil {
			return err
		}
		doc.Metadata = meta
	}
	if err := p.search.Dispatch(ctx, doc); err != nil {
		return fmt.Errorf("ingest: dispatch %s: %w", u.Pubkey, err)
	}
	return nil
}

// HandleSlots 记录回填区间。
func (p *Pipeline) HandleSlots(ctx context.Context, r SlotRange, _ xconsumer.Delivery) error {
	if r.Len() == 0 {
		return fmt.Errorf("ingest: empty slot range %s", r)
	}
	if err := p.writer.WriteSlots(ctx, r); err != nil {
		return fmt.Errorf("ingest: write slots %s: %w", r, err)
	}
	return nil
}

func (p *Pipeline) metadata(ctx context.Context, uri string) (map[string]any, error) {
	body, err := p.fetcher.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal(body, &meta); err != nil {
		// 内容本身不合法，重投也没用，记录后索引无元数据的文档。
		p.logger.Warn(ctx, "malformed metadata", slog.String("uri", sanitizeURI(uri)), xlog.Err(err))
		return nil, nil
	}
	return meta, nil
}

// RangeMessageID 回填区间的确定性消息 ID，重复发布同一区间得到相同 ID。
func RangeMessageID(r SlotRange) string {
	h := xxhash.New()
	_, _ = h.WriteString(strconv.FormatUint(r.From, 10)) //nolint:errcheck // xxhash 写入不会失败
	_, _ = h.WriteString("-")                            //nolint:errcheck // 同上
	_, _ = h.WriteString(strconv.FormatUint(r.To, 10))   //nolint:errcheck // 同上
	return strconv.FormatUint(h.Sum64(), 16)
}
