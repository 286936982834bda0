package ingest

import (
	"context"
	"log/slog"

	"github.com/omeyang/xindex/pkg/observability/xlog"
)

// LogDispatcher 把搜索文档写到日志，未接入搜索集群时使用。
type LogDispatcher struct {
	logger xlog.Logger
}

var _ SearchDispatcher = (*LogDispatcher)(nil)

// NewLogDispatcher 创建 LogDispatcher，logger 为 nil 时使用全局 logger。
func NewLogDispatcher(logger xlog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: xlog.OrDefault(logger)}
}

// Dispatch 以 Debug 级别记录文档。
func (d *LogDispatcher) Dispatch(ctx context.Context, doc SearchDocument) error {
	d.logger.Debug(ctx, "search document",
		slog.String("id", doc.ID),
		slog.String("owner", doc.Owner),
		slog.Uint64("slot", doc.Slot),
		slog.Int("metadata_fields", len(doc.Metadata)),
	)
	return nil
}
