package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/omeyang/xindex/pkg/observability/xmetrics"
	"github.com/omeyang/xindex/pkg/resilience/xretry"
)

const (
	// DefaultFetchTimeout 单次请求超时。
	DefaultFetchTimeout = 10 * time.Second
	// DefaultMaxBodyBytes 响应体上限。
	DefaultMaxBodyBytes = 1 << 20
)

// ErrFetch 元数据抓取失败。
var ErrFetch = errors.New("ingest: fetch failed")

// StatusError 非 2xx 响应。
type StatusError struct {
	URI  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ingest: fetch %s: status %d", e.URI, e.Code)
}

// Retryable 只有 5xx 和 429 值得重试。
func (e *StatusError) Retryable() bool {
	return e.Code >= http.StatusInternalServerError || e.Code == http.StatusTooManyRequests
}

// HTTPFetcher 通过 HTTP GET 抓取链下元数据。
type HTTPFetcher struct {
	client   *http.Client
	retryer  *xretry.Retryer
	observer xmetrics.Observer
	maxBody  int64
	cache    *ristretto.Cache[string, []byte]
	cacheTTL time.Duration
}

var _ Fetcher = (*HTTPFetcher)(nil)

// FetcherOption 配置 HTTPFetcher。
type FetcherOption func(*HTTPFetcher)

// WithHTTPClient 替换底层 http.Client。
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *HTTPFetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithFetchRetryer 设置重试器。
func WithFetchRetryer(r *xretry.Retryer) FetcherOption {
	return func(f *HTTPFetcher) {
		if r != nil {
			f.retryer = r
		}
	}
}

// WithFetchObserver 设置观测器。
func WithFetchObserver(o xmetrics.Observer) FetcherOption {
	return func(f *HTTPFetcher) {
		if o != nil {
			f.observer = o
		}
	}
}

// WithMaxBodyBytes 限制响应体大小，超出部分被截断后按解析失败处理。
func WithMaxBodyBytes(n int64) FetcherOption {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxBody = n
		}
	}
}

// WithFetchCache 用 cache 缓存成功的响应体，ttl 为 0 表示不过期。
// cache 由调用方创建和关闭，以响应体长度作为 cost。
func WithFetchCache(cache *ristretto.Cache[string, []byte], ttl time.Duration) FetcherOption {
	return func(f *HTTPFetcher) {
		f.cache = cache
		f.cacheTTL = ttl
	}
}

// NewFetchCache 创建容量为 maxBytes 的响应缓存。
func NewFetchCache(maxBytes int64) (*ristretto.Cache[string, []byte], error) {
	return ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(maxBytes/1024*10, 1000), // 按平均 1KB 估算条目数的 10 倍
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
}

// NewHTTPFetcher 创建 HTTPFetcher，默认 3 次尝试、指数退避。
func NewHTTPFetcher(opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{Timeout: DefaultFetchTimeout},
		retryer: xretry.NewRetryer(
			xretry.WithRetryPolicy(xretry.NewFixedRetry(3)),
			xretry.WithBackoffPolicy(xretry.NewExponentialBackoff(
				xretry.WithInitialDelay(100*time.Millisecond),
				xretry.WithMaxDelay(2*time.Second),
			)),
		),
		observer: xmetrics.NoopObserver{},
		maxBody:  DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Fetch 抓取 uri 内容。只接受 http/https。
func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) (body []byte, err error) {
	if !isHTTP(uri) {
		return nil, fmt.Errorf("%w: unsupported uri %q", ErrFetch, uri)
	}
	if f.cache != nil {
		if cached, ok := f.cache.Get(uri); ok {
			return cached, nil
		}
	}
	ctx, span := xmetrics.Start(ctx, f.observer, xmetrics.SpanOptions{
		Component: "ingest",
		Operation: "fetch",
		Kind:      xmetrics.KindClient,
		Attrs:     []xmetrics.Attr{xmetrics.String("uri", sanitizeURI(uri))},
	})
	defer func() { span.End(xmetrics.Result{Err: err}) }()

	err = f.retryer.Do(ctx, func(ctx context.Context) error {
		var e error
		body, e = f.get(ctx, uri)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if f.cache != nil {
		f.cache.SetWithTTL(uri, body, int64(len(body))+1, f.cacheTTL)
	}
	return body, nil
}

func (f *HTTPFetcher) get(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, xretry.NewPermanentError(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // 读完即关，错误无处传播

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, f.maxBody)) //nolint:errcheck // 复用连接
		return nil, &StatusError{URI: sanitizeURI(uri), Code: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
}

func isHTTP(uri string) bool {
	lower := strings.ToLower(uri)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// sanitizeURI 去掉查询参数，避免观测属性高基数。
func sanitizeURI(uri string) string {
	if path, _, found := strings.Cut(uri, "?"); found {
		return path
	}
	return uri
}
