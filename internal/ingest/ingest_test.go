package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xindex/pkg/mq/xconsumer"
	"github.com/omeyang/xindex/pkg/observability/xlog"
	"github.com/omeyang/xindex/pkg/resilience/xretry"
)

func quietLogger(t *testing.T) xlog.Logger {
	t.Helper()
	l, _, err := xlog.New().SetOutput(io.Discard).Build()
	require.NoError(t, err)
	return l
}

func TestVersionNewer(t *testing.T) {
	tests := []struct {
		name string
		a, b Version
		want bool
	}{
		{"higher slot", Version{2, 0}, Version{1, 9}, true},
		{"lower slot", Version{1, 9}, Version{2, 0}, false},
		{"same slot higher write", Version{1, 2}, Version{1, 1}, true},
		{"equal", Version{1, 1}, Version{1, 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Newer(tt.b))
		})
	}
}

func TestSlotRangeSplit(t *testing.T) {
	l, r, ok := SlotRange{From: 10, To: 15}.Split()
	require.True(t, ok)
	assert.Equal(t, SlotRange{From: 10, To: 12}, l)
	assert.Equal(t, SlotRange{From: 12, To: 15}, r)
	assert.Equal(t, uint64(5), l.Len()+r.Len())

	_, _, ok = SlotRange{From: 3, To: 4}.Split()
	assert.False(t, ok)
	assert.Zero(t, SlotRange{From: 5, To: 1}.Len())
	assert.Equal(t, "[10,15)", SlotRange{From: 10, To: 15}.String())
}

func TestRangeMessageID(t *testing.T) {
	a := RangeMessageID(SlotRange{From: 1, To: 100})
	assert.Equal(t, a, RangeMessageID(SlotRange{From: 1, To: 100}))
	assert.NotEqual(t, a, RangeMessageID(SlotRange{From: 1, To: 101}))
	assert.NotEqual(t, RangeMessageID(SlotRange{From: 11, To: 1}), RangeMessageID(SlotRange{From: 1, To: 11}))
}

func TestMemoryWriter_LastWriteWins(t *testing.T) {
	w, err := NewMemoryWriter(16)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, w.WriteAccount(ctx, AccountUpdate{Pubkey: "a", Slot: 5, WriteVersion: 1, Lamports: 10}))
	require.NoError(t, w.WriteAccount(ctx, AccountUpdate{Pubkey: "a", Slot: 5, WriteVersion: 2, Lamports: 20}))
	assert.ErrorIs(t, w.WriteAccount(ctx, AccountUpdate{Pubkey: "a", Slot: 4, WriteVersion: 9, Lamports: 30}), ErrStale)
	assert.ErrorIs(t, w.WriteAccount(ctx, AccountUpdate{Pubkey: "a", Slot: 5, WriteVersion: 2, Lamports: 40}), ErrStale)

	got, ok := w.Account("a")
	require.True(t, ok)
	assert.Equal(t, uint64(20), got.Lamports)
	assert.Equal(t, 1, w.Accounts())
}

func TestMemoryWriter_Eviction(t *testing.T) {
	w, err := NewMemoryWriter(2)
	require.NoError(t, err)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, w.WriteAccount(ctx, AccountUpdate{Pubkey: k, Slot: 1}))
	}
	assert.Equal(t, 2, w.Accounts())
	assert.Equal(t, int64(1), w.Evicted())
	_, ok := w.Account("a")
	assert.False(t, ok)
}

func TestMemoryWriter_SlotsIdempotent(t *testing.T) {
	w, err := NewMemoryWriter(1)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, w.WriteSlots(ctx, SlotRange{From: 0, To: 10}))
	require.NoError(t, w.WriteSlots(ctx, SlotRange{From: 0, To: 10}))
	require.NoError(t, w.WriteSlots(ctx, SlotRange{From: 10, To: 15}))
	assert.Equal(t, uint64(15), w.Slots())
}

func TestMemoryWriter_Errors(t *testing.T) {
	_, err := NewMemoryWriter(0)
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	w, err := NewMemoryWriter(1)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.WriteAccount(ctx, AccountUpdate{Pubkey: "a"}), context.Canceled)
	assert.ErrorIs(t, w.WriteSlots(ctx, SlotRange{From: 0, To: 1}), context.Canceled)
}

func fastFetcher(opts ...FetcherOption) *HTTPFetcher {
	return NewHTTPFetcher(append([]FetcherOption{
		WithFetchRetryer(xretry.NewRetryer(
			xretry.WithRetryPolicy(xretry.NewFixedRetry(3)),
			xretry.WithBackoffPolicy(xretry.NewNoBackoff()),
		)),
	}, opts...)...)
}

func TestHTTPFetcher(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		switch r.URL.Path {
		case "/flaky":
			if n < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = io.WriteString(w, `{"name":"ok"}`)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/big":
			_, _ = io.WriteString(w, strings.Repeat("x", 64))
		default:
			_, _ = io.WriteString(w, `{}`)
		}
	}))
	t.Cleanup(srv.Close)
	ctx := context.Background()

	t.Run("retries 5xx", func(t *testing.T) {
		hits.Store(0)
		body, err := fastFetcher().Fetch(ctx, srv.URL+"/flaky?token=x")
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"ok"}`, string(body))
		assert.Equal(t, int32(3), hits.Load())
	})

	t.Run("4xx is final", func(t *testing.T) {
		hits.Store(0)
		_, err := fastFetcher().Fetch(ctx, srv.URL+"/missing")
		require.ErrorIs(t, err, ErrFetch)
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusNotFound, se.Code)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("body limit", func(t *testing.T) {
		body, err := fastFetcher(WithMaxBodyBytes(8)).Fetch(ctx, srv.URL+"/big")
		require.NoError(t, err)
		assert.Len(t, body, 8)
	})

	t.Run("cache serves repeated uri", func(t *testing.T) {
		cache, err := NewFetchCache(1 << 20)
		require.NoError(t, err)
		defer cache.Close()
		f := fastFetcher(WithFetchCache(cache, time.Minute))

		hits.Store(0)
		_, err = f.Fetch(ctx, srv.URL+"/doc")
		require.NoError(t, err)
		cache.Wait()
		body, err := f.Fetch(ctx, srv.URL+"/doc")
		require.NoError(t, err)
		assert.Equal(t, "{}", string(body))
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := fastFetcher().Fetch(ctx, "ipfs://abc")
		assert.ErrorIs(t, err, ErrFetch)
	})
}

func TestStatusErrorRetryable(t *testing.T) {
	assert.True(t, (&StatusError{Code: 503}).Retryable())
	assert.True(t, (&StatusError{Code: 429}).Retryable())
	assert.False(t, (&StatusError{Code: 400}).Retryable())
	assert.False(t, xretry.IsRetryable(&StatusError{Code: 404}))
}

type recordingSearch struct {
	mu   sync.Mutex
	docs []SearchDocument
	err  error
}

func (r *recordingSearch) Dispatch(_ context.Context, doc SearchDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.docs = append(r.docs, doc)
	return nil
}

type stubFetcher struct {
	body []byte
	err  error
}

func (s stubFetcher) Fetch(context.Context, string) ([]byte, error) { return s.body, s.err }

func TestPipeline_HandleAccount(t *testing.T) {
	ctx := context.Background()
	d := xconsumer.Delivery{MessageID: "m1"}

	newPipeline := func(t *testing.T, f Fetcher, s SearchDispatcher) (*Pipeline, *MemoryWriter) {
		t.Helper()
		w, err := NewMemoryWriter(8)
		require.NoError(t, err)
		p, err := NewPipeline(w, WithSearch(s), WithFetcher(f), WithPipelineLogger(quietLogger(t)))
		require.NoError(t, err)
		return p, w
	}

	t.Run("writes and dispatches with metadata", func(t *testing.T) {
		s := &recordingSearch{}
		p, w := newPipeline(t, stubFetcher{body: []byte(`{"symbol":"X"}`)}, s)
		u := AccountUpdate{Pubkey: "a", Owner: "o", Slot: 3, MetadataURI: "https://m/a"}
		require.NoError(t, p.HandleAccount(ctx, u, d))
		_, ok := w.Account("a")
		assert.True(t, ok)
		require.Len(t, s.docs, 1)
		assert.Equal(t, "X", s.docs[0].Metadata["symbol"])
	})

	t.Run("stale update is acknowledged without dispatch", func(t *testing.T) {
		s := &recordingSearch{}
		p, _ := newPipeline(t, nil, s)
		require.NoError(t, p.HandleAccount(ctx, AccountUpdate{Pubkey: "a", Slot: 3}, d))
		require.NoError(t, p.HandleAccount(ctx, AccountUpdate{Pubkey: "a", Slot: 2}, d))
		assert.Len(t, s.docs, 1)
	})

	t.Run("fetch failure is returned", func(t *testing.T) {
		p, _ := newPipeline(t, stubFetcher{err: ErrFetch}, &recordingSearch{})
		err := p.HandleAccount(ctx, AccountUpdate{Pubkey: "a", Slot: 1, MetadataURI: "https://m/a"}, d)
		assert.ErrorIs(t, err, ErrFetch)
	})

	t.Run("malformed metadata is indexed without it", func(t *testing.T) {
		s := &recordingSearch{}
		p, _ := newPipeline(t, stubFetcher{body: []byte("not json")}, s)
		require.NoError(t, p.HandleAccount(ctx, AccountUpdate{Pubkey: "a", Slot: 1, MetadataURI: "https://m/a"}, d))
		require.Len(t, s.docs, 1)
		assert.Nil(t, s.docs[0].Metadata)
	})

	t.Run("dispatch failure is returned", func(t *testing.T) {
		boom := errors.New("boom")
		p, _ := newPipeline(t, nil, &recordingSearch{err: boom})
		assert.ErrorIs(t, p.HandleAccount(ctx, AccountUpdate{Pubkey: "a", Slot: 1}, d), boom)
	})

	t.Run("missing pubkey", func(t *testing.T) {
		p, _ := newPipeline(t, nil, nil)
		assert.Error(t, p.HandleAccount(ctx, AccountUpdate{}, d))
	})
}

func TestPipeline_HandleSlots(t *testing.T) {
	w, err := NewMemoryWriter(1)
	require.NoError(t, err)
	p, err := NewPipeline(w)
	require.NoError(t, err)

	require.NoError(t, p.HandleSlots(context.Background(), SlotRange{From: 0, To: 4}, xconsumer.Delivery{}))
	assert.Error(t, p.HandleSlots(context.Background(), SlotRange{From: 4, To: 4}, xconsumer.Delivery{}))
	assert.Equal(t, uint64(4), w.Slots())

	_, err = NewPipeline(nil)
	assert.ErrorIs(t, err, ErrNilWriter)
}

func TestLogDispatcher(t *testing.T) {
	d := NewLogDispatcher(quietLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, d.Dispatch(ctx, SearchDocument{ID: "a"}))
}
