package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/kvstore"
	"github.com/any-hub/offline-hub/internal/tier"
)

type stubFetcher struct {
	mu     sync.Mutex
	calls  atomic.Int32
	status int
	body   string
	err    error
}

func (s *stubFetcher) set(status int, body string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status, s.body, s.err = status, body, err
}

func (s *stubFetcher) Do(_ context.Context, _ Request) (*Response, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &Response{
		Status: s.status,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(s.body),
	}, nil
}

type dispatchFixture struct {
	dispatcher *Dispatcher
	cache      *cache.Service
	fetcher    *stubFetcher
	spans      *tracetest.SpanRecorder
}

func newDispatchFixture(t *testing.T, rules ...Rule) dispatchFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registry := tier.NewRegistry()
	registry.MustRegister(tier.Config{ID: "static", MaxAge: time.Hour, MaxEntries: 10})
	registry.MustRegister(tier.Config{ID: "api", MaxAge: time.Hour, MaxEntries: 10})
	content, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("content store: %v", err)
	}
	svc, err := cache.NewService(cache.ServiceOptions{
		Registry: registry,
		Content:  content,
		Index:    cache.NewMetadataIndex(kvstore.NewMemory()),
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("cache service: %v", err)
	}

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	fetcher := &stubFetcher{status: http.StatusOK, body: `{"ok":true}`}
	d, err := New(Options{
		Cache:          svc,
		Fetcher:        fetcher,
		Classifier:     NewClassifier(rules, Rule{Tier: "api"}),
		Placeholder:    []byte("<h1>offline</h1>"),
		Logger:         logger,
		TracerProvider: tp,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return dispatchFixture{dispatcher: d, cache: svc, fetcher: fetcher, spans: rec}
}

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	f := newDispatchFixture(t, Rule{Pattern: "/static/**", Strategy: CacheFirst, Tier: "static"})
	ctx := context.Background()
	if err := f.cache.Put(ctx, "static", "/static/app.js", cache.Payload{Status: 200, Body: []byte("cached")}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	resp, err := f.dispatcher.Fetch(ctx, Request{Method: http.MethodGet, Target: "/static/app.js"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.Source != SourceCache || string(resp.Body) != "cached" {
		t.Fatalf("expected cached body, got %s %q", resp.Source, resp.Body)
	}
	if n := f.fetcher.calls.Load(); n != 0 {
		t.Fatalf("cache hit must not touch the network, calls=%d", n)
	}
}

func TestCacheFirstMissCachesAsynchronously(t *testing.T) {
	f := newDispatchFixture(t, Rule{Pattern: "/static/**", Strategy: CacheFirst, Tier: "static"})
	ctx := context.Background()
	f.fetcher.set(http.StatusOK, "fresh", nil)

	resp, err := f.dispatcher.Fetch(ctx, Request{Method: http.MethodGet, Target: "/static/app.css"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.Source != SourceNetwork || string(resp.Body) != "fresh" {
		t.Fatalf("expected network body, got %s %q", resp.Source, resp.Body)
	}

	f.dispatcher.Settle()
	entry, err := f.cache.Get(ctx, "static", "/static/app.css")
	if err != nil {
		t.Fatalf("response should be cached after settle: %v", err)
	}
	if string(entry.Payload.Body) != "fresh" {
		t.Fatalf("cached body mismatch %q", entry.Payload.Body)
	}
}

func TestCacheFirstFailureFallsBack(t *testing.T) {
	f := newDispatchFixture(t, Rule{Pattern: "/**", Strategy: CacheFirst, Tier: "static"})
	ctx := context.Background()
	f.fetcher.set(0, "", errors.New("connection refused"))

	resp, err := f.dispatcher.Fetch(ctx, Request{Method: http.MethodGet, Target: "/catalog", Navigational: true})
	if err != nil {
		t.Fatalf("navigational request should get the placeholder: %v", err)
	}
	if resp.Source != SourcePlaceholder || string(resp.Body) != "<h1>offline</h1>" {
		t.Fatalf("unexpected placeholder response %+v", resp)
	}

	if _, err := f.dispatcher.Fetch(ctx, Request{Method: http.MethodGet, Target: "/catalog.json"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	f := newDispatchFixture(t, Rule{Pattern: "/api/**", Strategy: NetworkFirst, Tier: "api"})
	ctx := context.Background()
	req := Request{Method: http.MethodGet, Target: "/api/products?page=1"}

	f.fetcher.set(http.StatusOK, "v1", nil)
	if resp, err := f.dispatcher.Fetch(ctx, req); err != nil || resp.Source != SourceNetwork {
		t.Fatalf("first fetch should hit network: %+v %v", resp, err)
	}

	f.fetcher.set(http.StatusBadGateway, "bad gateway", nil)
	resp, err := f.dispatcher.Fetch(ctx, req)
	if err != nil {
		t.Fatalf("5xx should fall back to cache: %v", err)
	}
	if resp.Source != SourceCache || string(resp.Body) != "v1" {
		t.Fatalf("expected cached v1, got %s %q", resp.Source, resp.Body)
	}
}

func TestNetworkFirstUnavailable(t *testing.T) {
	f := newDispatchFixture(t)
	f.fetcher.set(0, "", context.DeadlineExceeded)
	_, err := f.dispatcher.Fetch(context.Background(), Request{Method: http.MethodGet, Target: "/api/cart"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestClientErrorsAreNotCached(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	f.fetcher.set(http.StatusNotFound, "missing", nil)

	resp, err := f.dispatcher.Fetch(ctx, Request{Method: http.MethodGet, Target: "/api/missing"})
	if err != nil {
		t.Fatalf("4xx is a valid answer: %v", err)
	}
	if resp.Status != http.StatusNotFound || resp.Source != SourceNetwork {
		t.Fatalf("unexpected response %+v", resp)
	}
	if _, err := f.cache.Get(ctx, "api", "/api/missing"); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("4xx must not be cached, got %v", err)
	}
}

func TestNonGetBypassesCache(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	resp, err := f.dispatcher.Fetch(ctx, Request{Method: http.MethodPost, Target: "/api/newsletter", Body: []byte(`{}`)})
	if err != nil || resp.Source != SourceNetwork {
		t.Fatalf("post should pass through: %+v %v", resp, err)
	}
	if size, _ := f.cache.Size(ctx, "api"); size != 0 {
		t.Fatalf("non-GET responses must not be cached, size=%d", size)
	}

	f.fetcher.set(0, "", errors.New("offline"))
	if _, err := f.dispatcher.Fetch(ctx, Request{Method: http.MethodPost, Target: "/api/newsletter"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for failed POST, got %v", err)
	}
}

func TestFetchRecordsSpan(t *testing.T) {
	f := newDispatchFixture(t, Rule{Pattern: "/static/**", Strategy: CacheFirst, Tier: "static"})
	if _, err := f.dispatcher.Fetch(context.Background(), Request{Method: http.MethodGet, Target: "/static/a.js"}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	f.dispatcher.Settle()

	spans := f.spans.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "dispatch.Fetch" {
		t.Fatalf("unexpected span name %q", spans[0].Name())
	}
	want := map[attribute.Key]string{
		"offline_hub.strategy": "cache-first",
		"offline_hub.tier":     "static",
		"offline_hub.source":   "network",
	}
	for _, kv := range spans[0].Attributes() {
		if expected, ok := want[kv.Key]; ok {
			if kv.Value.AsString() != expected {
				t.Fatalf("attribute %s = %q, want %q", kv.Key, kv.Value.AsString(), expected)
			}
			delete(want, kv.Key)
		}
	}
	if len(want) != 0 {
		t.Fatalf("missing span attributes: %v", want)
	}
}

func TestPrecacheStoresSynchronously(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	f.fetcher.set(http.StatusOK, "body{}", nil)
	if err := f.dispatcher.Precache(ctx, "static", "/static/app.css"); err != nil {
		t.Fatalf("precache: %v", err)
	}
	entry, err := f.cache.Get(ctx, "static", "/static/app.css")
	if err != nil || string(entry.Payload.Body) != "body{}" {
		t.Fatalf("precached entry missing: %+v %v", entry, err)
	}

	f.fetcher.set(http.StatusNotFound, "", nil)
	var statusErr *UpstreamStatusError
	if err := f.dispatcher.Precache(ctx, "static", "/static/missing.css"); !errors.As(err, &statusErr) {
		t.Fatalf("expected UpstreamStatusError, got %v", err)
	}
}
