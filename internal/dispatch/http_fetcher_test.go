package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewUpstreamClientUsesTimeout(t *testing.T) {
	client := NewUpstreamClient(5 * time.Second)
	if client.Timeout != 5*time.Second {
		t.Fatalf("unexpected timeout %s", client.Timeout)
	}
	if client.Transport == nil {
		t.Fatalf("transport should be configured")
	}
	if NewUpstreamClient(0).Timeout != 30*time.Second {
		t.Fatalf("zero timeout should fall back to 30s")
	}
}

func TestCopyHeadersStripsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test", "1")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, ok := dst["Connection"]; ok {
		t.Fatalf("hop-by-hop header should be stripped")
	}
	if dst.Get("X-Test") != "1" {
		t.Fatalf("custom header should be preserved")
	}
}

func TestHTTPFetcherResolvesAgainstBasePath(t *testing.T) {
	var gotPath, gotQuery, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"o-1"}`))
	}))
	defer upstream.Close()

	fetcher, err := NewHTTPFetcher(upstream.Client(), upstream.URL+"/shop/")
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	resp, err := fetcher.Do(context.Background(), Request{
		Method: http.MethodPost,
		Target: "/api/orders?src=app",
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(`{"sku":"A"}`),
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if gotPath != "/shop/api/orders" || gotQuery != "src=app" {
		t.Fatalf("unexpected upstream url %s?%s", gotPath, gotQuery)
	}
	if gotBody != `{"sku":"A"}` {
		t.Fatalf("body not forwarded: %q", gotBody)
	}
	if resp.Status != http.StatusCreated || string(resp.Body) != `{"id":"o-1"}` {
		t.Fatalf("unexpected response %d %q", resp.Status, resp.Body)
	}
	if resp.Header.Get("Connection") != "" {
		t.Fatalf("hop-by-hop response header should be stripped")
	}
}

func TestNewHTTPFetcherRejectsRelative(t *testing.T) {
	if _, err := NewHTTPFetcher(nil, "/relative"); err == nil {
		t.Fatalf("relative upstream should be rejected")
	}
}

func TestLoadPlaceholder(t *testing.T) {
	page, err := LoadPlaceholder("")
	if err != nil || len(page) == 0 {
		t.Fatalf("bundled placeholder should be available: %v", err)
	}
	if _, err := LoadPlaceholder("/does/not/exist.html"); err == nil {
		t.Fatalf("missing override should fail")
	}
}
