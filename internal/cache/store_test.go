package cache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sort"
	"syscall"
	"testing"
)

func TestStorePutAndGet(t *testing.T) {
	store := newTestStore(t)
	header := http.Header{"Content-Type": []string{"application/json"}}

	payload := Payload{Status: http.StatusOK, Header: header, Body: []byte(`{"sku":"A-1"}`)}
	if err := store.Put(context.Background(), "api-v1", "GET /products/1", payload); err != nil {
		t.Fatalf("put error: %v", err)
	}

	got, err := store.Get(context.Background(), "api-v1", "GET /products/1")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if string(got.Body) != string(payload.Body) {
		t.Fatalf("cached payload mismatch: %s", string(got.Body))
	}
	if got.Status != http.StatusOK {
		t.Fatalf("status mismatch: %d", got.Status)
	}
	if got.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("header mismatch: %v", got.Header)
	}
}

func TestStoreBodyWithNewlines(t *testing.T) {
	store := newTestStore(t)
	body := []byte("line1\nline2\n\nline4")
	if err := store.Put(context.Background(), "static-v1", "/index.html", Payload{Status: 200, Body: body}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	got, err := store.Get(context.Background(), "static-v1", "/index.html")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if string(got.Body) != string(body) {
		t.Fatalf("body mismatch: %q", got.Body)
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "api-v1", "/missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRemove(t *testing.T) {
	store := newTestStore(t)
	if err := store.Put(context.Background(), "api-v1", "/cache/remove", Payload{Status: 200, Body: []byte("data")}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Delete(context.Background(), "api-v1", "/cache/remove"); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := store.Get(context.Background(), "api-v1", "/cache/remove"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
	if ok, err := store.Has(context.Background(), "api-v1", "/cache/remove"); err != nil || ok {
		t.Fatalf("Has after delete = %v, %v", ok, err)
	}
}

func TestStoreKeysAndClear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, key := range []string{"/a", "/b?x=1", "/c"} {
		if err := store.Put(ctx, "images-v1", key, Payload{Status: 200, Body: []byte(key)}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if err := store.Put(ctx, "images-v2", "/a", Payload{Status: 200}); err != nil {
		t.Fatalf("put other partition: %v", err)
	}

	keys, err := store.Keys(ctx, "images-v1")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 3 || keys[0] != "/a" || keys[1] != "/b?x=1" || keys[2] != "/c" {
		t.Fatalf("unexpected keys %v", keys)
	}

	if err := store.Clear(ctx, "images-v1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	keys, err = store.Keys(ctx, "images-v1")
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected empty partition, got %v (%v)", keys, err)
	}
	if ok, _ := store.Has(ctx, "images-v2", "/a"); !ok {
		t.Fatalf("clearing one partition must not touch another")
	}
}

func TestStoreIgnoresDirectories(t *testing.T) {
	store := newTestStore(t)

	fs, ok := store.(*fileStore)
	if !ok {
		t.Fatalf("unexpected store type %T", store)
	}

	filePath, err := fs.entryPath("api-v1", "/v2")
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if err := os.MkdirAll(filePath, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	if ok, err := store.Has(context.Background(), "api-v1", "/v2"); err != nil || ok {
		t.Fatalf("directories must not count as entries: %v %v", ok, err)
	}
}

func TestStoreRejectsBadPartition(t *testing.T) {
	store := newTestStore(t)
	for _, partition := range []string{"", "..", "a/b"} {
		if err := store.Put(context.Background(), partition, "/k", Payload{}); err == nil {
			t.Fatalf("partition %q should be rejected", partition)
		}
	}
}

func TestMapStorageError(t *testing.T) {
	if err := mapStorageError(syscall.ENOSPC); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("ENOSPC should map to ErrQuotaExceeded, got %v", err)
	}
	other := errors.New("boom")
	if err := mapStorageError(other); err != other {
		t.Fatalf("other errors must pass through, got %v", err)
	}
}

// newTestStore returns a ContentStore backed by a temporary directory.
func newTestStore(t *testing.T) ContentStore {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}
