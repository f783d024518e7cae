// Package kvstoretest holds the behaviour suite every kvstore.Store backend
// must pass.
package kvstoretest

import (
	"context"
	"errors"
	"testing"

	"github.com/any-hub/offline-hub/internal/kvstore"
)

// Run 针对 newStore 返回的实例执行通用行为测试。
func Run(t *testing.T, newStore func(t *testing.T) kvstore.Store) {
	t.Run("PutGetDelete", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		if _, err := store.Get(ctx, "b", "missing"); !errors.Is(err, kvstore.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := store.Put(ctx, "b", "k1", []byte("v1")); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, err := store.Get(ctx, "b", "k1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(got) != "v1" {
			t.Fatalf("got %q, want v1", got)
		}
		if _, err := store.Get(ctx, "other", "k1"); !errors.Is(err, kvstore.ErrNotFound) {
			t.Fatalf("buckets must be isolated, got %v", err)
		}
		if err := store.Delete(ctx, "b", "k1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := store.Delete(ctx, "b", "k1"); err != nil {
			t.Fatalf("deleting an absent key should not fail: %v", err)
		}
		if _, err := store.Get(ctx, "b", "k1"); !errors.Is(err, kvstore.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("ScanOrderedByPrefix", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for _, key := range []string{"p\x00c", "p\x00a", "q\x00a", "p\x00b", "pz"} {
			if err := store.Put(ctx, "b", key, []byte(key)); err != nil {
				t.Fatalf("put %q: %v", key, err)
			}
		}

		var keys []string
		err := store.Scan(ctx, "b", "p\x00", func(key string, value []byte) error {
			if string(value) != key {
				t.Fatalf("value mismatch for %q: %q", key, value)
			}
			keys = append(keys, key)
			return nil
		})
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		want := []string{"p\x00a", "p\x00b", "p\x00c"}
		if len(keys) != len(want) {
			t.Fatalf("scan keys = %q, want %q", keys, want)
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Fatalf("scan keys = %q, want %q", keys, want)
			}
		}

		var first []string
		err = store.Scan(ctx, "b", "", func(key string, _ []byte) error {
			first = append(first, key)
			return kvstore.ErrStopScan
		})
		if err != nil {
			t.Fatalf("ErrStopScan should end scan without error: %v", err)
		}
		if len(first) != 1 || first[0] != "p\x00a" {
			t.Fatalf("unexpected first key %q", first)
		}
	})

	t.Run("DeleteRange", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for _, key := range []string{"a/1", "a/2", "b/1"} {
			if err := store.Put(ctx, "b", key, []byte("x")); err != nil {
				t.Fatalf("put: %v", err)
			}
		}
		if err := store.DeleteRange(ctx, "b", "a/"); err != nil {
			t.Fatalf("delete range: %v", err)
		}
		count := 0
		_ = store.Scan(ctx, "b", "", func(key string, _ []byte) error {
			count++
			if key != "b/1" {
				t.Fatalf("unexpected survivor %q", key)
			}
			return nil
		})
		if count != 1 {
			t.Fatalf("expected 1 survivor, got %d", count)
		}
	})

	t.Run("UpdateIsAllOrNothing", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		if err := store.Put(ctx, "b", "old", []byte("1")); err != nil {
			t.Fatalf("put: %v", err)
		}
		boom := errors.New("boom")
		err := store.Update(ctx, func(tx kvstore.Tx) error {
			tx.Put("b", "new", []byte("2"))
			tx.Delete("b", "old")
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected fn error to propagate, got %v", err)
		}
		if _, err := store.Get(ctx, "b", "new"); !errors.Is(err, kvstore.ErrNotFound) {
			t.Fatalf("aborted update must not write, got %v", err)
		}

		err = store.Update(ctx, func(tx kvstore.Tx) error {
			tx.Put("b", "new", []byte("2"))
			tx.Put("idx", "new", []byte("b"))
			tx.Delete("b", "old")
			return nil
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if _, err := store.Get(ctx, "b", "old"); !errors.Is(err, kvstore.ErrNotFound) {
			t.Fatalf("old key should be gone, got %v", err)
		}
		if v, err := store.Get(ctx, "idx", "new"); err != nil || string(v) != "b" {
			t.Fatalf("cross-bucket write missing: %q %v", v, err)
		}
	})
}
