package cache

import (
	"context"
	"testing"
	"time"

	"github.com/any-hub/offline-hub/internal/kvstore"
)

func TestMetadataIndexOrdersByStoredAt(t *testing.T) {
	index := NewMetadataIndex(kvstore.NewMemory())
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()

	records := []MetadataRecord{
		{TierID: "api", Key: "/late", StoredAt: base.Add(2 * time.Second), Status: 200},
		{TierID: "api", Key: "/early", StoredAt: base, Status: 200},
		{TierID: "api", Key: "/middle", StoredAt: base.Add(time.Second), Status: 200},
	}
	for _, record := range records {
		if err := index.Put(ctx, "api-v1", record); err != nil {
			t.Fatalf("put %s: %v", record.Key, err)
		}
	}

	listed, err := index.ListByTier(ctx, "api-v1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 3 || listed[0].Key != "/early" || listed[1].Key != "/middle" || listed[2].Key != "/late" {
		t.Fatalf("unexpected order: %+v", listed)
	}
}

func TestMetadataIndexReplaceKeepsSingleAgeEntry(t *testing.T) {
	index := NewMetadataIndex(kvstore.NewMemory())
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()

	if err := index.Put(ctx, "api-v1", MetadataRecord{Key: "/k", StoredAt: base}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := index.Put(ctx, "api-v1", MetadataRecord{Key: "/k", StoredAt: base.Add(time.Minute), Size: 9}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	listed, _ := index.ListByTier(ctx, "api-v1")
	if len(listed) != 1 || listed[0].Size != 9 {
		t.Fatalf("replace should leave one record, got %+v", listed)
	}
	count, _ := index.Count(ctx, "api-v1")
	if count != 1 {
		t.Fatalf("count = %d", count)
	}
}

func TestMetadataIndexPartitionsAreIsolated(t *testing.T) {
	index := NewMetadataIndex(kvstore.NewMemory())
	ctx := context.Background()
	now := time.Now().UTC()

	_ = index.Put(ctx, "api-v1", MetadataRecord{Key: "/a", StoredAt: now})
	_ = index.Put(ctx, "api-v10", MetadataRecord{Key: "/a", StoredAt: now})

	if err := index.DeleteRange(ctx, "api-v1"); err != nil {
		t.Fatalf("delete range: %v", err)
	}
	if count, _ := index.Count(ctx, "api-v1"); count != 0 {
		t.Fatalf("api-v1 should be empty, got %d", count)
	}
	if count, _ := index.Count(ctx, "api-v10"); count != 1 {
		t.Fatalf("api-v10 must survive, got %d", count)
	}
}

func TestMetadataIndexDelete(t *testing.T) {
	index := NewMetadataIndex(kvstore.NewMemory())
	ctx := context.Background()

	if err := index.Delete(ctx, "api-v1", "/missing"); err != nil {
		t.Fatalf("deleting a missing record should be a no-op: %v", err)
	}
	_ = index.Put(ctx, "api-v1", MetadataRecord{Key: "/k", StoredAt: time.Now().UTC()})
	if err := index.Delete(ctx, "api-v1", "/k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	record, err := index.Get(ctx, "api-v1", "/k")
	if err != nil || record != nil {
		t.Fatalf("expected nil record, got %+v (%v)", record, err)
	}
	listed, _ := index.ListByTier(ctx, "api-v1")
	if len(listed) != 0 {
		t.Fatalf("age index should be empty, got %+v", listed)
	}
}

func TestMetadataIndexBreaksTimestampTiesByWriteOrder(t *testing.T) {
	index := NewMetadataIndex(kvstore.NewMemory())
	ctx := context.Background()
	stamp := time.Unix(1_700_000_000, 0).UTC()

	// "/z" 先写入，"/a" 后写入，两者时间戳相同。
	for _, key := range []string{"/z", "/a"} {
		if err := index.Put(ctx, "api-v1", MetadataRecord{Key: key, StoredAt: stamp}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	listed, err := index.ListByTier(ctx, "api-v1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 || listed[0].Key != "/z" || listed[1].Key != "/a" {
		t.Fatalf("same timestamp should keep write order, got %+v", listed)
	}
	if listed[0].Seq >= listed[1].Seq {
		t.Fatalf("seq should increase: %d then %d", listed[0].Seq, listed[1].Seq)
	}

	if err := index.Delete(ctx, "api-v1", "/z"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	listed, _ = index.ListByTier(ctx, "api-v1")
	if len(listed) != 1 || listed[0].Key != "/a" {
		t.Fatalf("delete should drop the age entry too, got %+v", listed)
	}
}

func TestMetadataIndexListsPartitions(t *testing.T) {
	index := NewMetadataIndex(kvstore.NewMemory())
	ctx := context.Background()
	for _, partition := range []string{"static-v1", "api-v1", "api-v1", "api-v2"} {
		key := "/" + partition + "/" + time.Now().Format(time.RFC3339Nano)
		if err := index.Put(ctx, partition, MetadataRecord{Key: key, StoredAt: time.Now()}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	partitions, err := index.Partitions(ctx)
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}
	if len(partitions) != 3 || partitions[0] != "api-v1" || partitions[1] != "api-v2" || partitions[2] != "static-v1" {
		t.Fatalf("unexpected partitions %v", partitions)
	}
}
