package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/any-hub/offline-hub/internal/kvstore"
)

const (
	bucketMeta = "cache-meta"
	bucketAge  = "cache-age"
	sep        = "\x00"
)

// MetadataRecord 是 CacheEntry 在元数据索引中的影子记录。
type MetadataRecord struct {
	TierID   string      `json:"tier_id"`
	Key      string      `json:"key"`
	StoredAt time.Time   `json:"stored_at"`
	Header   http.Header `json:"header,omitempty"`
	Status   int         `json:"status"`
	Size     int64       `json:"size"`
	// Seq 是索引分配的写入序号，StoredAt 相同时按写入先后排序。
	Seq uint64 `json:"seq"`
}

// MetadataIndex 在 KeyValueStore 上维护两类 key：
//
//	cache-meta: <partition>\x00<key>                      -> record
//	cache-age:  <partition>\x00<storedAt 20 位>\x00<seq 20 位>\x00<key>  -> record
//
// 前者用于点查，后者按写入时间升序扫描，供淘汰使用。
type MetadataIndex struct {
	kv  kvstore.Store
	seq atomic.Uint64
}

// NewMetadataIndex 基于给定的 KeyValueStore 构建索引。序号以当前纳秒时间为起点，重启后仍保持递增。
func NewMetadataIndex(kv kvstore.Store) *MetadataIndex {
	m := &MetadataIndex{kv: kv}
	m.seq.Store(uint64(time.Now().UnixNano()))
	return m
}

func metaKey(partition, key string) string {
	return partition + sep + key
}

func ageKey(partition string, storedAt time.Time, seq uint64, key string) string {
	return fmt.Sprintf("%s%s%020d%s%020d%s%s", partition, sep, storedAt.UnixNano(), sep, seq, sep, key)
}

func partitionPrefix(partition string) string {
	return partition + sep
}

// Put 写入或替换记录，同时更新时间索引；两次写入在同一事务内完成。
func (m *MetadataIndex) Put(ctx context.Context, partition string, record MetadataRecord) error {
	prev, err := m.Get(ctx, partition, record.Key)
	if err != nil {
		return err
	}
	record.Seq = m.seq.Add(1)
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return m.kv.Update(ctx, func(tx kvstore.Tx) error {
		if prev != nil {
			tx.Delete(bucketAge, ageKey(partition, prev.StoredAt, prev.Seq, prev.Key))
		}
		tx.Put(bucketMeta, metaKey(partition, record.Key), raw)
		tx.Put(bucketAge, ageKey(partition, record.StoredAt, record.Seq, record.Key), raw)
		return nil
	})
}

// Get 返回记录；不存在时返回 (nil, nil)。
func (m *MetadataIndex) Get(ctx context.Context, partition, key string) (*MetadataRecord, error) {
	raw, err := m.kv.Get(ctx, bucketMeta, metaKey(partition, key))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record MetadataRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &record, nil
}

// Delete 删除记录及其时间索引，记录不存在时不报错。
func (m *MetadataIndex) Delete(ctx context.Context, partition, key string) error {
	prev, err := m.Get(ctx, partition, key)
	if err != nil {
		return err
	}
	if prev == nil {
		return nil
	}
	return m.kv.Update(ctx, func(tx kvstore.Tx) error {
		tx.Delete(bucketMeta, metaKey(partition, key))
		tx.Delete(bucketAge, ageKey(partition, prev.StoredAt, prev.Seq, key))
		return nil
	})
}

// ListByTier 按 StoredAt 升序返回分区内全部记录（同一时间戳按写入先后排序）。
func (m *MetadataIndex) ListByTier(ctx context.Context, partition string) ([]MetadataRecord, error) {
	var records []MetadataRecord
	err := m.kv.Scan(ctx, bucketAge, partitionPrefix(partition), func(_ string, value []byte) error {
		var record MetadataRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
		records = append(records, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Count 返回分区内的记录数。
func (m *MetadataIndex) Count(ctx context.Context, partition string) (int, error) {
	count := 0
	err := m.kv.Scan(ctx, bucketMeta, partitionPrefix(partition), func(string, []byte) error {
		count++
		return nil
	})
	return count, err
}

// DeleteRange 清空整个分区的记录。
func (m *MetadataIndex) DeleteRange(ctx context.Context, partition string) error {
	if err := m.kv.DeleteRange(ctx, bucketMeta, partitionPrefix(partition)); err != nil {
		return err
	}
	return m.kv.DeleteRange(ctx, bucketAge, partitionPrefix(partition))
}

// Partitions 返回索引中出现过的全部分区名（升序、去重）。
func (m *MetadataIndex) Partitions(ctx context.Context) ([]string, error) {
	var partitions []string
	err := m.kv.Scan(ctx, bucketMeta, "", func(key string, _ []byte) error {
		partition, _, ok := strings.Cut(key, sep)
		if !ok {
			return nil
		}
		if n := len(partitions); n == 0 || partitions[n-1] != partition {
			partitions = append(partitions, partition)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return partitions, nil
}
