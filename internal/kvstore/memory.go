package kvstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// memoryStore 是非持久化实现，进程退出即丢失，仅用于测试与临时运行。
type memoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
	closed  bool
}

// NewMemory 构建内存版 Store。
func NewMemory() Store {
	return &memoryStore{buckets: make(map[string]map[string][]byte)}
}

func (m *memoryStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	value, ok := m.buckets[bucket][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (m *memoryStore) Put(ctx context.Context, bucket, key string, value []byte) error {
	return m.Update(ctx, func(tx Tx) error {
		tx.Put(bucket, key, value)
		return nil
	})
}

func (m *memoryStore) Delete(ctx context.Context, bucket, key string) error {
	return m.Update(ctx, func(tx Tx) error {
		tx.Delete(bucket, key)
		return nil
	})
}

func (m *memoryStore) Scan(ctx context.Context, bucket, prefix string, fn func(key string, value []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// 先在读锁内拍快照，回调中允许再次访问 store。
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	data := m.buckets[bucket]
	keys := make([]string, 0, len(data))
	for key := range data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, key := range keys {
		values[i] = append([]byte(nil), data[key]...)
	}
	m.mu.RUnlock()

	for i, key := range keys {
		if err := fn(key, values[i]); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (m *memoryStore) DeleteRange(ctx context.Context, bucket, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for key := range m.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			delete(m.buckets[bucket], key)
		}
	}
	return nil
}

func (m *memoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := &Batch{}
	if err := fn(batch); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return batch.Each(func(bucket, key string, value []byte, isDelete bool) error {
		if isDelete {
			delete(m.buckets[bucket], key)
			return nil
		}
		data := m.buckets[bucket]
		if data == nil {
			data = make(map[string][]byte)
			m.buckets[bucket] = data
		}
		data[key] = value
		return nil
	})
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
