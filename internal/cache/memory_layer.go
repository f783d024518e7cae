package cache

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// memoryLayer 在磁盘内容存储前放一层 ristretto 内存缓存，读先查内存再落盘。
// 写入、删除与清空都先作用于下层，再同步失效内存副本。
type memoryLayer struct {
	next ContentStore
	rc   *ristretto.Cache[string, Payload]
}

// NewMemoryLayer 以 maxBytes 作为正文字节预算构建内存层；maxBytes <= 0 时直接返回 next。
func NewMemoryLayer(next ContentStore, maxBytes int64) (ContentStore, func(), error) {
	if maxBytes <= 0 {
		return next, func() {}, nil
	}
	rc, err := ristretto.NewCache(&ristretto.Config[string, Payload]{
		// 按平均 4KiB 正文估算条目数，计数器取条目数的 10 倍。
		NumCounters: max(maxBytes/4096, 100) * 10,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create memory layer: %w", err)
	}
	layer := &memoryLayer{next: next, rc: rc}
	return layer, rc.Close, nil
}

func memoryKey(partition, key string) string {
	return partition + sep + key
}

func payloadCost(p Payload) int64 {
	return int64(len(p.Body)) + 256
}

func (l *memoryLayer) Get(ctx context.Context, partition, key string) (*Payload, error) {
	if v, ok := l.rc.Get(memoryKey(partition, key)); ok {
		cloned := v.Clone()
		return &cloned, nil
	}
	payload, err := l.next.Get(ctx, partition, key)
	if err != nil {
		return nil, err
	}
	l.rc.Set(memoryKey(partition, key), payload.Clone(), payloadCost(*payload))
	return payload, nil
}

func (l *memoryLayer) Put(ctx context.Context, partition, key string, payload Payload) error {
	mk := memoryKey(partition, key)
	l.rc.Del(mk)
	if err := l.next.Put(ctx, partition, key, payload); err != nil {
		return err
	}
	l.rc.Set(mk, payload.Clone(), payloadCost(payload))
	l.rc.Wait()
	return nil
}

func (l *memoryLayer) Has(ctx context.Context, partition, key string) (bool, error) {
	return l.next.Has(ctx, partition, key)
}

func (l *memoryLayer) Delete(ctx context.Context, partition, key string) error {
	l.rc.Del(memoryKey(partition, key))
	err := l.next.Delete(ctx, partition, key)
	l.rc.Wait()
	return err
}

func (l *memoryLayer) Keys(ctx context.Context, partition string) ([]string, error) {
	return l.next.Keys(ctx, partition)
}

func (l *memoryLayer) Clear(ctx context.Context, partition string) error {
	keys, err := l.next.Keys(ctx, partition)
	if err != nil {
		return err
	}
	for _, key := range keys {
		l.rc.Del(memoryKey(partition, key))
	}
	err = l.next.Clear(ctx, partition)
	l.rc.Wait()
	return err
}

func (l *memoryLayer) Partitions(ctx context.Context) ([]string, error) {
	return l.next.Partitions(ctx)
}
