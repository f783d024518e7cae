// Package redis provides a kvstore.Store backed by Redis so several
// offline-hub processes on one device can share a metadata index.
//
// Each bucket maps to two Redis keys: a hash holding the values and a
// zero-score sorted set holding the member names, which gives lexicographic
// range scans through ZRANGEBYLEX.
package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/any-hub/offline-hub/internal/kvstore"
)

// Options 描述 Redis 连接参数与 key 命名空间。
type Options struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// Store is a Redis-backed kvstore.Store.
type Store struct {
	rdb       *goredis.Client
	namespace string
}

// New creates a Redis-backed store. The connection is established lazily.
func New(opts Options) *Store {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	ns := opts.Namespace
	if ns == "" {
		ns = "offline-hub"
	}
	return &Store{rdb: rdb, namespace: ns}
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) valuesKey(bucket string) string {
	return s.namespace + ":" + bucket + ":v"
}

func (s *Store) indexKey(bucket string) string {
	return s.namespace + ":" + bucket + ":k"
}

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	value, err := s.rdb.HGet(ctx, s.valuesKey(bucket), key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, kvstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, bucket, key string, value []byte) error {
	return s.Update(ctx, func(tx kvstore.Tx) error {
		tx.Put(bucket, key, value)
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	return s.Update(ctx, func(tx kvstore.Tx) error {
		tx.Delete(bucket, key)
		return nil
	})
}

func (s *Store) Scan(ctx context.Context, bucket, prefix string, fn func(key string, value []byte) error) error {
	keys, err := s.rangeKeys(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	values, err := s.rdb.HMGet(ctx, s.valuesKey(bucket), keys...).Result()
	if err != nil {
		return fmt.Errorf("redis hmget: %w", err)
	}
	for i, key := range keys {
		raw, ok := values[i].(string)
		if !ok {
			// 索引与值不同步（并发删除），跳过即可。
			continue
		}
		if err := fn(key, []byte(raw)); err != nil {
			if errors.Is(err, kvstore.ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *Store) DeleteRange(ctx context.Context, bucket, prefix string) error {
	keys, err := s.rangeKeys(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	members := make([]interface{}, len(keys))
	for i, key := range keys {
		members[i] = key
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HDel(ctx, s.valuesKey(bucket), keys...)
		pipe.ZRem(ctx, s.indexKey(bucket), members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete range: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, fn func(tx kvstore.Tx) error) error {
	batch := &kvstore.Batch{}
	if err := fn(batch); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		return batch.Each(func(bucket, key string, value []byte, isDelete bool) error {
			if isDelete {
				pipe.HDel(ctx, s.valuesKey(bucket), key)
				pipe.ZRem(ctx, s.indexKey(bucket), key)
				return nil
			}
			pipe.HSet(ctx, s.valuesKey(bucket), key, value)
			pipe.ZAdd(ctx, s.indexKey(bucket), goredis.Z{Score: 0, Member: key})
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("redis update: %w", err)
	}
	return nil
}

func (s *Store) rangeKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	by := &goredis.ZRangeBy{Min: "-", Max: "+"}
	if prefix != "" {
		by.Min = "[" + prefix
		if end := kvstore.PrefixEnd([]byte(prefix)); end != nil {
			by.Max = "(" + string(end)
		}
	}
	keys, err := s.rdb.ZRangeByLex(ctx, s.indexKey(bucket), by).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebylex: %w", err)
	}
	return keys, nil
}

var _ kvstore.Store = (*Store)(nil)
