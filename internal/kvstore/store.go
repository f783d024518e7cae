package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound 表示 bucket 中不存在指定 key。
var ErrNotFound = errors.New("kvstore: key not found")

// ErrStopScan 可由 Scan 回调返回，用于提前结束遍历且不视为错误。
var ErrStopScan = errors.New("kvstore: stop scan")

// ErrClosed 表示底层存储已经关闭。
var ErrClosed = errors.New("kvstore: store closed")

// Store 是元数据索引与延迟变更队列共用的持久化接口。
type Store interface {
	// Get 返回 key 对应的值；不存在时返回 ErrNotFound。
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// Put 写入或覆盖单个 key。
	Put(ctx context.Context, bucket, key string, value []byte) error

	// Delete 删除单个 key，key 不存在时不报错。
	Delete(ctx context.Context, bucket, key string) error

	// Scan 以字节序升序遍历 prefix 下的所有 key。
	Scan(ctx context.Context, bucket, prefix string, fn func(key string, value []byte) error) error

	// DeleteRange 删除 prefix 下的全部 key。
	DeleteRange(ctx context.Context, bucket, prefix string) error

	// Update 在一个事务内执行 fn 中记录的写操作，fn 返回错误时全部放弃。
	Update(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// Tx 收集一次 Update 中的写操作。
type Tx interface {
	Put(bucket, key string, value []byte)
	Delete(bucket, key string)
}

// PrefixEnd 返回大于所有以 prefix 开头的 key 的最小上界；prefix 为空或全为 0xff 时返回 nil（无上界）。
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// op 是 Tx 记录下来的单次写操作，供各后端在提交时回放。
type op struct {
	bucket string
	key    string
	value  []byte
	delete bool
}

// Batch 是 Tx 的通用实现，后端在 fn 返回后按顺序应用 Ops。
type Batch struct {
	ops []op
}

func (b *Batch) Put(bucket, key string, value []byte) {
	b.ops = append(b.ops, op{bucket: bucket, key: key, value: append([]byte(nil), value...)})
}

func (b *Batch) Delete(bucket, key string) {
	b.ops = append(b.ops, op{bucket: bucket, key: key, delete: true})
}

// Each 依次回放 batch 中的写操作。
func (b *Batch) Each(fn func(bucket, key string, value []byte, isDelete bool) error) error {
	for _, o := range b.ops {
		if err := fn(o.bucket, o.key, o.value, o.delete); err != nil {
			return err
		}
	}
	return nil
}

// Len 返回记录的写操作数量。
func (b *Batch) Len() int {
	return len(b.ops)
}
