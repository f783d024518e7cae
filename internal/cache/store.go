package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ContentStore 负责缓存正文的读写。磁盘布局遵循：
//
//	<StoragePath>/content/<partition>/<sha1(key)>.entry    # 首行 JSON 头 + 原始正文
//
// 所有方法均按 (partition, key) 寻址，partition 即 Tier 的 <storeName>-<version>。
type ContentStore interface {
	// Get 返回缓存的响应；不存在时返回 ErrNotFound。
	Get(ctx context.Context, partition, key string) (*Payload, error)

	// Put 以原子方式写入响应正文（临时文件 + rename），失败时清理临时文件。
	Put(ctx context.Context, partition, key string, payload Payload) error

	// Has 仅检查条目是否存在，不读取正文。
	Has(ctx context.Context, partition, key string) (bool, error)

	// Delete 删除单个条目，条目不存在时不报错。
	Delete(ctx context.Context, partition, key string) error

	// Keys 返回分区内全部 key。
	Keys(ctx context.Context, partition string) ([]string, error)

	// Clear 删除整个分区。
	Clear(ctx context.Context, partition string) error

	// Partitions 列出存储中现有的分区名。
	Partitions(ctx context.Context) ([]string, error)
}

// Payload 是一次可缓存的响应：状态码 + 头 + 正文。
type Payload struct {
	Status int
	Header http.Header
	Body   []byte
}

// Clone 返回深拷贝，避免调用方修改共享的缓存数据。
func (p Payload) Clone() Payload {
	return Payload{
		Status: p.Status,
		Header: p.Header.Clone(),
		Body:   append([]byte(nil), p.Body...),
	}
}

// Entry 表示一次缓存命中结果。
type Entry struct {
	TierID   string
	Key      string
	Payload  Payload
	StoredAt time.Time
}

var (
	// ErrNotFound 表示缓存不存在或已过期（CacheMiss，并非真正的错误）。
	ErrNotFound = errors.New("cache entry not found")

	// ErrQuotaExceeded 表示底层存储空间不足。
	ErrQuotaExceeded = errors.New("cache quota exceeded")

	// ErrCacheWriteFailure 表示写入失败且已回滚，调用方应继续无缓存地处理请求。
	ErrCacheWriteFailure = errors.New("cache write failed")
)
