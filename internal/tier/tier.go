// Package tier 维护缓存分区（Tier）的静态注册表：每个 Tier 拥有独立的版本、TTL 与容量上限，
// 注册后在进程生命周期内不可变；提升版本号即得到一个新的物理分区，旧分区随之不可达。
package tier

import (
	"fmt"
	"strings"
	"time"
)

const defaultVersion = "v1"

// Config 描述注册 Tier 时的输入。
type Config struct {
	ID         string
	StoreName  string
	Version    string
	MaxAge     time.Duration
	MaxEntries int
}

// CacheTier 是注册完成后的只读 Tier 描述。
type CacheTier struct {
	ID         string
	StoreName  string
	Version    string
	MaxAge     time.Duration
	MaxEntries int
}

// PartitionName 返回 <storeName>-<version> 形式的物理分区名，内容与元数据存储均以此为命名空间。
func (t CacheTier) PartitionName() string {
	return t.StoreName + "-" + t.Version
}

// Expired 判断 storedAt 写入的条目在 now 时刻是否已超过 MaxAge。
func (t CacheTier) Expired(storedAt, now time.Time) bool {
	if t.MaxAge <= 0 {
		return false
	}
	return now.Sub(storedAt) >= t.MaxAge
}

// normalize 校验并补齐默认值。
func (c Config) normalize() (CacheTier, error) {
	id := strings.TrimSpace(c.ID)
	if id == "" {
		return CacheTier{}, fmt.Errorf("tier id is required")
	}
	if c.MaxAge <= 0 {
		return CacheTier{}, fmt.Errorf("tier %s: max age must be positive", id)
	}
	if c.MaxEntries <= 0 {
		return CacheTier{}, fmt.Errorf("tier %s: max entries must be positive", id)
	}
	store := strings.TrimSpace(c.StoreName)
	if store == "" {
		store = id
	}
	version := strings.TrimSpace(c.Version)
	if version == "" {
		version = defaultVersion
	}
	if strings.ContainsAny(store+version, "/\\\x00") {
		return CacheTier{}, fmt.Errorf("tier %s: store name and version must not contain path separators", id)
	}
	return CacheTier{
		ID:         id,
		StoreName:  store,
		Version:    version,
		MaxAge:     c.MaxAge,
		MaxEntries: c.MaxEntries,
	}, nil
}
