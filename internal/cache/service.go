package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/tier"
)

// Observer 接收缓存层的计数事件，metrics 包提供 Prometheus 实现。
type Observer interface {
	ObserveLookup(tierID, result string)
	ObserveWrite(tierID, result string)
	ObserveEviction(tierID string, count int)
}

type nopObserver struct{}

func (nopObserver) ObserveLookup(string, string) {}
func (nopObserver) ObserveWrite(string, string)  {}
func (nopObserver) ObserveEviction(string, int)  {}

// 查找结果标签。
const (
	LookupHit     = "hit"
	LookupMiss    = "miss"
	LookupExpired = "expired"
	LookupDesync  = "desync"
	LookupError   = "error"
)

// ServiceOptions 汇总 Service 依赖，Registry/Content/Index 为必填项。
type ServiceOptions struct {
	Registry *tier.Registry
	Content  ContentStore
	Index    *MetadataIndex
	Logger   *logrus.Logger
	Observer Observer
	Now      func() time.Time
}

// Service 是缓存控制 API：每个 Tier 视为一个逻辑 actor，写入/淘汰/清理在分区级互斥，读取并发进行。
type Service struct {
	registry *tier.Registry
	content  ContentStore
	index    *MetadataIndex
	logger   *logrus.Logger
	observer Observer
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// TierInfo 是 Info 输出的单个 Tier 诊断信息。
type TierInfo struct {
	Name       string        `json:"name"`
	Partition  string        `json:"partition"`
	Version    string        `json:"version"`
	Size       int           `json:"size"`
	MaxEntries int           `json:"max_entries"`
	MaxAge     time.Duration `json:"max_age"`
}

// NewService 校验依赖并构建 Service。
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Registry == nil {
		return nil, errors.New("tier registry is required")
	}
	if opts.Content == nil {
		return nil, errors.New("content store is required")
	}
	if opts.Index == nil {
		return nil, errors.New("metadata index is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		registry: opts.Registry,
		content:  opts.Content,
		index:    opts.Index,
		logger:   logger,
		observer: observer,
		now:      now,
		locks:    make(map[string]*sync.RWMutex),
	}, nil
}

// RegisterTier 注册新的 Tier。
func (s *Service) RegisterTier(cfg tier.Config) (tier.Handle, error) {
	return s.registry.Register(cfg)
}

// Registry 返回底层 Tier 注册表。
func (s *Service) Registry() *tier.Registry {
	return s.registry
}

func (s *Service) lockFor(partition string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.locks[partition]
	if lock == nil {
		lock = &sync.RWMutex{}
		s.locks[partition] = lock
	}
	return lock
}

// Get 返回未过期的条目；未命中、过期或两侧存储不同步时返回 ErrNotFound，并顺带清理残留。
func (s *Service) Get(ctx context.Context, tierID, key string) (*Entry, error) {
	t, err := s.registry.Get(tierID)
	if err != nil {
		return nil, err
	}
	partition := t.PartitionName()
	lock := s.lockFor(partition)

	lock.RLock()
	record, err := s.index.Get(ctx, partition, key)
	if err != nil {
		lock.RUnlock()
		s.observer.ObserveLookup(tierID, LookupError)
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	if record == nil {
		hasContent, herr := s.content.Has(ctx, partition, key)
		lock.RUnlock()
		if herr == nil && hasContent {
			s.healOrphanContent(ctx, t, key)
			s.observer.ObserveLookup(tierID, LookupDesync)
			return nil, ErrNotFound
		}
		s.observer.ObserveLookup(tierID, LookupMiss)
		return nil, ErrNotFound
	}

	if t.Expired(record.StoredAt, s.now()) {
		lock.RUnlock()
		s.expire(ctx, t, *record)
		s.observer.ObserveLookup(tierID, LookupExpired)
		return nil, ErrNotFound
	}

	payload, err := s.content.Get(ctx, partition, key)
	lock.RUnlock()
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		s.healOrphanMetadata(ctx, t, *record)
		s.observer.ObserveLookup(tierID, LookupDesync)
		return nil, ErrNotFound
	default:
		s.observer.ObserveLookup(tierID, LookupError)
		return nil, fmt.Errorf("read content: %w", err)
	}

	s.observer.ObserveLookup(tierID, LookupHit)
	return &Entry{
		TierID:   tierID,
		Key:      key,
		Payload:  *payload,
		StoredAt: record.StoredAt,
	}, nil
}

// Put 按“先元数据、后正文、再确认”的顺序写入；正文失败时回滚元数据，写入成功后立即执行容量淘汰。
func (s *Service) Put(ctx context.Context, tierID, key string, payload Payload) error {
	t, err := s.registry.Get(tierID)
	if err != nil {
		return err
	}
	partition := t.PartitionName()
	lock := s.lockFor(partition)
	lock.Lock()
	defer lock.Unlock()

	record := MetadataRecord{
		TierID:   tierID,
		Key:      key,
		StoredAt: s.now().UTC(),
		Header:   payload.Header,
		Status:   payload.Status,
		Size:     int64(len(payload.Body)),
	}
	if err := s.index.Put(ctx, partition, record); err != nil {
		s.observer.ObserveWrite(tierID, "failed")
		return fmt.Errorf("%w: metadata: %v", ErrCacheWriteFailure, err)
	}

	err = s.content.Put(ctx, partition, key, payload)
	if errors.Is(err, ErrQuotaExceeded) {
		// 空间不足时先淘汰最旧的条目再重试一次。
		if evicted := s.evictOldestLocked(ctx, t, 1, key); evicted > 0 {
			err = s.content.Put(ctx, partition, key, payload)
		}
	}
	if err != nil {
		s.rollbackLocked(ctx, t, key)
		s.observer.ObserveWrite(tierID, "failed")
		return fmt.Errorf("%w: content: %v", ErrCacheWriteFailure, err)
	}

	s.observer.ObserveWrite(tierID, "stored")
	s.enforceCapacityLocked(ctx, t)
	return nil
}

// Delete 删除单个条目（两侧存储）。
func (s *Service) Delete(ctx context.Context, tierID, key string) error {
	t, err := s.registry.Get(tierID)
	if err != nil {
		return err
	}
	lock := s.lockFor(t.PartitionName())
	lock.Lock()
	defer lock.Unlock()
	return s.deletePairLocked(ctx, t, key)
}

// Clear 清空整个 Tier。
func (s *Service) Clear(ctx context.Context, tierID string) error {
	t, err := s.registry.Get(tierID)
	if err != nil {
		return err
	}
	partition := t.PartitionName()
	lock := s.lockFor(partition)
	lock.Lock()
	defer lock.Unlock()

	if err := s.content.Clear(ctx, partition); err != nil {
		return fmt.Errorf("clear content: %w", err)
	}
	if err := s.index.DeleteRange(ctx, partition); err != nil {
		return fmt.Errorf("clear metadata: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"action": "cache_clear", "tier": tierID, "partition": partition}).Info("tier cleared")
	return nil
}

// Size 返回 Tier 当前的条目数（以元数据索引为准）。
func (s *Service) Size(ctx context.Context, tierID string) (int, error) {
	t, err := s.registry.Get(tierID)
	if err != nil {
		return 0, err
	}
	lock := s.lockFor(t.PartitionName())
	lock.RLock()
	defer lock.RUnlock()
	return s.index.Count(ctx, t.PartitionName())
}

// Keys 按写入时间升序返回 Tier 中的 key。
func (s *Service) Keys(ctx context.Context, tierID string) ([]string, error) {
	t, err := s.registry.Get(tierID)
	if err != nil {
		return nil, err
	}
	lock := s.lockFor(t.PartitionName())
	lock.RLock()
	defer lock.RUnlock()
	records, err := s.index.ListByTier(ctx, t.PartitionName())
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(records))
	for i, record := range records {
		keys[i] = record.Key
	}
	return keys, nil
}

// Info 返回所有 Tier 的诊断信息。
func (s *Service) Info(ctx context.Context) ([]TierInfo, error) {
	tiers := s.registry.List()
	result := make([]TierInfo, 0, len(tiers))
	for _, t := range tiers {
		size, err := s.Size(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("size of tier %s: %w", t.ID, err)
		}
		result = append(result, TierInfo{
			Name:       t.ID,
			Partition:  t.PartitionName(),
			Version:    t.Version,
			Size:       size,
			MaxEntries: t.MaxEntries,
			MaxAge:     t.MaxAge,
		})
	}
	return result, nil
}

// Reconcile 对比两侧存储并删除只存在于一侧的孤儿条目，返回清理数量；适合在启动时修复崩溃残留。
func (s *Service) Reconcile(ctx context.Context, tierID string) (int, error) {
	t, err := s.registry.Get(tierID)
	if err != nil {
		return 0, err
	}
	partition := t.PartitionName()
	lock := s.lockFor(partition)
	lock.Lock()
	defer lock.Unlock()

	records, err := s.index.ListByTier(ctx, partition)
	if err != nil {
		return 0, err
	}
	keys, err := s.content.Keys(ctx, partition)
	if err != nil {
		return 0, err
	}
	inContent := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		inContent[key] = struct{}{}
	}

	removed := 0
	inIndex := make(map[string]struct{}, len(records))
	for _, record := range records {
		inIndex[record.Key] = struct{}{}
		if _, ok := inContent[record.Key]; ok {
			continue
		}
		if err := s.index.Delete(ctx, partition, record.Key); err != nil {
			return removed, err
		}
		removed++
	}
	for _, key := range keys {
		if _, ok := inIndex[key]; ok {
			continue
		}
		if err := s.content.Delete(ctx, partition, key); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.logger.WithFields(logrus.Fields{"action": "cache_reconcile", "tier": tierID, "removed": removed}).Warn("orphaned cache entries removed")
	}
	s.enforceCapacityLocked(ctx, t)
	return removed, nil
}

// Prune 删除存储中不属于任何已注册 Tier 的分区（通常是版本升级后遗留的旧分区），返回被删除的分区名。
func (s *Service) Prune(ctx context.Context) ([]string, error) {
	live := make(map[string]struct{})
	for _, partition := range s.registry.Partitions() {
		live[partition] = struct{}{}
	}
	stored, err := s.content.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	indexed, err := s.index.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list indexed partitions: %w", err)
	}
	// 两侧可能不同步：只剩正文目录或只剩索引区间的旧分区都要清理。
	seen := make(map[string]struct{}, len(stored)+len(indexed))
	var removed []string
	for _, partition := range append(stored, indexed...) {
		if _, ok := live[partition]; ok {
			continue
		}
		if _, dup := seen[partition]; dup {
			continue
		}
		seen[partition] = struct{}{}
		if err := s.content.Clear(ctx, partition); err != nil {
			return removed, fmt.Errorf("drop partition %s: %w", partition, err)
		}
		if err := s.index.DeleteRange(ctx, partition); err != nil {
			return removed, fmt.Errorf("drop metadata of %s: %w", partition, err)
		}
		removed = append(removed, partition)
	}
	if len(removed) > 0 {
		s.logger.WithFields(logrus.Fields{"action": "cache_prune", "partitions": removed}).Info("obsolete partitions removed")
	}
	return removed, nil
}

// expire 在写锁内复核后删除过期条目。
func (s *Service) expire(ctx context.Context, t tier.CacheTier, seen MetadataRecord) {
	lock := s.lockFor(t.PartitionName())
	lock.Lock()
	defer lock.Unlock()

	current, err := s.index.Get(ctx, t.PartitionName(), seen.Key)
	if err != nil || current == nil || !current.StoredAt.Equal(seen.StoredAt) {
		// 期间已被重写或删除。
		return
	}
	if err := s.deletePairLocked(ctx, t, seen.Key); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"action": "cache_expire", "tier": t.ID, "key": seen.Key}).Warn("expire_failed")
	}
}

// healOrphanMetadata 删除正文已缺失的元数据记录。
func (s *Service) healOrphanMetadata(ctx context.Context, t tier.CacheTier, seen MetadataRecord) {
	lock := s.lockFor(t.PartitionName())
	lock.Lock()
	defer lock.Unlock()

	if ok, err := s.content.Has(ctx, t.PartitionName(), seen.Key); err != nil || ok {
		return
	}
	if err := s.index.Delete(ctx, t.PartitionName(), seen.Key); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"action": "cache_heal", "tier": t.ID, "key": seen.Key}).Warn("heal_metadata_failed")
		return
	}
	s.logger.WithFields(logrus.Fields{"action": "cache_heal", "tier": t.ID, "key": seen.Key, "orphan": "metadata"}).Warn("metadata desync repaired")
}

// healOrphanContent 删除缺少元数据的正文。
func (s *Service) healOrphanContent(ctx context.Context, t tier.CacheTier, key string) {
	lock := s.lockFor(t.PartitionName())
	lock.Lock()
	defer lock.Unlock()

	if record, err := s.index.Get(ctx, t.PartitionName(), key); err != nil || record != nil {
		return
	}
	if err := s.content.Delete(ctx, t.PartitionName(), key); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"action": "cache_heal", "tier": t.ID, "key": key}).Warn("heal_content_failed")
		return
	}
	s.logger.WithFields(logrus.Fields{"action": "cache_heal", "tier": t.ID, "key": key, "orphan": "content"}).Warn("metadata desync repaired")
}

// rollbackLocked 是正文写入失败后的补偿删除；旧正文同样删除，保证两侧一致。
func (s *Service) rollbackLocked(ctx context.Context, t tier.CacheTier, key string) {
	if err := s.index.Delete(ctx, t.PartitionName(), key); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"action": "cache_rollback", "tier": t.ID, "key": key}).Error("metadata rollback failed")
	}
	if err := s.content.Delete(ctx, t.PartitionName(), key); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"action": "cache_rollback", "tier": t.ID, "key": key}).Warn("content rollback failed")
	}
}

// deletePairLocked 先删正文再删元数据；调用方需持有写锁。
func (s *Service) deletePairLocked(ctx context.Context, t tier.CacheTier, key string) error {
	if err := s.content.Delete(ctx, t.PartitionName(), key); err != nil {
		return fmt.Errorf("delete content: %w", err)
	}
	if err := s.index.Delete(ctx, t.PartitionName(), key); err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}

// enforceCapacityLocked 在条目数超过 MaxEntries 时按 StoredAt 从旧到新淘汰。
func (s *Service) enforceCapacityLocked(ctx context.Context, t tier.CacheTier) {
	records, err := s.index.ListByTier(ctx, t.PartitionName())
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"action": "cache_evict", "tier": t.ID}).Warn("evict_scan_failed")
		return
	}
	overflow := len(records) - t.MaxEntries
	if overflow <= 0 {
		return
	}
	evicted := s.evictRecordsLocked(ctx, t, records[:overflow])
	if evicted > 0 {
		s.logger.WithFields(logrus.Fields{"action": "cache_evict", "tier": t.ID, "evicted": evicted}).Debug("capacity eviction")
	}
}

// evictOldestLocked 淘汰最旧的 n 个条目（跳过 exclude），用于配额不足时腾挪空间。
func (s *Service) evictOldestLocked(ctx context.Context, t tier.CacheTier, n int, exclude string) int {
	records, err := s.index.ListByTier(ctx, t.PartitionName())
	if err != nil {
		return 0
	}
	victims := make([]MetadataRecord, 0, n)
	for _, record := range records {
		if len(victims) == n {
			break
		}
		if record.Key == exclude {
			continue
		}
		victims = append(victims, record)
	}
	return s.evictRecordsLocked(ctx, t, victims)
}

func (s *Service) evictRecordsLocked(ctx context.Context, t tier.CacheTier, victims []MetadataRecord) int {
	evicted := 0
	for _, record := range victims {
		if err := s.deletePairLocked(ctx, t, record.Key); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{"action": "cache_evict", "tier": t.ID, "key": record.Key}).Warn("evict_failed")
			continue
		}
		evicted++
	}
	if evicted > 0 {
		s.observer.ObserveEviction(t.ID, evicted)
	}
	return evicted
}
