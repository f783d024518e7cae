package tier

import (
	"fmt"
	"sync"
)

// DuplicateTierError 表示同一 id 已经注册过。
type DuplicateTierError struct {
	ID string
}

func (e *DuplicateTierError) Error() string {
	return fmt.Sprintf("tier %s already registered", e.ID)
}

// NotFoundError 表示查询的 Tier 未注册。
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tier %s not registered", e.ID)
}

// Handle 是注册成功后返回的句柄，持有不可变的 Tier 描述。
type Handle struct {
	tier CacheTier
}

// Tier 返回句柄对应的 Tier。
func (h Handle) Tier() CacheTier {
	return h.tier
}

// Registry 是显式构造的 Tier 注册表，由调用方创建并注入，不使用进程级全局变量。
type Registry struct {
	mu      sync.RWMutex
	tiers   map[string]CacheTier
	ordered []string
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{tiers: make(map[string]CacheTier)}
}

// Register 校验并注册一个 Tier，重复 id 返回 *DuplicateTierError。
func (r *Registry) Register(cfg Config) (Handle, error) {
	t, err := cfg.normalize()
	if err != nil {
		return Handle{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tiers[t.ID]; exists {
		return Handle{}, &DuplicateTierError{ID: t.ID}
	}
	for _, id := range r.ordered {
		if r.tiers[id].PartitionName() == t.PartitionName() {
			return Handle{}, fmt.Errorf("tier %s: partition %s already used by tier %s", t.ID, t.PartitionName(), id)
		}
	}
	r.tiers[t.ID] = t
	r.ordered = append(r.ordered, t.ID)
	return Handle{tier: t}, nil
}

// MustRegister 在注册失败时 panic，适合启动阶段注册内置 Tier。
func (r *Registry) MustRegister(cfg Config) Handle {
	h, err := r.Register(cfg)
	if err != nil {
		panic(err)
	}
	return h
}

// Get 返回指定 id 的 Tier，未注册时返回 *NotFoundError。
func (r *Registry) Get(id string) (CacheTier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tiers[id]
	if !ok {
		return CacheTier{}, &NotFoundError{ID: id}
	}
	return t, nil
}

// List 按注册顺序返回全部 Tier。
func (r *Registry) List() []CacheTier {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ordered) == 0 {
		return nil
	}
	result := make([]CacheTier, 0, len(r.ordered))
	for _, id := range r.ordered {
		result = append(result, r.tiers[id])
	}
	return result
}

// Partitions 返回当前可达的物理分区名，外部回收器可据此清理已失效的旧版本分区。
func (r *Registry) Partitions() []string {
	tiers := r.List()
	result := make([]string, len(tiers))
	for i, t := range tiers {
		result[i] = t.PartitionName()
	}
	return result
}
