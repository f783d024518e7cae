package config

import (
	"github.com/any-hub/offline-hub/internal/tier"
)

// TierConfigs 将 [[Tier]] 表转换为注册 Tier 所需的描述。
func (c *Config) TierConfigs() []tier.Config {
	result := make([]tier.Config, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		result = append(result, tier.Config{
			ID:         t.Name,
			StoreName:  t.StoreName,
			Version:    t.Version,
			MaxAge:     t.MaxAge.DurationValue(),
			MaxEntries: t.MaxEntries,
		})
	}
	return result
}

// PrecacheTier 返回安装阶段预取资源写入的 Tier：声明了 static 时使用 static，否则退回 DefaultTier。
func (c *Config) PrecacheTier() string {
	for _, t := range c.Tiers {
		if t.Name == tier.Static {
			return t.Name
		}
	}
	return c.Global.DefaultTier
}
