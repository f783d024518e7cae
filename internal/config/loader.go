package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/any-hub/offline-hub/internal/tier"
)

// EnvPrefix 是环境变量覆盖的前缀，例如 OFFLINE_HUB_LISTENPORT、OFFLINE_HUB_QUEUE_PATH。
const EnvPrefix = "OFFLINE_HUB"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyQueueDefaults(&cfg.Queue, cfg.Global.StoragePath)
	applyTableDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	absQueue, err := filepath.Abs(cfg.Queue.Path)
	if err != nil {
		return nil, fmt.Errorf("无法解析队列文件路径: %w", err)
	}
	cfg.Queue.Path = absQueue

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("Upstream", "")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxMemoryCacheSize", 64*1024*1024)
	v.SetDefault("OfflinePage", "")
	v.SetDefault("DefaultTier", "")
	v.SetDefault("HealthPath", "/health")
	v.SetDefault("ProbeInterval", "15s")
	v.SetDefault("TraceStdout", false)

	v.SetDefault("Queue.Path", "")
	v.SetDefault("Queue.MaxAttempts", 5)
	v.SetDefault("Queue.ReplayTimeout", "15s")
	v.SetDefault("Queue.CoalesceWindow", "2s")

	v.SetDefault("Notify.WebhookURL", "")
	v.SetDefault("Notify.SendGridAPIKey", "")
	v.SetDefault("Notify.SendGridFrom", "")
	v.SetDefault("Notify.SendGridTo", "")

	v.SetDefault("Metadata.Backend", BackendSQLite)
	v.SetDefault("Metadata.RedisAddr", "")
	v.SetDefault("Metadata.RedisPassword", "")
	v.SetDefault("Metadata.RedisDB", 0)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.ProbeInterval.DurationValue() == 0 {
		g.ProbeInterval = Duration(15 * time.Second)
	}
	g.Upstream = strings.TrimRight(strings.TrimSpace(g.Upstream), "/")
}

func applyQueueDefaults(q *QueueConfig, storagePath string) {
	if strings.TrimSpace(q.Path) == "" {
		q.Path = filepath.Join(storagePath, "queue.db")
	}
	if q.ReplayTimeout.DurationValue() == 0 {
		q.ReplayTimeout = Duration(15 * time.Second)
	}
}

// applyTableDefaults 在未声明 [[Tier]]/[[Route]]/[[Mutation]] 时填充内置表。
func applyTableDefaults(cfg *Config) {
	if len(cfg.Tiers) == 0 {
		for _, preset := range tier.Defaults() {
			cfg.Tiers = append(cfg.Tiers, TierConfig{
				Name:       preset.ID,
				StoreName:  preset.StoreName,
				Version:    preset.Version,
				MaxAge:     Duration(preset.MaxAge),
				MaxEntries: preset.MaxEntries,
			})
		}
	}
	if strings.TrimSpace(cfg.Global.DefaultTier) == "" {
		cfg.Global.DefaultTier = cfg.Tiers[0].Name
		for _, t := range cfg.Tiers {
			if t.Name == tier.APIResponses {
				cfg.Global.DefaultTier = t.Name
				break
			}
		}
	}
	if len(cfg.Routes) == 0 && declaresDefaultTiers(cfg.Tiers) {
		cfg.Routes = defaultRoutes()
	}
	if len(cfg.Mutations) == 0 {
		cfg.Mutations = defaultMutations()
	}
}

func declaresDefaultTiers(tiers []TierConfig) bool {
	names := make(map[string]struct{}, len(tiers))
	for _, t := range tiers {
		names[t.Name] = struct{}{}
	}
	for _, preset := range tier.Defaults() {
		if _, ok := names[preset.ID]; !ok {
			return false
		}
	}
	return true
}

func defaultRoutes() []RouteConfig {
	return []RouteConfig{
		{Pattern: "/static/**", Strategy: StrategyCacheFirst, Tier: tier.Static},
		{Pattern: "/assets/**", Strategy: StrategyCacheFirst, Tier: tier.Static},
		{Pattern: "/images/**", Strategy: StrategyCacheFirst, Tier: tier.Images},
		{ContentClass: "image", Strategy: StrategyCacheFirst, Tier: tier.Images},
		{Pattern: "/api/user/**", Strategy: StrategyNetworkFirst, Tier: tier.UserData},
		{Pattern: "/api/cart/**", Strategy: StrategyNetworkFirst, Tier: tier.UserData},
		{Pattern: "/api/**", Strategy: StrategyNetworkFirst, Tier: tier.APIResponses},
	}
}

func defaultMutations() []MutationRouteConfig {
	return []MutationRouteConfig{
		{Pattern: "/api/cart/**", Method: "*", Kind: KindCart},
		{Pattern: "/api/cart", Method: "*", Kind: KindCart},
		{Pattern: "/api/orders", Method: "POST", Kind: KindOrder},
		{Pattern: "/api/orders/**", Method: "POST", Kind: KindOrder},
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
