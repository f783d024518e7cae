package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	Upstream        string   `mapstructure:"Upstream"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	MaxMemoryCache  int64    `mapstructure:"MaxMemoryCacheSize"`
	OfflinePage     string   `mapstructure:"OfflinePage"`
	Precache        []string `mapstructure:"Precache"`
	DefaultTier     string   `mapstructure:"DefaultTier"`
	HealthPath      string   `mapstructure:"HealthPath"`
	ProbeInterval   Duration `mapstructure:"ProbeInterval"`
	TraceStdout     bool     `mapstructure:"TraceStdout"`
}

// TierConfig 对应一个 [[Tier]] 表。
type TierConfig struct {
	Name       string   `mapstructure:"Name"`
	StoreName  string   `mapstructure:"StoreName"`
	Version    string   `mapstructure:"Version"`
	MaxAge     Duration `mapstructure:"MaxAge"`
	MaxEntries int      `mapstructure:"MaxEntries"`
}

// RouteConfig 是分类表中的一行：匹配 Pattern/ContentClass 的请求走 Strategy 并写入 Tier。
type RouteConfig struct {
	Pattern      string `mapstructure:"Pattern"`
	ContentClass string `mapstructure:"ContentClass"`
	Strategy     string `mapstructure:"Strategy"`
	Tier         string `mapstructure:"Tier"`
}

// MutationRouteConfig 声明哪些写请求在离线时进入延迟变更队列。
type MutationRouteConfig struct {
	Pattern string `mapstructure:"Pattern"`
	Method  string `mapstructure:"Method"`
	Kind    string `mapstructure:"Kind"`
}

// QueueConfig 控制延迟变更队列的持久化与重放。
type QueueConfig struct {
	Path           string   `mapstructure:"Path"`
	MaxAttempts    int      `mapstructure:"MaxAttempts"`
	ReplayTimeout  Duration `mapstructure:"ReplayTimeout"`
	CoalesceWindow Duration `mapstructure:"CoalesceWindow"`
}

// NotifyConfig 选择订单通知的投递通道，全部留空时仅写日志。
type NotifyConfig struct {
	WebhookURL     string `mapstructure:"WebhookURL"`
	SendGridAPIKey string `mapstructure:"SendGridAPIKey"`
	SendGridFrom   string `mapstructure:"SendGridFrom"`
	SendGridTo     string `mapstructure:"SendGridTo"`
}

// SendGridEnabled 表示是否配置了完整的 SendGrid 参数。
func (n NotifyConfig) SendGridEnabled() bool {
	return n.SendGridAPIKey != "" && n.SendGridFrom != "" && n.SendGridTo != ""
}

// MetadataConfig 选择元数据索引的存储后端。
type MetadataConfig struct {
	Backend       string `mapstructure:"Backend"`
	RedisAddr     string `mapstructure:"RedisAddr"`
	RedisPassword string `mapstructure:"RedisPassword"`
	RedisDB       int    `mapstructure:"RedisDB"`
}

// 元数据后端。
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global    GlobalConfig          `mapstructure:",squash"`
	Tiers     []TierConfig          `mapstructure:"Tier"`
	Routes    []RouteConfig         `mapstructure:"Route"`
	Mutations []MutationRouteConfig `mapstructure:"Mutation"`
	Queue     QueueConfig           `mapstructure:"Queue"`
	Notify    NotifyConfig          `mapstructure:"Notify"`
	Metadata  MetadataConfig        `mapstructure:"Metadata"`
}

// NotifyChannels 返回已启用的通知通道，供启动日志使用。
func (c *Config) NotifyChannels() []string {
	channels := []string{"log"}
	if c.Notify.WebhookURL != "" {
		channels = append(channels, "webhook")
	}
	if c.Notify.SendGridEnabled() {
		channels = append(channels, "sendgrid")
	}
	return channels
}
