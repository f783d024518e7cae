package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// 分类策略与变更类型的配置取值。
const (
	StrategyCacheFirst   = "cache-first"
	StrategyNetworkFirst = "network-first"

	KindCart  = "cart"
	KindOrder = "order"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if err := validateUpstream(g.Upstream); err != nil {
		return fmt.Errorf("Global.Upstream: %w", err)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxMemoryCache < 0 {
		return newFieldError("Global.MaxMemoryCacheSize", "不能为负数")
	}
	if g.ProbeInterval.DurationValue() < 0 {
		return newFieldError("Global.ProbeInterval", "不能为负数")
	}
	if g.HealthPath != "" && !strings.HasPrefix(g.HealthPath, "/") {
		return newFieldError("Global.HealthPath", "必须以 / 开头")
	}
	for _, target := range g.Precache {
		if !strings.HasPrefix(target, "/") {
			return newFieldError("Global.Precache", fmt.Sprintf("目标必须以 / 开头: %s", target))
		}
	}

	if len(c.Tiers) == 0 {
		return errors.New("至少需要配置一个 Tier")
	}
	tiers := map[string]struct{}{}
	for i := range c.Tiers {
		t := &c.Tiers[i]
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" {
			return newFieldError("Tier[].Name", "不能为空")
		}
		if _, exists := tiers[t.Name]; exists {
			return newFieldError(tableField("Tier", t.Name, "Name"), "重复")
		}
		tiers[t.Name] = struct{}{}
		if t.MaxAge.DurationValue() <= 0 {
			return newFieldError(tableField("Tier", t.Name, "MaxAge"), "必须大于 0")
		}
		if t.MaxEntries <= 0 {
			return newFieldError(tableField("Tier", t.Name, "MaxEntries"), "必须大于 0")
		}
	}
	if _, ok := tiers[g.DefaultTier]; !ok {
		return newFieldError("Global.DefaultTier", fmt.Sprintf("未声明的 Tier: %s", g.DefaultTier))
	}

	for i := range c.Routes {
		route := &c.Routes[i]
		label := fmt.Sprintf("#%d", i)
		if route.Pattern != "" {
			label = route.Pattern
			if err := validatePattern(route.Pattern); err != nil {
				return newFieldError(tableField("Route", label, "Pattern"), err.Error())
			}
		}
		route.Strategy = strings.ToLower(strings.TrimSpace(route.Strategy))
		switch route.Strategy {
		case StrategyCacheFirst, StrategyNetworkFirst:
		default:
			return newFieldError(tableField("Route", label, "Strategy"), "仅支持 cache-first/network-first")
		}
		if route.Tier == "" {
			route.Tier = g.DefaultTier
		}
		if _, ok := tiers[route.Tier]; !ok {
			return newFieldError(tableField("Route", label, "Tier"), fmt.Sprintf("未声明的 Tier: %s", route.Tier))
		}
	}

	for i := range c.Mutations {
		m := &c.Mutations[i]
		label := m.Pattern
		if label == "" {
			return newFieldError("Mutation[].Pattern", "不能为空")
		}
		if err := validatePattern(m.Pattern); err != nil {
			return newFieldError(tableField("Mutation", label, "Pattern"), err.Error())
		}
		m.Kind = strings.ToLower(strings.TrimSpace(m.Kind))
		if m.Kind != KindCart && m.Kind != KindOrder {
			return newFieldError(tableField("Mutation", label, "Kind"), "仅支持 cart/order")
		}
		m.Method = strings.ToUpper(strings.TrimSpace(m.Method))
		switch m.Method {
		case "", "*":
			m.Method = "*"
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return newFieldError(tableField("Mutation", label, "Method"), "仅支持 POST/PUT/PATCH/DELETE/*")
		}
	}

	if c.Queue.Path == "" {
		return newFieldError("Queue.Path", "不能为空")
	}
	if c.Queue.MaxAttempts < 1 {
		return newFieldError("Queue.MaxAttempts", "必须大于等于 1")
	}
	if c.Queue.ReplayTimeout.DurationValue() <= 0 {
		return newFieldError("Queue.ReplayTimeout", "必须大于 0")
	}
	if c.Queue.CoalesceWindow.DurationValue() < 0 {
		return newFieldError("Queue.CoalesceWindow", "不能为负数")
	}

	if c.Notify.WebhookURL != "" {
		if err := validateUpstream(c.Notify.WebhookURL); err != nil {
			return fmt.Errorf("Notify.WebhookURL: %w", err)
		}
	}
	sendgridSet := 0
	for _, v := range []string{c.Notify.SendGridAPIKey, c.Notify.SendGridFrom, c.Notify.SendGridTo} {
		if v != "" {
			sendgridSet++
		}
	}
	if sendgridSet != 0 && sendgridSet != 3 {
		return newFieldError("Notify.SendGrid", "APIKey/From/To 必须同时提供或同时留空")
	}

	c.Metadata.Backend = strings.ToLower(strings.TrimSpace(c.Metadata.Backend))
	switch c.Metadata.Backend {
	case BackendSQLite:
	case BackendRedis:
		if c.Metadata.RedisAddr == "" {
			return newFieldError("Metadata.RedisAddr", "Backend=redis 时不能为空")
		}
	default:
		return newFieldError("Metadata.Backend", "仅支持 sqlite/redis")
	}

	return nil
}

func validatePattern(pattern string) error {
	if !strings.HasPrefix(pattern, "/") {
		return errors.New("必须以 / 开头")
	}
	if _, err := path.Match(strings.TrimSuffix(pattern, "/**"), "/"); err != nil {
		return fmt.Errorf("非法的匹配模式: %v", err)
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
