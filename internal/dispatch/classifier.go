package dispatch

import (
	"path"
	"strings"
)

// Strategy 决定缓存与网络的先后顺序。
type Strategy string

const (
	CacheFirst   Strategy = "cache-first"
	NetworkFirst Strategy = "network-first"
)

// Rule 是分类表中的一行。Pattern 为空时匹配任意路径，ContentClass 为空时匹配任意内容类型。
type Rule struct {
	Pattern      string
	ContentClass string
	Strategy     Strategy
	Tier         string
}

// Classifier 按声明顺序匹配规则，首个命中者生效，全部未命中时使用 fallback。
type Classifier struct {
	rules    []Rule
	fallback Rule
}

// NewClassifier 构建分类器；fallback.Strategy 为空时视为 network-first。
func NewClassifier(rules []Rule, fallback Rule) *Classifier {
	if fallback.Strategy == "" {
		fallback.Strategy = NetworkFirst
	}
	copied := make([]Rule, len(rules))
	copy(copied, rules)
	return &Classifier{rules: copied, fallback: fallback}
}

// Classify 返回 target（可带查询串）与 contentClass 命中的规则。
func (c *Classifier) Classify(target, contentClass string) Rule {
	p := targetPath(target)
	for _, rule := range c.rules {
		if rule.ContentClass != "" && !strings.EqualFold(rule.ContentClass, contentClass) {
			continue
		}
		if !MatchPattern(rule.Pattern, p) {
			continue
		}
		if rule.Strategy == "" {
			rule.Strategy = NetworkFirst
		}
		if rule.Tier == "" {
			rule.Tier = c.fallback.Tier
		}
		return rule
	}
	return c.fallback
}

// Rules 返回分类表副本，供诊断接口输出。
func (c *Classifier) Rules() []Rule {
	copied := make([]Rule, len(c.rules))
	copy(copied, c.rules)
	return copied
}

// MatchPattern 使用 path.Match 语义匹配路径；以 "/**" 结尾的模式按前缀匹配其下任意层级。
func MatchPattern(pattern, p string) bool {
	if pattern == "" {
		return true
	}
	p = targetPath(p)
	prefix, ok := strings.CutSuffix(pattern, "/**")
	if !ok {
		matched, err := path.Match(pattern, p)
		return err == nil && matched
	}
	if prefix == "" {
		return true
	}
	depth := strings.Count(prefix, "/")
	segments := strings.SplitAfterN(p, "/", depth+2)
	if len(segments) < depth+1 {
		return false
	}
	head := strings.TrimSuffix(strings.Join(segments[:depth+1], ""), "/")
	matched, err := path.Match(prefix, head)
	return err == nil && matched
}

// targetPath 去掉查询串并规整为以 / 开头的干净路径。
func targetPath(target string) string {
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	if target == "" {
		return "/"
	}
	return path.Clean("/" + target)
}
