package queue

import (
	"strings"

	"github.com/any-hub/offline-hub/internal/dispatch"
)

// Route 声明哪些写请求属于可延迟变更。Method 为 "*" 时匹配任意写方法。
type Route struct {
	Pattern string
	Method  string
	Kind    Kind
}

// Routes 是按声明顺序匹配的变更路由表。
type Routes []Route

// Match 返回 method/target 命中的变更类别；GET/HEAD/OPTIONS 永不命中。
func (r Routes) Match(method, target string) (Kind, bool) {
	method = strings.ToUpper(method)
	switch method {
	case "GET", "HEAD", "OPTIONS":
		return "", false
	}
	for _, route := range r {
		if route.Method != "" && route.Method != "*" && !strings.EqualFold(route.Method, method) {
			continue
		}
		if dispatch.MatchPattern(route.Pattern, target) {
			return route.Kind, true
		}
	}
	return "", false
}
