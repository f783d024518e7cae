package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 tier/策略/命中状态字段，供代理请求日志复用。
func RequestFields(tier, strategy, method, target string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"tier":      tier,
		"strategy":  strategy,
		"method":    method,
		"target":    target,
		"cache_hit": cacheHit,
	}
}

// MutationFields 提供延迟变更的标识字段，供入队与重放日志复用。
func MutationFields(id, kind string, attempts int) logrus.Fields {
	return logrus.Fields{
		"mutation_id": id,
		"kind":        kind,
		"attempts":    attempts,
	}
}
