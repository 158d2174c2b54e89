package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// LayerFields 提供 layer/tier/命中状态字段，供请求结果日志复用。
func LayerFields(layerID, tier, outcome string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"layer":     layerID,
		"tier":      tier,
		"outcome":   outcome,
		"cache_hit": cacheHit,
	}
}
