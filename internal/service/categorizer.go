package service

import (
	"strings"

	"fintracker/internal/config"
)

// Categorizer 关键词分类器
// 导入流水时按描述关键词归类，是 LLM 分类服务不可用或
// 未接入时的本地兜底。规则来自配置，按顺序首条命中生效
type Categorizer struct {
	rules []config.CategoryRule
}

func NewCategorizer(rules []config.CategoryRule) *Categorizer {
	return &Categorizer{rules: rules}
}

// Categorize 返回命中的分类名，没命中返回空串（未分类）
func (c *Categorizer) Categorize(description string) string {
	for _, rule := range c.rules {
		if rule.Keyword == "" {
			continue
		}
		if strings.Contains(description, rule.Keyword) {
			return rule.Category
		}
	}
	return ""
}
