package safety

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"PhonePilot/internal/action"
)

// Rule 描述一类需要人工确认的敏感操作。规则是数据而非代码，
// 扩展敏感类别时不需要改动循环逻辑。
type Rule struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Kinds       []string `yaml:"kinds"`
	Packages    []string `yaml:"packages"`
	Categories  []string `yaml:"categories"`
}

// RuleTable 是带版本号的敏感操作规则集合。
type RuleTable struct {
	Version int    `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// LoadRules 从 YAML 文件加载规则表。
func LoadRules(path string) (*RuleTable, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("规则表路径不能为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取规则表失败: %w", err)
	}
	var table RuleTable
	if err := yaml.Unmarshal(content, &table); err != nil {
		return nil, fmt.Errorf("解析规则表失败: %w", err)
	}
	if table.Version <= 0 {
		return nil, fmt.Errorf("规则表缺少版本号")
	}
	return &table, nil
}

// NewRuleTable 基于给定规则构造规则表。
func NewRuleTable(rules ...Rule) *RuleTable {
	return &RuleTable{Version: 1, Rules: rules}
}

// matches 判断动作是否命中规则。pkg 是动作的归属应用：携带目标应用的
// 动作取其自身包名，其余动作取当前前台应用；category 为该应用的分类，
// 无法确定时为空串。
func (r Rule) matches(kind action.Kind, pkg, category string) bool {
	if len(r.Kinds) > 0 {
		found := false
		for _, k := range r.Kinds {
			if strings.EqualFold(k, string(kind)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	// 包名与分类约束只在能确定归属应用时生效；
	// 带这类约束的规则不匹配归属未知的动作。
	if len(r.Packages) > 0 || len(r.Categories) > 0 {
		if pkg == "" {
			return false
		}
		for _, p := range r.Packages {
			if strings.EqualFold(p, pkg) {
				return true
			}
		}
		for _, cat := range r.Categories {
			if category != "" && strings.EqualFold(cat, category) {
				return true
			}
		}
		return false
	}
	return len(r.Kinds) > 0
}
