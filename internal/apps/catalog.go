package apps

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver 定义从应用名称到包名的解析接口。
type Resolver interface {
	Resolve(name string) (Entry, bool)
}

// Entry 描述目录中的一条应用记录。
type Entry struct {
	Name     string   `json:"name"`
	Package  string   `json:"package"`
	Category string   `json:"category"`
	Keywords []string `json:"keywords"`
}

// Catalog 通过加载 JSON 文件提供静态的应用名称与包名映射。
// 规划器倾向输出应用的自然语言名称，执行前需要换算成包名。
type Catalog struct {
	entries []Entry
}

// NewCatalog 基于给定条目创建目录。
func NewCatalog(entries []Entry) *Catalog {
	return &Catalog{entries: entries}
}

// LoadCatalog 从 JSON 文件加载应用条目。
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("应用目录文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析应用目录路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取应用目录文件失败: %w", err)
	}
	defer file.Close()

	var entries []Entry
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析应用目录文件失败: %w", err)
	}

	return NewCatalog(entries), nil
}

// Resolve 根据应用名称、包名或关键词查找条目。
func (c *Catalog) Resolve(name string) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return Entry{}, false
	}

	// 先精确匹配包名与名称，再尝试关键词。
	for _, entry := range c.entries {
		if strings.ToLower(entry.Package) == needle || strings.ToLower(entry.Name) == needle {
			return entry, true
		}
	}
	for _, entry := range c.entries {
		for _, keyword := range entry.Keywords {
			normalized := strings.ToLower(strings.TrimSpace(keyword))
			if normalized == "" {
				continue
			}
			if normalized == needle || strings.Contains(needle, normalized) {
				return entry, true
			}
		}
	}
	return Entry{}, false
}

// CategoryOf 返回包名所属的分类，未收录时返回空串。
func (c *Catalog) CategoryOf(pkg string) string {
	if c == nil {
		return ""
	}
	pkg = strings.ToLower(strings.TrimSpace(pkg))
	for _, entry := range c.entries {
		if strings.ToLower(entry.Package) == pkg {
			return entry.Category
		}
	}
	return ""
}

// Entries 返回目录的全部条目副本。
func (c *Catalog) Entries() []Entry {
	if c == nil {
		return nil
	}
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Ensure Catalog 实现 Resolver 接口。
var _ Resolver = (*Catalog)(nil)
