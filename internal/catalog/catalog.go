package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"OpenMCP-Pilot/internal/device"
)

// Rule 把命中关键字或包名前缀的应用归入一个分类。
type Rule struct {
	Category string   `yaml:"category" json:"category"`
	Keywords []string `yaml:"keywords" json:"keywords"`
	Packages []string `yaml:"packages" json:"packages"`
}

// Group 是同一分类下的应用。
type Group struct {
	Category string
	Apps     []device.AppInfo
}

const (
	otherCategory  = "Other"
	systemCategory = "System"
)

// DefaultRules 是未提供规则文件时使用的内置分类。
var DefaultRules = []Rule{
	{Category: "Communication", Keywords: []string{"message", "messag", "chat", "mail", "phone", "dialer", "contacts", "whatsapp", "telegram", "signal", "wechat"}},
	{Category: "Browser", Keywords: []string{"browser", "chrome", "firefox", "opera", "edge"}},
	{Category: "Navigation", Keywords: []string{"maps", "map", "navigation", "uber", "lyft", "transit"}},
	{Category: "Media", Keywords: []string{"music", "video", "youtube", "spotify", "podcast", "camera", "photos", "gallery", "netflix"}},
	{Category: "Productivity", Keywords: []string{"calendar", "notes", "docs", "drive", "office", "keep", "todo", "clock", "calculator"}},
	{Category: "Shopping", Keywords: []string{"shop", "store", "amazon", "taobao", "market"}},
	{Category: "Settings", Keywords: []string{"settings"}, Packages: []string{"com.android.settings"}},
}

// Catalog 根据规则对已安装应用分组。
type Catalog struct {
	rules []Rule
}

// New 创建分类器，rules 为空时使用 DefaultRules。
func New(rules []Rule) *Catalog {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Catalog{rules: rules}
}

// Load 从 YAML 或 JSON 文件加载规则。
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("分类规则文件路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析分类规则路径失败: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取分类规则文件失败: %w", err)
	}
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("解析分类规则文件失败: %w", err)
	}
	return New(rules), nil
}

// Categorize 按规则顺序分组，未命中的非系统应用归入 Other，系统应用归入 System。
// 组内按标签排序，空分组不输出。
func (c *Catalog) Categorize(apps []device.AppInfo) []Group {
	buckets := make(map[string][]device.AppInfo)
	for _, app := range apps {
		category := c.match(app)
		buckets[category] = append(buckets[category], app)
	}

	order := make([]string, 0, len(c.rules)+2)
	for _, rule := range c.rules {
		order = append(order, rule.Category)
	}
	order = append(order, otherCategory, systemCategory)

	groups := make([]Group, 0, len(buckets))
	seen := make(map[string]bool, len(order))
	for _, category := range order {
		if seen[category] || len(buckets[category]) == 0 {
			continue
		}
		seen[category] = true
		list := buckets[category]
		sort.SliceStable(list, func(i, j int) bool {
			return strings.ToLower(list[i].Label) < strings.ToLower(list[j].Label)
		})
		groups = append(groups, Group{Category: category, Apps: list})
	}
	return groups
}

// Render 输出供系统提示使用的分组文本。
func (c *Catalog) Render(apps []device.AppInfo) string {
	var b strings.Builder
	for _, group := range c.Categorize(apps) {
		b.WriteString(group.Category)
		b.WriteString(":\n")
		for _, app := range group.Apps {
			fmt.Fprintf(&b, "- %s (%s)\n", app.Label, app.PackageName)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Catalog) match(app device.AppInfo) string {
	label := strings.ToLower(app.Label)
	pkg := strings.ToLower(app.PackageName)
	for _, rule := range c.rules {
		for _, prefix := range rule.Packages {
			if prefix != "" && strings.HasPrefix(pkg, strings.ToLower(prefix)) {
				return rule.Category
			}
		}
		for _, keyword := range rule.Keywords {
			normalized := strings.ToLower(strings.TrimSpace(keyword))
			if normalized == "" {
				continue
			}
			if strings.Contains(label, normalized) || strings.Contains(pkg, normalized) {
				return rule.Category
			}
		}
	}
	if app.IsSystemApp {
		return systemCategory
	}
	return otherCategory
}
