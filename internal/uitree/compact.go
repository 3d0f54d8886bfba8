package uitree

import (
	"fmt"
	"strconv"
	"strings"
)

// CoordinateHint 总是出现在压缩结果之前，告诉模型坐标格式。
const CoordinateHint = "Each element ends with its bounds as [left,top,right,bottom] in screen pixels " +
	"followed by midpoint=(x,y); tap the midpoint to activate an element. Indentation shows nesting."

const indentUnit = "  "

// structuralTypes 中的类型在既无文本也无描述时不单独成行，子节点照常输出。
var structuralTypes = map[string]struct{}{
	"View":                 {},
	"ViewGroup":            {},
	"FrameLayout":          {},
	"LinearLayout":         {},
	"RelativeLayout":       {},
	"ConstraintLayout":     {},
	"CoordinatorLayout":    {},
	"GridLayout":           {},
	"TableLayout":          {},
	"ImageView":            {},
	"TextView":             {},
	"ListView":             {},
	"GridView":             {},
	"RecyclerView":         {},
	"ScrollView":           {},
	"HorizontalScrollView": {},
	"NestedScrollView":     {},
	"ViewPager":            {},
	"CardView":             {},
	"ComposeView":          {},
	"AndroidComposeView":   {},
}

// Compact 把 UI 树压缩为带坐标注释的文本。结果总以 CoordinateHint 开头，
// 任何节点读取失败都以 ERROR 行代替，不会中断遍历。
func Compact(root Node) string {
	if root == nil {
		return CoordinateHint + "\n(no active window)"
	}
	body := render(root, 0)
	if body == "" {
		return CoordinateHint
	}
	return CoordinateHint + "\n" + body
}

func render(node Node, depth int) (out string) {
	indent := strings.Repeat(indentUnit, depth)
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprintf("%sERROR: %v", indent, r)
		}
	}()

	var (
		info     Info
		attrs    []string
		children []Node
		childErr error
	)
	// 没有属性且只有一个子节点的容器直接跳过，深度不变。
	for {
		var err error
		info, err = node.Describe()
		if err != nil {
			return fmt.Sprintf("%sERROR: %v", indent, err)
		}
		attrs = attributes(info)
		children, childErr = node.Children()
		if len(attrs) == 0 && childErr == nil && len(children) == 1 {
			node = children[0]
			continue
		}
		break
	}

	lines := make([]string, 0, len(children)+1)
	if !suppressed(info) {
		lines = append(lines, indent+formatLine(attrs, info.Bounds))
	}
	if childErr != nil {
		lines = append(lines, fmt.Sprintf("%sERROR: %v", indent+indentUnit, childErr))
	}
	for _, child := range children {
		if child == nil {
			continue
		}
		if line := render(child, depth+1); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func attributes(info Info) []string {
	attrs := make([]string, 0, 7)
	if info.Text != "" {
		attrs = append(attrs, "text="+strconv.Quote(info.Text))
	}
	if info.ContentDescription != "" {
		attrs = append(attrs, "desc="+strconv.Quote(info.ContentDescription))
	}
	if info.ResourceID != "" {
		attrs = append(attrs, "id="+strconv.Quote(info.ResourceID))
	}
	if info.Flags.Clickable {
		attrs = append(attrs, "clickable")
	}
	if info.Flags.Focusable {
		attrs = append(attrs, "focusable")
	}
	if info.Flags.Scrollable {
		attrs = append(attrs, "scrollable")
	}
	if info.Flags.Editable {
		attrs = append(attrs, "editable")
	}
	return attrs
}

func suppressed(info Info) bool {
	if info.Text != "" || info.ContentDescription != "" {
		return false
	}
	_, ok := structuralTypes[SimpleName(info.ClassName)]
	return ok
}

func formatLine(attrs []string, bounds Rect) string {
	midX, midY := bounds.Mid()
	coords := fmt.Sprintf("[%d,%d,%d,%d] midpoint=(%d,%d)",
		bounds.Left, bounds.Top, bounds.Right, bounds.Bottom, midX, midY)
	if len(attrs) == 0 {
		return coords
	}
	return strings.Join(attrs, " ") + " " + coords
}

// SimpleName 返回类名最后一段，例如 android.widget.TextView 返回 TextView。
func SimpleName(className string) string {
	if idx := strings.LastIndexAny(className, ".$"); idx >= 0 {
		return className[idx+1:]
	}
	return className
}
