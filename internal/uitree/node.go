package uitree

// Rect 是屏幕坐标下的元素边界。
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Mid 返回边界中点，按整数截断。
func (r Rect) Mid() (int, int) {
	return (r.Left + r.Right) / 2, (r.Top + r.Bottom) / 2
}

// Flags 是元素的布尔能力。
type Flags struct {
	Clickable  bool `json:"clickable,omitempty"`
	Focusable  bool `json:"focusable,omitempty"`
	Focused    bool `json:"focused,omitempty"`
	Scrollable bool `json:"scrollable,omitempty"`
	Editable   bool `json:"editable,omitempty"`
	Enabled    bool `json:"enabled,omitempty"`
}

// Info 是读取一个元素得到的全部属性。
type Info struct {
	ClassName          string
	Text               string
	ContentDescription string
	ResourceID         string
	Bounds             Rect
	Flags              Flags
}

// Node 是一棵实时 UI 树上的元素。实现方读取属性时可能失败，
// 失败应通过 error 返回。
type Node interface {
	Describe() (Info, error)
	Children() ([]Node, error)
}

// StaticNode 是可由 JSON 描述的内存节点，用于夹具与回放。
type StaticNode struct {
	Class       string        `json:"class"`
	Text        string        `json:"text,omitempty"`
	Description string        `json:"desc,omitempty"`
	ResourceID  string        `json:"id,omitempty"`
	Bounds      Rect          `json:"bounds"`
	Flags       Flags         `json:"flags"`
	Items       []*StaticNode `json:"children,omitempty"`
}

// Describe 实现 Node。
func (n *StaticNode) Describe() (Info, error) {
	return Info{
		ClassName:          n.Class,
		Text:               n.Text,
		ContentDescription: n.Description,
		ResourceID:         n.ResourceID,
		Bounds:             n.Bounds,
		Flags:              n.Flags,
	}, nil
}

// Children 实现 Node。
func (n *StaticNode) Children() ([]Node, error) {
	out := make([]Node, 0, len(n.Items))
	for _, child := range n.Items {
		if child != nil {
			out = append(out, child)
		}
	}
	return out, nil
}

// FindDescendant 按广度优先在 maxDepth 层以内查找第一个满足条件的后代，
// 不包括 node 自身。读取失败的节点被跳过。
func FindDescendant(node Node, maxDepth int, match func(Info) bool) Node {
	type entry struct {
		node  Node
		depth int
	}
	queue := []entry{{node: node}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}
		children, err := cur.node.Children()
		if err != nil {
			continue
		}
		for _, child := range children {
			if info, err := child.Describe(); err == nil && match(info) {
				return child
			}
			queue = append(queue, entry{node: child, depth: cur.depth + 1})
		}
	}
	return nil
}
