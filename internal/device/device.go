package device

import (
	"context"
	"time"

	"OpenMCP-Pilot/internal/uitree"
)

// Point 是屏幕坐标。
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Stroke 是一条带时间信息的手势轨迹。
type Stroke struct {
	Path     []Point       `json:"path"`
	Start    time.Duration `json:"start"`
	Duration time.Duration `json:"duration"`
}

// Gesture 由一条或多条轨迹组成。
type Gesture struct {
	Strokes []Stroke `json:"strokes"`
}

// 默认手势时长。
const (
	DefaultTapDuration   = 50 * time.Millisecond
	DefaultSwipeDuration = 300 * time.Millisecond
)

// Tap 构造一次点击。
func Tap(x, y int) Gesture {
	return Gesture{Strokes: []Stroke{{Path: []Point{{X: x, Y: y}}, Duration: DefaultTapDuration}}}
}

// Swipe 构造一次滑动。duration <= 0 时使用默认值。
func Swipe(x1, y1, x2, y2 int, duration time.Duration) Gesture {
	if duration <= 0 {
		duration = DefaultSwipeDuration
	}
	return Gesture{Strokes: []Stroke{{Path: []Point{{X: x1, Y: y1}, {X: x2, Y: y2}}, Duration: duration}}}
}

// TotalDuration 返回手势结束所需的时间。
func (g Gesture) TotalDuration() time.Duration {
	var total time.Duration
	for _, s := range g.Strokes {
		if end := s.Start + s.Duration; end > total {
			total = end
		}
	}
	return total
}

// GestureOutcome 是手势派发的结果。
type GestureOutcome uint8

const (
	GestureCompleted GestureOutcome = iota
	GestureRejected
	GestureTimedOut
)

func (o GestureOutcome) String() string {
	switch o {
	case GestureCompleted:
		return "completed"
	case GestureRejected:
		return "rejected"
	default:
		return "timed out"
	}
}

// Action 是可对节点执行的无障碍动作。
type Action string

const (
	ActionClick    Action = "click"
	ActionFocus    Action = "focus"
	ActionSetText  Action = "set_text"
	ActionIMEEnter Action = "ime_enter"
)

// ActionArgs 是动作参数。
type ActionArgs struct {
	Text string
}

// GlobalAction 是不针对具体节点的系统动作。
type GlobalAction string

const (
	GlobalHome    GlobalAction = "home"
	GlobalBack    GlobalAction = "back"
	GlobalRecents GlobalAction = "recents"
)

// Key 是原始按键事件。
type Key string

const KeyEnter Key = "ENTER"

// UIAutomation 是界面自动化能力，对应无障碍服务。
type UIAutomation interface {
	// DispatchGesture 阻塞到手势完成、被拒绝或超时。
	DispatchGesture(ctx context.Context, g Gesture, timeout time.Duration) GestureOutcome
	RootInActiveWindow() uitree.Node
	PerformAction(node uitree.Node, action Action, args *ActionArgs) bool
	PerformGlobalAction(action GlobalAction) bool
	FindFocusedEditable() uitree.Node
	FindNodeByViewID(id string) uitree.Node
	InjectKey(key Key) bool
}

// AppInfo 描述一个已安装应用。
type AppInfo struct {
	PackageName string `json:"package"`
	Label       string `json:"label"`
	IsSystemApp bool   `json:"system,omitempty"`
}

// AppUsage 是应用使用统计条目。
type AppUsage struct {
	PackageName string        `json:"package"`
	Label       string        `json:"label"`
	LastUsed    time.Time     `json:"last_used"`
	Foreground  time.Duration `json:"foreground"`
	LaunchCount int           `json:"launch_count"`
}

// Context 是设备层能力：启动应用、查询应用、打开链接等。
type Context interface {
	// LaunchApp 返回 false 表示找不到可启动的入口。
	LaunchApp(ctx context.Context, packageName string) (bool, error)
	ListInstalledApps(ctx context.Context) ([]AppInfo, error)
	ViewportSize() (width, height int)
	// SupportedSchemes 返回应用声明可处理的 URL scheme，ok=false 表示未知。
	SupportedSchemes(packageName string) (schemes []string, ok bool)
	OpenURL(ctx context.Context, rawURL, packageName string) error
	WebSearch(ctx context.Context, query string) error
	RecentApps(ctx context.Context, limit int) ([]AppUsage, error)
	FrequentApps(ctx context.Context, limit int) ([]AppUsage, error)
}
