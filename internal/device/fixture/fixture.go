// Package fixture implements the device and UI automation contracts over a
// JSON described screen. It backs dry runs of the daemon and the tests of the
// tool catalogue; every side effect is recorded instead of performed.
package fixture

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"OpenMCP-Pilot/internal/await"
	"OpenMCP-Pilot/internal/device"
	"OpenMCP-Pilot/internal/uitree"
)

// Spec 是夹具文件的结构。
type Spec struct {
	Viewport struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"viewport"`
	Apps           []device.AppInfo    `json:"apps"`
	Recent         []device.AppUsage   `json:"recent"`
	Frequent       []device.AppUsage   `json:"frequent"`
	URLSchemes     map[string][]string `json:"url_schemes"`
	Screen         *uitree.StaticNode  `json:"screen"`
	IMEEnter       bool                `json:"ime_enter"`
	RejectGestures bool                `json:"reject_gestures"`
}

// ActionRecord 记录一次节点动作。
type ActionRecord struct {
	Node   *uitree.StaticNode
	Action device.Action
	Text   string
}

// URLRecord 记录一次打开链接。
type URLRecord struct {
	URL     string
	Package string
}

// Records 是夹具记录下的副作用。
type Records struct {
	Gestures []device.Gesture
	Actions  []ActionRecord
	Globals  []device.GlobalAction
	Keys     []device.Key
	Launched []string
	Opened   []URLRecord
	Searches []string
}

// Device 同时实现 device.Context 与 device.UIAutomation。
type Device struct {
	mu   sync.Mutex
	spec Spec
	rec  Records
}

var (
	_ device.Context      = (*Device)(nil)
	_ device.UIAutomation = (*Device)(nil)
)

// New 基于内存中的描述创建夹具设备。
func New(spec Spec) *Device {
	if spec.Viewport.Width <= 0 {
		spec.Viewport.Width = 1080
	}
	if spec.Viewport.Height <= 0 {
		spec.Viewport.Height = 2400
	}
	return &Device{spec: spec}
}

// Load 从 JSON 文件加载夹具。
func Load(path string) (*Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取设备夹具失败: %w", err)
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("解析设备夹具失败: %w", err)
	}
	return New(spec), nil
}

// WithSchemes 合并额外的 URL scheme 声明，已有声明会被覆盖。
func (d *Device) WithSchemes(schemes map[string][]string) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.spec.URLSchemes == nil {
		d.spec.URLSchemes = make(map[string][]string, len(schemes))
	}
	for pkg, list := range schemes {
		d.spec.URLSchemes[pkg] = append([]string(nil), list...)
	}
	return d
}

// Records 返回副作用记录的副本。
func (d *Device) Records() Records {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Records{
		Gestures: append([]device.Gesture(nil), d.rec.Gestures...),
		Actions:  append([]ActionRecord(nil), d.rec.Actions...),
		Globals:  append([]device.GlobalAction(nil), d.rec.Globals...),
		Keys:     append([]device.Key(nil), d.rec.Keys...),
		Launched: append([]string(nil), d.rec.Launched...),
		Opened:   append([]URLRecord(nil), d.rec.Opened...),
		Searches: append([]string(nil), d.rec.Searches...),
	}
}

// DispatchGesture 实现 device.UIAutomation。
func (d *Device) DispatchGesture(ctx context.Context, g device.Gesture, timeout time.Duration) device.GestureOutcome {
	res := await.Do(ctx, timeout, func(reply func(bool)) {
		d.mu.Lock()
		reject := d.spec.RejectGestures
		if !reject {
			d.rec.Gestures = append(d.rec.Gestures, g)
		}
		d.mu.Unlock()
		reply(!reject)
	})
	switch {
	case !res.Ok():
		return device.GestureTimedOut
	case res.Value:
		return device.GestureCompleted
	default:
		return device.GestureRejected
	}
}

// RootInActiveWindow 实现 device.UIAutomation。
func (d *Device) RootInActiveWindow() uitree.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.spec.Screen == nil {
		return nil
	}
	return d.spec.Screen
}

// PerformAction 实现 device.UIAutomation。
func (d *Device) PerformAction(node uitree.Node, action device.Action, args *device.ActionArgs) bool {
	target, ok := node.(*uitree.StaticNode)
	if !ok || target == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := ActionRecord{Node: target, Action: action}
	if args != nil {
		rec.Text = args.Text
	}
	d.rec.Actions = append(d.rec.Actions, rec)

	switch action {
	case device.ActionClick:
		if target.Flags.Editable {
			d.focusLocked(target)
		}
		return target.Flags.Clickable || target.Flags.Editable
	case device.ActionFocus:
		if !target.Flags.Focusable && !target.Flags.Editable {
			return false
		}
		d.focusLocked(target)
		return true
	case device.ActionSetText:
		if !target.Flags.Editable || args == nil {
			return false
		}
		target.Text = args.Text
		return true
	case device.ActionIMEEnter:
		return d.spec.IMEEnter
	default:
		return false
	}
}

func (d *Device) focusLocked(target *uitree.StaticNode) {
	walk(d.spec.Screen, func(n *uitree.StaticNode) bool {
		n.Flags.Focused = false
		return false
	})
	target.Flags.Focused = true
}

// PerformGlobalAction 实现 device.UIAutomation。
func (d *Device) PerformGlobalAction(action device.GlobalAction) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rec.Globals = append(d.rec.Globals, action)
	return true
}

// FindFocusedEditable 实现 device.UIAutomation。
func (d *Device) FindFocusedEditable() uitree.Node {
	return d.find(func(n *uitree.StaticNode) bool { return n.Flags.Focused && n.Flags.Editable })
}

// FindNodeByViewID 实现 device.UIAutomation。
func (d *Device) FindNodeByViewID(id string) uitree.Node {
	if id == "" {
		return nil
	}
	return d.find(func(n *uitree.StaticNode) bool { return n.ResourceID == id })
}

// InjectKey 实现 device.UIAutomation。
func (d *Device) InjectKey(key device.Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rec.Keys = append(d.rec.Keys, key)
	return true
}

func (d *Device) find(match func(*uitree.StaticNode) bool) uitree.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	var found *uitree.StaticNode
	walk(d.spec.Screen, func(n *uitree.StaticNode) bool {
		if match(n) {
			found = n
			return true
		}
		return false
	})
	if found == nil {
		return nil
	}
	return found
}

// walk 深度优先遍历，visit 返回 true 时停止。
func walk(n *uitree.StaticNode, visit func(*uitree.StaticNode) bool) bool {
	if n == nil {
		return false
	}
	if visit(n) {
		return true
	}
	for _, child := range n.Items {
		if walk(child, visit) {
			return true
		}
	}
	return false
}

// LaunchApp 实现 device.Context。
func (d *Device) LaunchApp(_ context.Context, packageName string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, app := range d.spec.Apps {
		if app.PackageName == packageName {
			d.rec.Launched = append(d.rec.Launched, packageName)
			return true, nil
		}
	}
	return false, nil
}

// ListInstalledApps 实现 device.Context。
func (d *Device) ListInstalledApps(context.Context) ([]device.AppInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]device.AppInfo(nil), d.spec.Apps...), nil
}

// ViewportSize 实现 device.Context。
func (d *Device) ViewportSize() (int, int) {
	return d.spec.Viewport.Width, d.spec.Viewport.Height
}

// SupportedSchemes 实现 device.Context。
func (d *Device) SupportedSchemes(packageName string) ([]string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	schemes, ok := d.spec.URLSchemes[packageName]
	return append([]string(nil), schemes...), ok
}

// OpenURL 实现 device.Context。
func (d *Device) OpenURL(_ context.Context, rawURL, packageName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rec.Opened = append(d.rec.Opened, URLRecord{URL: rawURL, Package: packageName})
	return nil
}

// WebSearch 实现 device.Context。
func (d *Device) WebSearch(_ context.Context, query string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rec.Searches = append(d.rec.Searches, query)
	return nil
}

// RecentApps 实现 device.Context。
func (d *Device) RecentApps(_ context.Context, limit int) ([]device.AppUsage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return head(d.spec.Recent, limit), nil
}

// FrequentApps 实现 device.Context。
func (d *Device) FrequentApps(_ context.Context, limit int) ([]device.AppUsage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return head(d.spec.Frequent, limit), nil
}

func head(items []device.AppUsage, limit int) []device.AppUsage {
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}
	return append([]device.AppUsage(nil), items[:limit]...)
}
