package tools

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"OpenMCP-Pilot/internal/conversation"
	"OpenMCP-Pilot/internal/device"
	"OpenMCP-Pilot/internal/uitree"
)

// 内置工具名。
const (
	ToolUISnapshot           = "get_ui_hierarchy"
	ToolHome                 = "home"
	ToolBack                 = "back"
	ToolLaunchApp            = "launch_app"
	ToolTap                  = "tap"
	ToolSwipe                = "swipe"
	ToolScroll               = "scroll"
	ToolSetText              = "set_text"
	ToolSetTextByDescription = "set_text_by_description"
	ToolWebSearch            = "web_search"
	ToolOpenURL              = "open_url"
	ToolRecentApps           = "recent_apps"
	ToolFrequentApps         = "frequent_apps"
)

// BuiltinOptions 调整内置工具的时间参数。
type BuiltinOptions struct {
	GestureTimeout time.Duration
	SettleDelay    time.Duration
	AppListLimit   int
}

func (o BuiltinOptions) withDefaults() BuiltinOptions {
	if o.GestureTimeout <= 0 {
		o.GestureTimeout = 5 * time.Second
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = 500 * time.Millisecond
	}
	if o.AppListLimit <= 0 {
		o.AppListLimit = 10
	}
	return o
}

func param(name string, typ conversation.ParamType, desc string, required bool) conversation.Parameter {
	return conversation.Parameter{Name: name, Type: typ, Description: desc, Required: required}
}

// Builtins 返回内置工具表，顺序即暴露给模型的顺序。
func Builtins(opts BuiltinOptions) []Descriptor {
	opts = opts.withDefaults()
	return []Descriptor{
		{
			Definition: conversation.ToolDefinition{
				Name:        ToolUISnapshot,
				Description: "Read the current screen as a compact element tree with bounds and tap midpoints.",
			},
			NeedsUI: true,
			Handler: func(_ context.Context, env Env, _ Args) (string, error) {
				return uitree.Compact(env.UI.RootInActiveWindow()), nil
			},
		},
		{
			Definition: conversation.ToolDefinition{Name: ToolHome, Description: "Press the home button."},
			NeedsUI:    true,
			Handler:    globalAction(device.GlobalHome, "Pressed home button"),
		},
		{
			Definition: conversation.ToolDefinition{Name: ToolBack, Description: "Press the back button."},
			NeedsUI:    true,
			Handler:    globalAction(device.GlobalBack, "Pressed back button"),
		},
		{
			Definition: conversation.ToolDefinition{
				Name:        ToolLaunchApp,
				Description: "Launch an installed app by its package name.",
				Parameters:  []conversation.Parameter{param("package", conversation.TypeString, "Package name, e.g. com.android.settings", true)},
			},
			NeedsDevice: true,
			Handler:     launchApp,
		},
		{
			Definition: conversation.ToolDefinition{
				Name:        ToolTap,
				Description: "Tap the screen at the given coordinates.",
				Parameters: []conversation.Parameter{
					param("x", conversation.TypeInteger, "X coordinate in pixels", true),
					param("y", conversation.TypeInteger, "Y coordinate in pixels", true),
				},
			},
			NeedsUI: true,
			Handler: tap(opts),
		},
		{
			Definition: conversation.ToolDefinition{
				Name:        ToolSwipe,
				Description: "Swipe from (x1,y1) to (x2,y2).",
				Parameters: []conversation.Parameter{
					param("x1", conversation.TypeInteger, "Start X", true),
					param("y1", conversation.TypeInteger, "Start Y", true),
					param("x2", conversation.TypeInteger, "End X", true),
					param("y2", conversation.TypeInteger, "End Y", true),
					param("duration", conversation.TypeInteger, "Duration in milliseconds (default 300)", false),
				},
			},
			NeedsUI: true,
			Handler: swipe(opts),
		},
		{
			Definition: conversation.ToolDefinition{
				Name:        ToolScroll,
				Description: "Scroll the screen and return the refreshed element tree.",
				Parameters: []conversation.Parameter{
					param("direction", conversation.TypeString, "down (default) or up", false),
					param("duration", conversation.TypeInteger, "Swipe duration in milliseconds", false),
					param("settle_delay", conversation.TypeInteger, "Wait in milliseconds before reading the screen", false),
				},
			},
			NeedsUI: true,
			Handler: scroll(opts),
		},
		{
			Definition: conversation.ToolDefinition{
				Name:        ToolSetText,
				Description: "Type text into the field with the given id, or the focused field.",
				Parameters: []conversation.Parameter{
					param("text", conversation.TypeString, "Text to enter", true),
					param("submit", conversation.TypeBoolean, "Press enter afterwards", false),
					param("id", conversation.TypeString, "Resource id of the field", false),
				},
			},
			NeedsUI: true,
			Handler: setText,
		},
		{
			Definition: conversation.ToolDefinition{
				Name:        ToolSetTextByDescription,
				Description: "Type text into the field whose content description matches.",
				Parameters: []conversation.Parameter{
					param("text", conversation.TypeString, "Text to enter", true),
					param("description", conversation.TypeString, "Content description of the field", true),
					param("id", conversation.TypeString, "Resource id, preferred when given", false),
					param("submit", conversation.TypeBoolean, "Press enter afterwards", false),
				},
			},
			NeedsUI: true,
			Handler: setTextByDescription,
		},
		{
			Definition: conversation.ToolDefinition{
				Name:        ToolWebSearch,
				Description: "Open a web search for the query.",
				Parameters:  []conversation.Parameter{param("query", conversation.TypeString, "Search query", true)},
			},
			NeedsDevice: true,
			Handler:     webSearch,
		},
		{
			Definition: conversation.ToolDefinition{
				Name:        ToolOpenURL,
				Description: "Open a URL, optionally in a specific app.",
				Parameters: []conversation.Parameter{
					param("url", conversation.TypeString, "URL to open", true),
					param("package", conversation.TypeString, "Package of the app that should open it", false),
				},
			},
			NeedsDevice: true,
			Handler:     openURL,
		},
		{
			Definition: conversation.ToolDefinition{
				Name:        ToolRecentApps,
				Description: "List recently used apps.",
				Parameters:  []conversation.Parameter{param("limit", conversation.TypeInteger, "Maximum number of apps", false)},
			},
			NeedsDevice: true,
			Handler:     usage(opts, "Recently used apps", device.Context.RecentApps),
		},
		{
			Definition: conversation.ToolDefinition{
				Name:        ToolFrequentApps,
				Description: "List the most frequently used apps.",
				Parameters:  []conversation.Parameter{param("limit", conversation.TypeInteger, "Maximum number of apps", false)},
			},
			NeedsDevice: true,
			Handler:     usage(opts, "Frequently used apps", device.Context.FrequentApps),
		},
	}
}

func globalAction(action device.GlobalAction, done string) Handler {
	return func(_ context.Context, env Env, _ Args) (string, error) {
		if !env.UI.PerformGlobalAction(action) {
			return "", fmt.Errorf("%s action was rejected", action)
		}
		return done, nil
	}
}

func launchApp(ctx context.Context, env Env, args Args) (string, error) {
	pkg, err := args.String("package")
	if err != nil {
		return "", err
	}
	ok, err := env.Device.LaunchApp(ctx, pkg)
	if err != nil {
		return "", fmt.Errorf("launch %s: %w", pkg, err)
	}
	if ok {
		return "Launched " + pkg, nil
	}
	msg := fmt.Sprintf("no launchable app for package %q", pkg)
	if apps, err := env.Device.ListInstalledApps(ctx); err == nil {
		names := make([]string, 0, len(apps))
		for _, app := range apps {
			names = append(names, app.PackageName)
		}
		if hint := suggest(pkg, names); hint != "" {
			msg += fmt.Sprintf("; did you mean %q?", hint)
		}
	}
	return "", errors.New(msg)
}

func dispatchGesture(ctx context.Context, env Env, g device.Gesture, timeout time.Duration, done string) (string, error) {
	switch outcome := env.UI.DispatchGesture(ctx, g, timeout+g.TotalDuration()); outcome {
	case device.GestureCompleted:
		return done, nil
	default:
		return "", fmt.Errorf("gesture %s", outcome)
	}
}

func tap(opts BuiltinOptions) Handler {
	return func(ctx context.Context, env Env, args Args) (string, error) {
		x, err := args.Int("x")
		if err != nil {
			return "", err
		}
		y, err := args.Int("y")
		if err != nil {
			return "", err
		}
		return dispatchGesture(ctx, env, device.Tap(x, y), opts.GestureTimeout, fmt.Sprintf("Tapped at (%d, %d)", x, y))
	}
}

func swipe(opts BuiltinOptions) Handler {
	return func(ctx context.Context, env Env, args Args) (string, error) {
		var coords [4]int
		for i, name := range []string{"x1", "y1", "x2", "y2"} {
			v, err := args.Int(name)
			if err != nil {
				return "", err
			}
			coords[i] = v
		}
		ms, err := args.IntOr("duration", 0)
		if err != nil {
			return "", err
		}
		g := device.Swipe(coords[0], coords[1], coords[2], coords[3], time.Duration(ms)*time.Millisecond)
		return dispatchGesture(ctx, env, g, opts.GestureTimeout,
			fmt.Sprintf("Swiped from (%d, %d) to (%d, %d)", coords[0], coords[1], coords[2], coords[3]))
	}
}

func scroll(opts BuiltinOptions) Handler {
	return func(ctx context.Context, env Env, args Args) (string, error) {
		direction, err := args.StringOr("direction", "down")
		if err != nil {
			return "", err
		}
		ms, err := args.IntOr("duration", 0)
		if err != nil {
			return "", err
		}
		settleMs, err := args.IntOr("settle_delay", int(opts.SettleDelay/time.Millisecond))
		if err != nil {
			return "", err
		}

		root := env.UI.RootInActiveWindow()
		if root == nil {
			return "", errors.New("no active window to scroll")
		}
		info, err := root.Describe()
		if err != nil {
			return "", fmt.Errorf("read window bounds: %w", err)
		}
		b := info.Bounds
		midX := (b.Left + b.Right) / 2
		height := b.Bottom - b.Top
		upper, lower := b.Top+height*3/10, b.Top+height*7/10

		var g device.Gesture
		switch strings.ToLower(direction) {
		case "down":
			g = device.Swipe(midX, lower, midX, upper, time.Duration(ms)*time.Millisecond)
		case "up":
			g = device.Swipe(midX, upper, midX, lower, time.Duration(ms)*time.Millisecond)
		default:
			return "", fmt.Errorf("direction must be up or down, got %q", direction)
		}
		if _, err := dispatchGesture(ctx, env, g, opts.GestureTimeout, ""); err != nil {
			return "", err
		}

		select {
		case <-time.After(time.Duration(settleMs) * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return fmt.Sprintf("Scrolled %s.\n%s", strings.ToLower(direction), uitree.Compact(env.UI.RootInActiveWindow())), nil
	}
}

func webSearch(ctx context.Context, env Env, args Args) (string, error) {
	query, err := args.String("query")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(query) == "" {
		return "", errors.New("query must not be empty")
	}
	if err := env.Device.WebSearch(ctx, query); err != nil {
		return "", fmt.Errorf("web search: %w", err)
	}
	return fmt.Sprintf("Opened web search for %q", query), nil
}

func openURL(ctx context.Context, env Env, args Args) (string, error) {
	raw, err := args.String("url")
	if err != nil {
		return "", err
	}
	pkg, err := args.StringOr("package", "")
	if err != nil {
		return "", err
	}
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Scheme == "" {
		return "", fmt.Errorf("%q is not an absolute URL", raw)
	}
	scheme := strings.ToLower(parsed.Scheme)

	if pkg != "" {
		schemes, known := env.Device.SupportedSchemes(pkg)
		if !known || len(schemes) == 0 {
			return "", fmt.Errorf("app %s declares no URL schemes it can open", pkg)
		}
		if !slices.ContainsFunc(schemes, func(s string) bool { return strings.EqualFold(s, scheme) }) {
			return "", fmt.Errorf("app %s cannot open %q URLs; valid schemes: %s", pkg, scheme, strings.Join(schemes, ", "))
		}
	}
	if err := env.Device.OpenURL(ctx, parsed.String(), pkg); err != nil {
		return "", fmt.Errorf("open url: %w", err)
	}
	if pkg != "" {
		return fmt.Sprintf("Opened %s in %s", parsed.String(), pkg), nil
	}
	return "Opened " + parsed.String(), nil
}

type usageLister func(device.Context, context.Context, int) ([]device.AppUsage, error)

func usage(opts BuiltinOptions, title string, list usageLister) Handler {
	return func(ctx context.Context, env Env, args Args) (string, error) {
		limit, err := args.IntOr("limit", opts.AppListLimit)
		if err != nil {
			return "", err
		}
		apps, err := list(env.Device, ctx, limit)
		if err != nil {
			return "", fmt.Errorf("read usage stats: %w", err)
		}
		if len(apps) == 0 {
			return title + ": none", nil
		}
		var b strings.Builder
		b.WriteString(title)
		b.WriteString(":")
		for _, app := range apps {
			fmt.Fprintf(&b, "\n- %s (%s)", app.Label, app.PackageName)
			if app.LaunchCount > 0 {
				fmt.Fprintf(&b, " launches=%d", app.LaunchCount)
			}
			if !app.LastUsed.IsZero() {
				fmt.Fprintf(&b, " last_used=%s", app.LastUsed.Format(time.RFC3339))
			}
		}
		return b.String(), nil
	}
}
