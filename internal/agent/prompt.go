package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"OpenMCP-Pilot/internal/tools"
)

const promptFraming = `You are a phone automation assistant operating an Android device on behalf of the user.
You act only through the provided tools. Work step by step:
- Call %s before interacting with the screen and again after every action that changes it.
- Tap elements using the coordinates shown in the UI hierarchy.
- Prefer launching apps directly over navigating the launcher.
- If a tool returns an error, read it and try a different approach.
- When the task is complete, reply with a short summary and do not call any more tools.`

// systemPrompt 组装系统提示：角色说明、当前屏幕尺寸与按类别分组的已安装应用。
func (a *Agent) systemPrompt(ctx context.Context, log *slog.Logger) string {
	var b strings.Builder
	fmt.Fprintf(&b, promptFraming, tools.ToolUISnapshot)

	if a.device == nil {
		return b.String()
	}

	width, height := a.device.ViewportSize()
	if width > 0 && height > 0 {
		fmt.Fprintf(&b, "\n\nScreen size: %dx%d pixels.", width, height)
	}

	apps, err := a.device.ListInstalledApps(ctx)
	if err != nil {
		log.Warn("获取已安装应用失败", slog.Any("error", err))
		return b.String()
	}
	if len(apps) == 0 || a.catalog == nil {
		return b.String()
	}
	b.WriteString("\n\nInstalled apps by category:\n")
	b.WriteString(a.catalog.Render(apps))
	return b.String()
}
