package llm

import (
	"slices"

	"OpenMCP-Pilot/internal/conversation"
)

// TruncatedSnapshot 替换过期的界面快照结果。
const TruncatedSnapshot = "{UI hierarchy output truncated}"

// Sanitize 返回清理后的历史副本：任一快照工具的结果只保留最近一次，更早的替换为占位符；
// 位于最近一次快照之前的用户消息去掉图片。没有快照时原样返回副本。
func Sanitize(msgs []conversation.Message, snapshotTools ...string) []conversation.Message {
	out := make([]conversation.Message, len(msgs))
	copy(out, msgs)
	if len(snapshotTools) == 0 {
		return out
	}

	latest := -1
	for i := len(out) - 1; i >= 0; i-- {
		if isSnapshot(out[i], snapshotTools) {
			latest = i
			break
		}
	}
	if latest < 0 {
		return out
	}

	for i := 0; i < latest; i++ {
		switch {
		case isSnapshot(out[i], snapshotTools):
			out[i] = out[i].WithText(TruncatedSnapshot)
		case out[i].Role == conversation.RoleUser && out[i].HasImage():
			out[i] = out[i].WithoutImages()
		}
	}
	return out
}

func isSnapshot(msg conversation.Message, tools []string) bool {
	return msg.Role == conversation.RoleTool && slices.Contains(tools, msg.Name)
}
