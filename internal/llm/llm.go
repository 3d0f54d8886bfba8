package llm

import (
	"context"
	"time"

	"OpenMCP-Pilot/internal/conversation"
)

// Request 描述一次模型调用：完整对话历史与可用工具。
type Request struct {
	Messages []conversation.Message
	Tools    []conversation.ToolDefinition
	// SnapshotTools 是结果中带界面快照的工具名，用于清理历史中过期的快照。
	SnapshotTools []string
}

// Usage 是模型上报的 token 用量。Reported 为 false 表示提供方不提供用量。
type Usage struct {
	InputTokens  int
	OutputTokens int
	Reported     bool
}

// Response 是归一化后的模型输出。
type Response struct {
	Text      string
	ToolCalls []conversation.ToolCall
	Usage     Usage
	Duration  time.Duration
}

// Stats 把耗时与用量转换为消息上的统计指标。
func (r *Response) Stats() map[string]float64 {
	stats := map[string]float64{
		conversation.StatDuration: float64(r.Duration.Milliseconds()),
	}
	if r.Usage.Reported {
		stats[conversation.StatInputTokens] = float64(r.Usage.InputTokens)
		stats[conversation.StatOutputTokens] = float64(r.Usage.OutputTokens)
	}
	return stats
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
}
