package conversation

import (
	"strings"
	"time"
)

// Role 标识消息在对话中的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleStats     Role = "stats"
)

// 单条消息上的统计指标键。
const (
	StatDuration     = "duration"
	StatInputTokens  = "input_tokens"
	StatOutputTokens = "output_tokens"
)

// PartKind 区分文本与内联图片。
type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
)

// ContentPart 是消息内容的一个片段。
type ContentPart struct {
	Kind     PartKind `json:"kind"`
	Text     string   `json:"text,omitempty"`
	MIMEType string   `json:"mime_type,omitempty"`
	Data     []byte   `json:"data,omitempty"`
}

// TextPart 构造文本片段。
func TextPart(text string) ContentPart {
	return ContentPart{Kind: PartText, Text: text}
}

// ImagePart 构造内联图片片段。
func ImagePart(mimeType string, data []byte) ContentPart {
	return ContentPart{Kind: PartImage, MIMEType: mimeType, Data: data}
}

// ToolCall 是模型请求执行的一次工具调用。
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message 是对话中的一条消息。
// ToolCallID 与 Name 仅在 RoleTool 时出现，ToolCalls 仅在 RoleAssistant 时出现。
type Message struct {
	Role       Role               `json:"role"`
	Content    []ContentPart      `json:"content"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
	Name       string             `json:"name,omitempty"`
	ToolCalls  []ToolCall         `json:"tool_calls,omitempty"`
	Stats      map[string]float64 `json:"stats,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// NewSystem 创建系统提示消息。
func NewSystem(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentPart{TextPart(text)}, Timestamp: time.Now()}
}

// NewUser 创建用户消息，可附带截图等图片。
func NewUser(text string, images ...ContentPart) Message {
	parts := make([]ContentPart, 0, len(images)+1)
	parts = append(parts, TextPart(text))
	parts = append(parts, images...)
	return Message{Role: RoleUser, Content: parts, Timestamp: time.Now()}
}

// NewAssistant 创建模型回复消息。
func NewAssistant(text string, calls []ToolCall, stats map[string]float64) Message {
	msg := Message{Role: RoleAssistant, ToolCalls: calls, Stats: stats, Timestamp: time.Now()}
	if text != "" {
		msg.Content = []ContentPart{TextPart(text)}
	}
	return msg
}

// NewToolResult 创建工具执行结果消息。
func NewToolResult(callID, name, result string) Message {
	return Message{
		Role:       RoleTool,
		Content:    []ContentPart{TextPart(result)},
		ToolCallID: callID,
		Name:       name,
		Timestamp:  time.Now(),
	}
}

// Text 拼接消息中的全部文本片段。
func (m Message) Text() string {
	var parts []string
	for _, part := range m.Content {
		if part.Kind == PartText && part.Text != "" {
			parts = append(parts, part.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// HasImage 判断消息是否携带图片。
func (m Message) HasImage() bool {
	for _, part := range m.Content {
		if part.Kind == PartImage {
			return true
		}
	}
	return false
}

// WithoutImages 返回去掉图片片段的副本。
func (m Message) WithoutImages() Message {
	out := m
	out.Content = make([]ContentPart, 0, len(m.Content))
	for _, part := range m.Content {
		if part.Kind != PartImage {
			out.Content = append(out.Content, part)
		}
	}
	return out
}

// WithText 返回内容被替换为单段文本的副本。
func (m Message) WithText(text string) Message {
	out := m
	out.Content = []ContentPart{TextPart(text)}
	return out
}

// Stat 读取指定指标，缺失时为 0。
func (m Message) Stat(key string) float64 {
	if m.Stats == nil {
		return 0
	}
	return m.Stats[key]
}
