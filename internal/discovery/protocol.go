package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// 协议常量。
const (
	ActionDiscover = "pilot.mcp.DISCOVER"
	ActionInvoke   = "pilot.mcp.INVOKE"

	// ToolPrefix 是外部工具暴露给模型时的名称前缀，完整形式为 mcp_<alias>_<tool>。
	ToolPrefix = "mcp_"
)

// Address 标识一个提供方，由包名与组件名组成。
type Address struct {
	Package   string `json:"package"`
	Component string `json:"component"`
}

// Key 返回地址的唯一键。
func (a Address) Key() string {
	if a.Component == "" {
		return a.Package
	}
	return a.Package + "/" + a.Component
}

func (a Address) String() string { return a.Key() }

// ToolSpec 是提供方上报的单个工具。Parameters 为 JSON Schema 字符串。
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  string `json:"parameters,omitempty"`
}

// Request 是发现或调用请求。
type Request struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	ReplyTo   string `json:"reply_to,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Reply 是提供方的回复。发现回复携带 Tools，调用回复携带 Result 或 Error。
type Reply struct {
	ID       string     `json:"id"`
	Provider Address    `json:"provider"`
	Tools    []ToolSpec `json:"tools,omitempty"`
	Result   string     `json:"result,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// Handler 处理提供方收到的请求。
type Handler func(ctx context.Context, req Request) Reply

// Transport 是发现协议依赖的广播与点对点请求原语。
type Transport interface {
	// Broadcast 向所有声明支持发现动作的提供方发出请求。expected 为预期回复数，
	// 未知时为 -1；replies 在 ctx 结束后关闭。
	Broadcast(ctx context.Context, req Request) (expected int, replies <-chan Reply, err error)
	// Call 只把请求发给 to，并阻塞到收到一条回复或 ctx 结束。
	Call(ctx context.Context, to Address, req Request) (Reply, error)
	// Serve 以 addr 的身份应答请求，直到 ctx 结束。
	Serve(ctx context.Context, addr Address, handler Handler) error
	Close() error
}

// ToolName 返回暴露给模型的外部工具名。
func ToolName(alias, tool string) string {
	return ToolPrefix + alias + "_" + tool
}

// ParseToolName 拆分外部工具名。别名不含下划线，工具名可以包含。
func ParseToolName(name string) (alias, tool string, ok bool) {
	rest, found := strings.CutPrefix(name, ToolPrefix)
	if !found {
		return "", "", false
	}
	alias, tool, found = strings.Cut(rest, "_")
	if !found || alias == "" || tool == "" {
		return "", "", false
	}
	return alias, tool, true
}

func encodeRequest(req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("编码发现请求失败: %w", err)
	}
	return data, nil
}

func decodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("解析发现请求失败: %w", err)
	}
	if req.ID == "" || req.Action == "" {
		return Request{}, fmt.Errorf("发现请求缺少 id 或 action")
	}
	return req, nil
}

func encodeReply(reply Reply) ([]byte, error) {
	data, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("编码发现回复失败: %w", err)
	}
	return data, nil
}

func decodeReply(data []byte) (Reply, error) {
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return Reply{}, fmt.Errorf("解析发现回复失败: %w", err)
	}
	return reply, nil
}
