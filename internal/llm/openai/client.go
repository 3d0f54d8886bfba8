package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenMCP-Pilot/internal/conversation"
	"OpenMCP-Pilot/internal/llm"
	"OpenMCP-Pilot/pkg/logger"
)

const (
	providerName     = "openai"
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
}

// Client 通过 HTTP 调用 OpenAI 风格的 Chat Completions 接口。
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
	log         *slog.Logger
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:      apiKey,
		baseURL:     baseURL,
		model:       model,
		temperature: cfg.Temperature,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: logger.Named("llm.openai"),
	}, nil
}

// Name 实现 llm.Client。
func (c *Client) Name() string { return providerName }

// Generate 调用模型并把回复归一化为文本、工具调用与用量。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.TransportError(providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, llm.StatusError(providerName, resp.StatusCode, body)
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content   *string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Type     string `json:"type"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		if ctx.Err() != nil {
			return nil, llm.TransportError(providerName, ctx.Err())
		}
		return nil, llm.ParseError(providerName, err, "响应不是合法 JSON")
	}
	if len(decoded.Choices) == 0 {
		return nil, llm.ParseError(providerName, nil, "响应中没有有效的 choices")
	}

	msg := decoded.Choices[0].Message
	out := &llm.Response{Duration: time.Since(start)}
	if msg.Content != nil {
		out.Text = strings.TrimSpace(*msg.Content)
	}
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == "" {
			return nil, llm.ParseError(providerName, nil, "工具调用缺少函数名")
		}
		id := tc.ID
		if id == "" {
			// 兼容网关可能省略 id，补一个全局唯一的。
			id = "call_" + uuid.NewString()
		}
		out.ToolCalls = append(out.ToolCalls, conversation.ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: c.decodeArguments(tc.Function.Name, tc.Function.Arguments),
		})
	}
	if decoded.Usage != nil {
		out.Usage = llm.Usage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
			Reported:     true,
		}
	}
	return out, nil
}

// decodeArguments 解析参数字符串。无法解析时返回空参数，由工具校验反馈给模型。
func (c *Client) decodeArguments(tool, raw string) map[string]any {
	args := map[string]any{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		c.log.Warn("工具参数不是合法 JSON", slog.String("tool", tool), slog.Any("error", err))
		return map[string]any{}
	}
	return args
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	history := llm.Sanitize(req.Messages, req.SnapshotTools...)
	messages := make([]map[string]any, 0, len(history))
	for _, msg := range history {
		if encoded, ok := encodeMessage(msg); ok {
			messages = append(messages, encoded)
		}
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": c.temperature,
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, def := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        def.Name,
					"description": def.Description,
					"parameters":  schema(def),
				},
			})
		}
		body["tools"] = tools
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

// encodeMessage 转换单条消息。stats 消息不发送给模型。
func encodeMessage(msg conversation.Message) (map[string]any, bool) {
	switch msg.Role {
	case conversation.RoleSystem:
		return map[string]any{"role": "system", "content": msg.Text()}, true
	case conversation.RoleUser:
		if !msg.HasImage() {
			return map[string]any{"role": "user", "content": msg.Text()}, true
		}
		parts := make([]map[string]any, 0, len(msg.Content))
		for _, part := range msg.Content {
			switch part.Kind {
			case conversation.PartText:
				parts = append(parts, map[string]any{"type": "text", "text": part.Text})
			case conversation.PartImage:
				url := "data:" + part.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(part.Data)
				parts = append(parts, map[string]any{"type": "image_url", "image_url": map[string]any{"url": url}})
			}
		}
		return map[string]any{"role": "user", "content": parts}, true
	case conversation.RoleAssistant:
		out := map[string]any{"role": "assistant", "content": msg.Text()}
		if len(msg.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				args := call.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blob, _ := json.Marshal(args)
				calls = append(calls, map[string]any{
					"id":   call.ID,
					"type": "function",
					"function": map[string]any{
						"name":      call.Name,
						"arguments": string(blob),
					},
				})
			}
			out["tool_calls"] = calls
		}
		return out, true
	case conversation.RoleTool:
		return map[string]any{
			"role":         "tool",
			"tool_call_id": msg.ToolCallID,
			"name":         msg.Name,
			"content":      msg.Text(),
		}, true
	default:
		return nil, false
	}
}

// schema 生成 JSON Schema 形式的参数声明。
func schema(def conversation.ToolDefinition) map[string]any {
	props := make(map[string]any, len(def.Parameters))
	for _, p := range def.Parameters {
		props[p.Name] = map[string]any{
			"type":        string(p.Type),
			"description": p.Description,
		}
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if required := def.RequiredNames(); len(required) > 0 {
		out["required"] = required
	}
	return out
}
