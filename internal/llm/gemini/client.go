package gemini

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
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"OpenMCP-Pilot/internal/conversation"
	"OpenMCP-Pilot/internal/llm"
	"OpenMCP-Pilot/pkg/logger"
)

const (
	providerName     = "gemini"
	defaultBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	defaultModelName = "gemini-2.0-flash"
	defaultTimeout   = 60 * time.Second
)

// Config 描述调用 Gemini generateContent 接口所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
	// FlattenHistory 把整段历史拼接为单条 "role: content" 文本，兼容只接受纯文本的网关。
	FlattenHistory bool
}

// Client 通过 HTTP 调用 Gemini 风格的 generateContent 接口。
// 请求先构造成 genai 的内存结构，再渲染为请求体。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	flatten    bool
	genConfig  *genai.GenerateContentConfig
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient 根据配置创建 Gemini 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Gemini API Key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	temperature := float32(cfg.Temperature)
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		flatten:    cfg.FlattenHistory,
		genConfig:  &genai.GenerateContentConfig{Temperature: &temperature},
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.Named("llm.gemini"),
	}, nil
}

// Name 实现 llm.Client。
func (c *Client) Name() string { return providerName }

// Generate 调用模型并归一化回复。Gemini 不提供用量统计。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	history := llm.Sanitize(req.Messages, req.SnapshotTools...)
	var system string
	var contents []*genai.Content
	if c.flatten {
		contents = flattenContents(history)
	} else {
		system, contents = structuredContents(history)
	}

	payload, err := json.Marshal(c.buildRequest(system, contents, req.Tools))
	if err != nil {
		return nil, fmt.Errorf("序列化 Gemini 请求失败: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, url.PathEscape(c.model), url.QueryEscape(c.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 Gemini 请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.TransportError(providerName, redactKey(err, c.apiKey))
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, llm.StatusError(providerName, resp.StatusCode, body)
	}

	var decoded struct {
		Candidates []struct {
			Content struct {
				Role  string `json:"role"`
				Parts []struct {
					Text         string `json:"text,omitempty"`
					FunctionCall *struct {
						ID   string         `json:"id,omitempty"`
						Name string         `json:"name"`
						Args map[string]any `json:"args"`
					} `json:"functionCall,omitempty"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason,omitempty"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		if ctx.Err() != nil {
			return nil, llm.TransportError(providerName, ctx.Err())
		}
		return nil, llm.ParseError(providerName, err, "响应不是合法 JSON")
	}
	if len(decoded.Candidates) == 0 {
		return nil, llm.ParseError(providerName, nil, "响应中没有 candidates")
	}

	var parts []*genai.Part
	for _, part := range decoded.Candidates[0].Content.Parts {
		if part.Text != "" {
			parts = append(parts, genai.NewPartFromText(part.Text))
		}
		if part.FunctionCall != nil {
			parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
				ID:   part.FunctionCall.ID,
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			}})
		}
	}

	out := &llm.Response{Duration: time.Since(start)}
	var texts []string
	for _, part := range parts {
		if part.Text != "" {
			texts = append(texts, part.Text)
		}
		if fc := part.FunctionCall; fc != nil {
			if fc.Name == "" {
				return nil, llm.ParseError(providerName, nil, "functionCall 缺少 name")
			}
			id := fc.ID
			if id == "" {
				id = "gemini-" + uuid.NewString()
			}
			args := fc.Args
			if args == nil {
				args = map[string]any{}
			}
			out.ToolCalls = append(out.ToolCalls, conversation.ToolCall{ID: id, Name: fc.Name, Arguments: args})
		}
	}
	out.Text = strings.TrimSpace(strings.Join(texts, ""))
	if reason := decoded.Candidates[0].FinishReason; reason != "" && reason != string(genai.FinishReasonStop) {
		c.log.Debug("Gemini 非正常结束", slog.String("finish_reason", reason))
	}
	return out, nil
}

// structuredContents 保留按角色分轮的结构：assistant 映射为 model，
// 连续的工具结果合并为一条 user 轮次中的 functionResponse。
func structuredContents(msgs []conversation.Message) (string, []*genai.Content) {
	var system []string
	var contents []*genai.Content
	for _, msg := range msgs {
		switch msg.Role {
		case conversation.RoleSystem:
			system = append(system, msg.Text())
		case conversation.RoleUser:
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: userParts(msg)})
		case conversation.RoleAssistant:
			var parts []*genai.Part
			if text := msg.Text(); text != "" {
				parts = append(parts, genai.NewPartFromText(text))
			}
			for _, call := range msg.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: call.Name, Args: call.Arguments}})
			}
			if len(parts) == 0 {
				parts = append(parts, genai.NewPartFromText(" "))
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
		case conversation.RoleTool:
			part := genai.NewPartFromFunctionResponse(msg.Name, map[string]any{"result": msg.Text()})
			if n := len(contents); n > 0 && isFunctionResponses(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{part}})
		}
	}
	return strings.Join(system, "\n\n"), contents
}

func userParts(msg conversation.Message) []*genai.Part {
	parts := make([]*genai.Part, 0, len(msg.Content))
	for _, p := range msg.Content {
		switch p.Kind {
		case conversation.PartText:
			if p.Text != "" {
				parts = append(parts, genai.NewPartFromText(p.Text))
			}
		case conversation.PartImage:
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: p.MIMEType, Data: p.Data}})
		}
	}
	if len(parts) == 0 {
		parts = append(parts, genai.NewPartFromText(" "))
	}
	return parts
}

func isFunctionResponses(content *genai.Content) bool {
	if content.Role != genai.RoleUser || len(content.Parts) == 0 {
		return false
	}
	for _, part := range content.Parts {
		if part.FunctionResponse == nil {
			return false
		}
	}
	return true
}

// flattenContents 把历史拼接为一条纯文本，丢失角色结构与工具结果结构。
func flattenContents(msgs []conversation.Message) []*genai.Content {
	var b strings.Builder
	for _, msg := range msgs {
		var line string
		switch msg.Role {
		case conversation.RoleStats:
			continue
		case conversation.RoleAssistant:
			line = msg.Text()
			for _, call := range msg.ToolCalls {
				args, _ := json.Marshal(call.Arguments)
				line = strings.TrimSpace(line + fmt.Sprintf(" [call %s %s]", call.Name, args))
			}
		default:
			line = msg.Text()
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(line)
	}
	return []*genai.Content{genai.NewContentFromText(b.String(), genai.RoleUser)}
}

func (c *Client) buildRequest(system string, contents []*genai.Content, defs []conversation.ToolDefinition) map[string]any {
	apiContents := make([]map[string]any, 0, len(contents))
	for _, content := range contents {
		parts := make([]map[string]any, 0, len(content.Parts))
		for _, part := range content.Parts {
			if part.Text != "" {
				parts = append(parts, map[string]any{"text": part.Text})
			}
			if part.InlineData != nil {
				parts = append(parts, map[string]any{
					"inlineData": map[string]any{
						"mimeType": part.InlineData.MIMEType,
						"data":     base64.StdEncoding.EncodeToString(part.InlineData.Data),
					},
				})
			}
			if part.FunctionCall != nil {
				args := part.FunctionCall.Args
				if args == nil {
					args = map[string]any{}
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{"name": part.FunctionCall.Name, "args": args},
				})
			}
			if part.FunctionResponse != nil {
				parts = append(parts, map[string]any{
					"functionResponse": map[string]any{
						"name":     part.FunctionResponse.Name,
						"response": part.FunctionResponse.Response,
					},
				})
			}
		}
		apiContents = append(apiContents, map[string]any{
			"role":  string(content.Role),
			"parts": parts,
		})
	}

	body := map[string]any{"contents": apiContents}
	if system != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": system}},
		}
	}
	if c.genConfig != nil && c.genConfig.Temperature != nil {
		body["generationConfig"] = map[string]any{"temperature": *c.genConfig.Temperature}
	}
	if len(defs) > 0 {
		funcs := make([]map[string]any, 0, len(defs))
		for _, fd := range declarations(defs) {
			def := map[string]any{"name": fd.Name, "description": fd.Description}
			if fd.Parameters != nil {
				def["parameters"] = fd.Parameters
			}
			funcs = append(funcs, def)
		}
		body["tools"] = []map[string]any{{"functionDeclarations": funcs}}
	}
	return body
}

// declarations 把工具声明转换为 genai 函数声明，无参数的工具不带 parameters。
func declarations(defs []conversation.ToolDefinition) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		fd := &genai.FunctionDeclaration{Name: def.Name, Description: def.Description}
		if len(def.Parameters) > 0 {
			props := make(map[string]*genai.Schema, len(def.Parameters))
			order := make([]string, 0, len(def.Parameters))
			for _, p := range def.Parameters {
				props[p.Name] = &genai.Schema{Type: schemaType(p.Type), Description: p.Description}
				order = append(order, p.Name)
			}
			fd.Parameters = &genai.Schema{
				Type:             genai.TypeObject,
				Properties:       props,
				PropertyOrdering: order,
				Required:         def.RequiredNames(),
			}
		}
		out = append(out, fd)
	}
	return out
}

func schemaType(t conversation.ParamType) genai.Type {
	switch t {
	case conversation.TypeInteger:
		return genai.TypeInteger
	case conversation.TypeNumber:
		return genai.TypeNumber
	case conversation.TypeBoolean:
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

// redactKey 避免 API Key 随 URL 出现在错误信息与日志中。
func redactKey(err error, key string) error {
	if key == "" || !strings.Contains(err.Error(), key) {
		return err
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s %s: %w", urlErr.Op, strings.ReplaceAll(urlErr.URL, key, "REDACTED"), urlErr.Err)
	}
	return errors.New(strings.ReplaceAll(err.Error(), key, "REDACTED"))
}
