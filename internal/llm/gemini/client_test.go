package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"OpenMCP-Pilot/internal/conversation"
	xerrors "OpenMCP-Pilot/internal/errors"
	"OpenMCP-Pilot/internal/llm"
)

func history() []conversation.Message {
	return []conversation.Message{
		conversation.NewSystem("系统提示"),
		conversation.NewUser("Turn on flashlight"),
		conversation.NewAssistant("", []conversation.ToolCall{
			{ID: "c1", Name: "get_ui_hierarchy"},
			{ID: "c2", Name: "home"},
		}, nil),
		conversation.NewToolResult("c1", "get_ui_hierarchy", "tree"),
		conversation.NewToolResult("c2", "home", "Pressed home button"),
	}
}

func captureServer(t *testing.T, reply string, body *map[string]any, query *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if query != nil {
			*query = r.URL.Path + "?" + r.URL.RawQuery
		}
		if body != nil {
			if err := json.NewDecoder(r.Body).Decode(body); err != nil {
				t.Errorf("failed to decode body: %v", err)
			}
		}
		_, _ = w.Write([]byte(reply))
	}))
}

func TestGenerateStructured(t *testing.T) {
	var body map[string]any
	var path string
	srv := captureServer(t, `{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"tap","args":{"x":5,"y":6}}}]},"finishReason":"STOP"}]}`, &body, &path)
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "k1", BaseURL: srv.URL, Model: "gemini-test", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := client.Generate(context.Background(), llm.Request{
		Messages:      history(),
		SnapshotTools: []string{"get_ui_hierarchy"},
		Tools: []conversation.ToolDefinition{
			{Name: "home", Description: "Home"},
			{Name: "tap", Description: "Tap", Parameters: []conversation.Parameter{
				{Name: "x", Type: conversation.TypeInteger, Required: true},
				{Name: "y", Type: conversation.TypeInteger, Required: true},
			}},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if path != "/models/gemini-test:generateContent?key=k1" {
		t.Fatalf("unexpected request path %q", path)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "tap" || resp.ToolCalls[0].ID == "" {
		t.Fatalf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Arguments["x"] != float64(5) {
		t.Fatalf("unexpected arguments %+v", resp.ToolCalls[0].Arguments)
	}
	if resp.Usage.Reported {
		t.Fatalf("gemini does not report usage")
	}

	sys := body["systemInstruction"].(map[string]any)["parts"].([]any)[0].(map[string]any)
	if sys["text"] != "系统提示" {
		t.Fatalf("unexpected system instruction %+v", sys)
	}
	contents := body["contents"].([]any)
	if len(contents) != 3 {
		t.Fatalf("expected user, model and merged tool turns, got %d", len(contents))
	}
	model := contents[1].(map[string]any)
	if model["role"] != "model" || len(model["parts"].([]any)) != 2 {
		t.Fatalf("unexpected model turn %+v", model)
	}
	tools := contents[2].(map[string]any)
	parts := tools["parts"].([]any)
	if tools["role"] != "user" || len(parts) != 2 {
		t.Fatalf("tool results must be merged into one user turn: %+v", tools)
	}
	fr := parts[1].(map[string]any)["functionResponse"].(map[string]any)
	if fr["name"] != "home" || fr["response"].(map[string]any)["result"] != "Pressed home button" {
		t.Fatalf("unexpected function response %+v", fr)
	}

	decls := body["tools"].([]any)[0].(map[string]any)["functionDeclarations"].([]any)
	if len(decls) != 2 {
		t.Fatalf("unexpected declarations %+v", decls)
	}
	if _, ok := decls[0].(map[string]any)["parameters"]; ok {
		t.Fatalf("tools without parameters must omit the schema")
	}
	params := decls[1].(map[string]any)["parameters"].(map[string]any)
	if params["type"] != "OBJECT" || len(params["required"].([]any)) != 2 {
		t.Fatalf("unexpected schema %+v", params)
	}
}

func TestGenerateFlattenHistory(t *testing.T) {
	var body map[string]any
	srv := captureServer(t, `{"candidates":[{"content":{"parts":[{"text":"完成"}]}}]}`, &body, nil)
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "k", BaseURL: srv.URL, FlattenHistory: true})
	resp, err := client.Generate(context.Background(), llm.Request{Messages: history()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "完成" || len(resp.ToolCalls) != 0 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if _, ok := body["systemInstruction"]; ok {
		t.Fatalf("flattened history carries the system prompt inline")
	}
	contents := body["contents"].([]any)
	if len(contents) != 1 {
		t.Fatalf("expected a single flattened turn, got %d", len(contents))
	}
	text := contents[0].(map[string]any)["parts"].([]any)[0].(map[string]any)["text"].(string)
	for _, want := range []string{"system: 系统提示", "user: Turn on flashlight", "tool: Pressed home button"} {
		if !strings.Contains(text, want) {
			t.Fatalf("flattened text missing %q:\n%s", want, text)
		}
	}
}

func TestGenerateErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "API key not valid", http.StatusUnauthorized)
	}))
	client, _ := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := client.Generate(context.Background(), llm.Request{})
	srv.Close()
	if xerrors.CodeOf(err) != xerrors.CodeAuthentication {
		t.Fatalf("expected authentication error, got %v", err)
	}

	empty := captureServer(t, `{"candidates":[]}`, nil, nil)
	defer empty.Close()
	client, _ = NewClient(Config{APIKey: "k", BaseURL: empty.URL})
	if _, err := client.Generate(context.Background(), llm.Request{}); xerrors.CodeOf(err) != xerrors.CodeProtocolParse {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{APIKey: "  "}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}
