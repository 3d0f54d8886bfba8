package pilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Pilot REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Status is the latest progress notification of a run.
type Status struct {
	Kind    string `json:"kind"`
	RunID   string `json:"run_id"`
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
	Turn    int    `json:"turn,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ContentPart is one piece of message content.
type ContentPart struct {
	Kind     string `json:"kind"`
	Text     string `json:"text,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message is a single conversation entry.
type Message struct {
	Role       string             `json:"role"`
	Content    []ContentPart      `json:"content"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
	Name       string             `json:"name,omitempty"`
	ToolCalls  []ToolCall         `json:"tool_calls,omitempty"`
	Stats      map[string]float64 `json:"stats,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Conversation is a full session record.
type Conversation struct {
	ID         string     `json:"id"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Messages   []Message  `json:"messages"`
	IsComplete bool       `json:"is_complete"`
	Outcome    string     `json:"outcome,omitempty"`
	Summary    string     `json:"summary,omitempty"`
}

// CurrentRun describes the running or most recently finished conversation.
type CurrentRun struct {
	Running      bool          `json:"running"`
	Status       Status        `json:"status"`
	Conversation *Conversation `json:"conversation,omitempty"`
}

// SessionSummary is a list entry without message bodies.
type SessionSummary struct {
	ID          string     `json:"id"`
	Instruction string     `json:"instruction"`
	Outcome     string     `json:"outcome,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	IsComplete  bool       `json:"is_complete"`
	Messages    int        `json:"messages"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
}

// Parameter describes one tool argument.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// ToolDefinition is a tool advertised to the model.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
}

// Provider is an external tool provider that answered a discovery round.
type Provider struct {
	Address struct {
		Package   string `json:"package"`
		Component string `json:"component"`
	} `json:"address"`
	Alias string `json:"alias"`
	Tools []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Parameters  string `json:"parameters"`
	} `json:"tools"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("pilot api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("pilot api error (%d): %s", e.StatusCode, e.Message)
}

// IsBusy reports whether the error is the conflict returned while another run
// is still active.
func IsBusy(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// NewClient instantiates a client for the Pilot API. When httpClient is nil, a
// default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// StartRun submits an instruction and returns the new run identifier.
func (c *Client) StartRun(ctx context.Context, instruction string) (string, error) {
	var out struct {
		RunID string `json:"run_id"`
	}
	payload := map[string]string{"instruction": instruction}
	if err := c.send(ctx, http.MethodPost, "/api/v1/runs", nil, payload, &out); err != nil {
		return "", err
	}
	return out.RunID, nil
}

// Current fetches the running or most recently finished conversation.
func (c *Client) Current(ctx context.Context) (CurrentRun, error) {
	var out CurrentRun
	if err := c.send(ctx, http.MethodGet, "/api/v1/runs/current", nil, nil, &out); err != nil {
		return CurrentRun{}, err
	}
	return out, nil
}

// Cancel requests cancellation of the running task. It reports false when no
// run was active.
func (c *Client) Cancel(ctx context.Context) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := c.send(ctx, http.MethodDelete, "/api/v1/runs/current", nil, nil, &out); err != nil {
		return false, err
	}
	return out.Cancelled, nil
}

// ListSessions returns the most recent sessions, newest first.
func (c *Client) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Sessions []SessionSummary `json:"sessions"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/sessions", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// GetSession fetches a stored conversation by identifier.
func (c *Client) GetSession(ctx context.Context, id string) (Conversation, error) {
	var out Conversation
	if err := c.send(ctx, http.MethodGet, "/api/v1/sessions/"+id, nil, nil, &out); err != nil {
		return Conversation{}, err
	}
	return out, nil
}

// Tools lists the built-in and discovered tools offered to the model.
func (c *Client) Tools(ctx context.Context) ([]ToolDefinition, error) {
	var out struct {
		Tools []ToolDefinition `json:"tools"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/tools", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// Discover triggers a discovery round and returns the providers that answered.
func (c *Client) Discover(ctx context.Context) ([]Provider, error) {
	var out struct {
		Providers []Provider `json:"providers"`
	}
	if err := c.send(ctx, http.MethodPost, "/api/v1/tools/discover", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Providers, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
