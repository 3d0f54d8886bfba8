package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"OpenMCP-Pilot/internal/conversation"
	xerrors "OpenMCP-Pilot/internal/errors"
	"OpenMCP-Pilot/internal/observability/metrics"
	"OpenMCP-Pilot/pkg/logger"
)

const (
	defaultDiscoverTimeout = 3 * time.Second
	defaultInvokeTimeout   = 30 * time.Second
	maxAliasLength         = 8
)

// Provider 是一次发现中应答的提供方。
type Provider struct {
	Address Address    `json:"address"`
	Alias   string     `json:"alias"`
	Tools   []ToolSpec `json:"tools"`
}

type remoteTool struct {
	alias string
	tool  string
	def   conversation.ToolDefinition
}

// Client 执行发现轮次并把外部工具调用路由到对应提供方。
type Client struct {
	transport       Transport
	discoverTimeout time.Duration
	invokeTimeout   time.Duration
	log             *slog.Logger

	mu        sync.RWMutex
	aliases   map[string]string
	addresses map[string]Address
	tools     map[string]remoteTool
	order     []string
	providers []Provider
}

// Option 定义可选配置。
type Option func(*Client)

// WithDiscoverTimeout 设置单轮发现的总超时。
func WithDiscoverTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.discoverTimeout = d
		}
	}
}

// WithInvokeTimeout 设置单次调用的超时。
func WithInvokeTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.invokeTimeout = d
		}
	}
}

// NewClient 创建发现客户端。
func NewClient(transport Transport, opts ...Option) *Client {
	c := &Client{
		transport:       transport,
		discoverTimeout: defaultDiscoverTimeout,
		invokeTimeout:   defaultInvokeTimeout,
		log:             logger.Named("discovery"),
		aliases:         make(map[string]string),
		addresses:       make(map[string]Address),
		tools:           make(map[string]remoteTool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Discover 执行一轮发现。所有应答方回复或超时后结束；无人应答不是错误。
// 本轮结果替换上一轮的工具表。
func (c *Client) Discover(ctx context.Context) ([]Provider, error) {
	roundCtx, cancel := context.WithTimeout(ctx, c.discoverTimeout)
	defer cancel()

	req := Request{ID: uuid.NewString(), Action: ActionDiscover}
	expected, replies, err := c.transport.Broadcast(roundCtx, req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "广播发现请求失败")
	}

	seen := make(map[string]Reply)
	var keys []string
collect:
	for expected < 0 || len(seen) < expected {
		select {
		case reply, ok := <-replies:
			if !ok {
				break collect
			}
			if reply.ID != req.ID || reply.Provider.Package == "" || reply.Error != "" {
				continue
			}
			key := reply.Provider.Key()
			if _, dup := seen[key]; !dup {
				keys = append(keys, key)
			}
			seen[key] = reply
		case <-roundCtx.Done():
			break collect
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	sort.Strings(keys)

	c.mu.Lock()
	defer c.mu.Unlock()
	providers := make([]Provider, 0, len(keys))
	tools := make(map[string]remoteTool)
	var order []string
	for _, key := range keys {
		reply := seen[key]
		alias := c.aliasLocked(reply.Provider)
		providers = append(providers, Provider{Address: reply.Provider, Alias: alias, Tools: reply.Tools})
		for _, spec := range reply.Tools {
			if spec.Name == "" {
				continue
			}
			name := ToolName(alias, spec.Name)
			if _, dup := tools[name]; dup {
				continue
			}
			tools[name] = remoteTool{
				alias: alias,
				tool:  spec.Name,
				def: conversation.ToolDefinition{
					Name:        name,
					Description: spec.Description,
					Parameters:  ParseParameters(spec.Parameters),
				},
			}
			order = append(order, name)
		}
	}
	c.tools, c.order, c.providers = tools, order, providers
	metrics.SetDiscoveredProviders(len(providers))

	if len(providers) == 0 {
		c.log.Info("发现轮次结束，没有提供方应答", slog.Int("expected", expected))
	} else {
		c.log.Info("发现轮次结束", slog.Int("providers", len(providers)), slog.Int("tools", len(order)), slog.Int("expected", expected))
	}
	return append([]Provider(nil), providers...), nil
}

// aliasLocked 为提供方分配进程内稳定的短别名。
func (c *Client) aliasLocked(addr Address) string {
	key := addr.Key()
	if alias, ok := c.aliases[key]; ok {
		return alias
	}
	base := aliasBase(addr.Package)
	alias := base
	for n := 2; ; n++ {
		if _, taken := c.addresses[alias]; !taken {
			break
		}
		suffix := strconv.Itoa(n)
		trimmed := base
		if len(trimmed)+len(suffix) > maxAliasLength {
			trimmed = trimmed[:maxAliasLength-len(suffix)]
		}
		alias = trimmed + suffix
	}
	c.aliases[key] = alias
	c.addresses[alias] = addr
	return alias
}

// aliasBase 取包名最后一段，只保留小写字母和数字。
func aliasBase(pkg string) string {
	segment := pkg
	if idx := strings.LastIndex(pkg, "."); idx >= 0 {
		segment = pkg[idx+1:]
	}
	var b strings.Builder
	for _, r := range strings.ToLower(segment) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
		if b.Len() == maxAliasLength {
			break
		}
	}
	if b.Len() == 0 {
		return "p"
	}
	return b.String()
}

// Providers 返回上一轮发现的提供方。
func (c *Client) Providers() []Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Provider(nil), c.providers...)
}

// Definitions 返回上一轮发现得到的外部工具声明。
func (c *Client) Definitions() []conversation.ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]conversation.ToolDefinition, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tools[name].def)
	}
	return out
}

// Invoke 把调用只发给别名对应的提供方，并在调用超时内等待一条回复。
// 超时不重试，返回可读的错误，由调度器转换为工具结果。
func (c *Client) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	alias, tool, ok := ParseToolName(name)
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid external tool name %q", name))
	}
	c.mu.RLock()
	addr, known := c.addresses[alias]
	c.mu.RUnlock()
	if !known {
		return "", xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("no provider with alias %q; run discovery first", alias))
	}

	if args == nil {
		args = map[string]any{}
	}
	blob, err := json.Marshal(args)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "arguments are not JSON encodable")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.invokeTimeout)
	defer cancel()
	req := Request{ID: uuid.NewString(), Action: ActionInvoke, Tool: tool, Arguments: string(blob)}
	reply, err := c.transport.Call(callCtx, addr, req)
	switch {
	case ctx.Err() != nil:
		return "", ctx.Err()
	case callCtx.Err() != nil:
		c.log.Warn("外部工具调用超时", slog.String("provider", addr.Key()), slog.String("tool", tool))
		return "", xerrors.New(xerrors.CodeTimeout, fmt.Sprintf("provider %s returned no result for %s", addr.Key(), tool))
	case err != nil:
		return "", xerrors.Wrap(xerrors.CodeTransport, err, fmt.Sprintf("call %s on %s", tool, addr.Key()))
	case reply.Error != "":
		return "", xerrors.New(xerrors.CodeToolExecution, reply.Error)
	}
	return reply.Result, nil
}
