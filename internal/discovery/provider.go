package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"OpenMCP-Pilot/pkg/logger"
)

// ToolFunc 执行提供方的一个工具。
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

// ServedTool 是提供方对外暴露的工具。
type ServedTool struct {
	Spec ToolSpec
	Func ToolFunc
}

// NewHandler 把一组工具包装成协议处理函数：发现请求返回全部工具声明，
// 调用请求解析参数后执行对应工具。
func NewHandler(addr Address, tools ...ServedTool) Handler {
	specs := make([]ToolSpec, 0, len(tools))
	funcs := make(map[string]ToolFunc, len(tools))
	for _, t := range tools {
		if t.Spec.Name == "" || t.Func == nil {
			continue
		}
		specs = append(specs, t.Spec)
		funcs[t.Spec.Name] = t.Func
	}
	log := logger.Named("discovery.provider").With(slog.String("provider", addr.Key()))

	return func(ctx context.Context, req Request) Reply {
		reply := Reply{ID: req.ID, Provider: addr}
		switch req.Action {
		case ActionDiscover:
			reply.Tools = append([]ToolSpec(nil), specs...)
		case ActionInvoke:
			fn, ok := funcs[req.Tool]
			if !ok {
				reply.Error = fmt.Sprintf("unknown tool %q", req.Tool)
				return reply
			}
			args := map[string]any{}
			if raw := strings.TrimSpace(req.Arguments); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					reply.Error = fmt.Sprintf("arguments are not a JSON object: %v", err)
					return reply
				}
			}
			result, err := fn(ctx, args)
			if err != nil {
				log.Warn("工具执行失败", slog.String("tool", req.Tool), slog.Any("error", err))
				reply.Error = err.Error()
				return reply
			}
			reply.Result = result
		default:
			reply.Error = fmt.Sprintf("unsupported action %q", req.Action)
		}
		return reply
	}
}

// Serve 以 addr 身份在 transport 上提供工具，直到 ctx 结束。
func Serve(ctx context.Context, transport Transport, addr Address, tools ...ServedTool) error {
	if addr.Package == "" {
		return fmt.Errorf("提供方包名不能为空")
	}
	return transport.Serve(ctx, addr, NewHandler(addr, tools...))
}
