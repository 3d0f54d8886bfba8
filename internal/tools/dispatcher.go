package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sahilm/fuzzy"

	"OpenMCP-Pilot/internal/conversation"
	"OpenMCP-Pilot/internal/device"
	"OpenMCP-Pilot/internal/discovery"
	"OpenMCP-Pilot/internal/observability/metrics"
	"OpenMCP-Pilot/pkg/logger"
)

// CancelledResult 是取消后所有工具调用的固定结果。
const CancelledResult = "cancelled"

// External 执行外部发现的工具。
type External interface {
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
	Definitions() []conversation.ToolDefinition
}

// CancelState 由编排器实现，用于查询取消标志。
type CancelState interface {
	Cancelled() bool
}

// availability 由可能断开的自动化服务实现。
type availability interface {
	Available() bool
}

// Dispatcher 把工具调用解析到本地工具表或外部提供方并执行。
// Dispatch 总是返回字符串结果，不会向上抛出错误。
type Dispatcher struct {
	registry *Registry
	external External
	device   device.Context
	ui       device.UIAutomation
	cancel   CancelState
	log      *slog.Logger
}

// DispatcherOption 定义可选配置。
type DispatcherOption func(*Dispatcher)

// WithExternal 配置外部工具来源。
func WithExternal(ext External) DispatcherOption {
	return func(d *Dispatcher) { d.external = ext }
}

// WithDevice 配置设备上下文。
func WithDevice(dev device.Context) DispatcherOption {
	return func(d *Dispatcher) { d.device = dev }
}

// WithUI 配置界面自动化上下文。
func WithUI(ui device.UIAutomation) DispatcherOption {
	return func(d *Dispatcher) { d.ui = ui }
}

// WithCancelState 注入编排器的取消状态。
func WithCancelState(state CancelState) DispatcherOption {
	return func(d *Dispatcher) { d.cancel = state }
}

// NewDispatcher 创建调度器。
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{registry: registry, log: logger.Named("tools")}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Definitions 返回本地与外部工具声明。
func (d *Dispatcher) Definitions() []conversation.ToolDefinition {
	defs := d.registry.Definitions()
	if d.external != nil {
		defs = append(defs, d.external.Definitions()...)
	}
	return defs
}

// Dispatch 执行一次工具调用并返回结果文本。
func (d *Dispatcher) Dispatch(ctx context.Context, call conversation.ToolCall) string {
	start := time.Now()
	result, outcome := d.dispatch(ctx, call)
	elapsed := time.Since(start)
	metrics.ObserveToolCall(call.Name, outcome, elapsed)
	d.log.Debug("工具调用完成",
		slog.String("tool", call.Name),
		slog.String("call_id", call.ID),
		slog.String("outcome", outcome),
		slog.Duration("duration", elapsed),
	)
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, call conversation.ToolCall) (string, string) {
	if d.cancelled(ctx) {
		return CancelledResult, "cancelled"
	}

	if strings.HasPrefix(call.Name, discovery.ToolPrefix) {
		if d.external == nil {
			return errorResult("external tool %q is not available: no discovery transport is configured", call.Name), "unavailable"
		}
		return d.run(ctx, call.Name, func(ctx context.Context) (string, error) {
			return d.external.Invoke(ctx, call.Name, call.Arguments)
		})
	}

	desc, ok := d.registry.Lookup(call.Name)
	if !ok {
		msg := fmt.Sprintf("unknown tool %q", call.Name)
		if suggestion := suggest(call.Name, d.registry.Names()); suggestion != "" {
			msg += fmt.Sprintf("; did you mean %q?", suggestion)
		}
		return "Error: " + msg, "unknown"
	}

	env := Env{}
	if desc.NeedsUI {
		if !present(d.ui) {
			return errorResult("tool %q needs UI automation, which is not available right now", call.Name), "unavailable"
		}
		env.UI = d.ui
	}
	if desc.NeedsDevice {
		if d.device == nil {
			return errorResult("tool %q needs the device context, which is not available right now", call.Name), "unavailable"
		}
		env.Device = d.device
	}

	args := NewArgs(desc.Definition, call.Arguments)
	if err := args.Validate(); err != nil {
		return errorResult("invalid arguments for %q: %v", call.Name, err), "error"
	}
	return d.run(ctx, call.Name, func(ctx context.Context) (string, error) {
		return desc.Handler(ctx, env, args)
	})
}

// run 在独立 goroutine 中执行处理函数，调用方等待其完成或取消。
func (d *Dispatcher) run(ctx context.Context, name string, fn func(context.Context) (string, error)) (string, string) {
	type outcome struct {
		text string
		kind string
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{text: errorResult("tool %q failed: %v", name, r), kind: "error"}
			}
		}()
		text, err := fn(ctx)
		if err != nil {
			done <- outcome{text: errorResult("%v", err), kind: "error"}
			return
		}
		done <- outcome{text: text, kind: "ok"}
	}()

	// 已完成的调用保留真实结果，副作用已经发生；只有失败或未完成的调用记为取消。
	settle := func(res outcome) (string, string) {
		if res.kind == "error" && d.cancelled(ctx) {
			return CancelledResult, "cancelled"
		}
		return res.text, res.kind
	}
	select {
	case res := <-done:
		return settle(res)
	case <-ctx.Done():
		select {
		case res := <-done:
			return settle(res)
		default:
			return CancelledResult, "cancelled"
		}
	}
}

func (d *Dispatcher) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return d.cancel != nil && d.cancel.Cancelled()
}

func present(ui device.UIAutomation) bool {
	if ui == nil {
		return false
	}
	if a, ok := ui.(availability); ok {
		return a.Available()
	}
	return true
}

func errorResult(format string, args ...any) string {
	return "Error: " + fmt.Sprintf(format, args...)
}

// suggest 返回与未知名称最接近的已注册工具。
func suggest(name string, candidates []string) string {
	if matches := fuzzy.Find(name, candidates); len(matches) > 0 {
		return matches[0].Str
	}
	best := ""
	for _, candidate := range candidates {
		if len(fuzzy.Find(candidate, []string{name})) > 0 && len(candidate) > len(best) {
			best = candidate
		}
	}
	return best
}
