package tools

import (
	"context"
	"fmt"

	"OpenMCP-Pilot/internal/conversation"
	"OpenMCP-Pilot/internal/device"
)

// Env 是调用工具时提供的执行环境，只包含描述符声明需要的部分。
type Env struct {
	Device device.Context
	UI     device.UIAutomation
}

// Handler 执行一个工具并返回给模型的文本。
type Handler func(ctx context.Context, env Env, args Args) (string, error)

// Descriptor 是一条工具注册项。
type Descriptor struct {
	Definition  conversation.ToolDefinition
	NeedsDevice bool
	NeedsUI     bool
	Handler     Handler
}

// Registry 是启动时一次性构建的静态工具表，保持注册顺序。
type Registry struct {
	ordered []Descriptor
	byName  map[string]int
}

// NewRegistry 构建工具表，重名或缺少处理函数时报错。
func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{
		ordered: make([]Descriptor, 0, len(descriptors)),
		byName:  make(map[string]int, len(descriptors)),
	}
	for _, desc := range descriptors {
		name := desc.Definition.Name
		if name == "" {
			return nil, fmt.Errorf("工具名称不能为空")
		}
		if desc.Handler == nil {
			return nil, fmt.Errorf("工具 %s 缺少处理函数", name)
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("工具 %s 重复注册", name)
		}
		r.byName[name] = len(r.ordered)
		r.ordered = append(r.ordered, desc)
	}
	return r, nil
}

// Lookup 按名称精确查找。
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	if r == nil {
		return Descriptor{}, false
	}
	idx, ok := r.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return r.ordered[idx], true
}

// Definitions 返回全部工具声明。
func (r *Registry) Definitions() []conversation.ToolDefinition {
	if r == nil {
		return nil
	}
	out := make([]conversation.ToolDefinition, 0, len(r.ordered))
	for _, desc := range r.ordered {
		out = append(out, desc.Definition)
	}
	return out
}

// Names 返回全部工具名。
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.ordered))
	for _, desc := range r.ordered {
		out = append(out, desc.Definition.Name)
	}
	return out
}
