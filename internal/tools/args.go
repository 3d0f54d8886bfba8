package tools

import (
	"fmt"
	"math"

	"github.com/spf13/cast"

	"OpenMCP-Pilot/internal/conversation"
)

// Args 是按工具声明校验的参数访问器。
type Args struct {
	def    conversation.ToolDefinition
	values map[string]any
}

// NewArgs 包装模型给出的参数。
func NewArgs(def conversation.ToolDefinition, values map[string]any) Args {
	if values == nil {
		values = map[string]any{}
	}
	return Args{def: def, values: values}
}

// Raw 返回原始参数。
func (a Args) Raw() map[string]any {
	return a.values
}

// Validate 检查必填参数是否齐全、已声明参数能否转换为声明的类型。
func (a Args) Validate() error {
	for _, p := range a.def.Parameters {
		v, present := a.values[p.Name]
		if !present || v == nil {
			if p.Required {
				return fmt.Errorf("missing required argument %q", p.Name)
			}
			continue
		}
		if err := convertible(v, p.Type); err != nil {
			return fmt.Errorf("argument %q must be %s: %v", p.Name, p.Type, err)
		}
	}
	return nil
}

func convertible(v any, typ conversation.ParamType) error {
	var err error
	switch typ {
	case conversation.TypeInteger:
		_, err = toInt(v)
	case conversation.TypeNumber:
		_, err = toFloat(v)
	case conversation.TypeBoolean:
		_, err = cast.ToBoolE(v)
	default:
		_, err = cast.ToStringE(v)
	}
	return err
}

// toInt 在 cast 之前拒绝布尔值与带小数的数值，避免被静默转换。
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case bool:
		return 0, fmt.Errorf("got boolean %v", n)
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("%v is not a whole number", n)
		}
	case float32:
		if f := float64(n); f != math.Trunc(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("%v is not a whole number", n)
		}
	}
	return cast.ToIntE(v)
}

func toFloat(v any) (float64, error) {
	if b, ok := v.(bool); ok {
		return 0, fmt.Errorf("got boolean %v", b)
	}
	f, err := cast.ToFloat64E(v)
	if err == nil && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return 0, fmt.Errorf("%v is not a finite number", v)
	}
	return f, err
}

func (a Args) lookup(name string) (any, bool) {
	v, ok := a.values[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Has 判断参数是否给出。
func (a Args) Has(name string) bool {
	_, ok := a.lookup(name)
	return ok
}

// String 读取必填字符串参数。
func (a Args) String(name string) (string, error) {
	v, ok := a.lookup(name)
	if !ok {
		return "", fmt.Errorf("missing required argument %q", name)
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", fmt.Errorf("argument %q must be a string: %v", name, err)
	}
	return s, nil
}

// StringOr 读取可选字符串参数。
func (a Args) StringOr(name, fallback string) (string, error) {
	if !a.Has(name) {
		return fallback, nil
	}
	return a.String(name)
}

// Int 读取必填整数参数。
func (a Args) Int(name string) (int, error) {
	v, ok := a.lookup(name)
	if !ok {
		return 0, fmt.Errorf("missing required argument %q", name)
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("argument %q must be an integer: %v", name, err)
	}
	return n, nil
}

// IntOr 读取可选整数参数。
func (a Args) IntOr(name string, fallback int) (int, error) {
	if !a.Has(name) {
		return fallback, nil
	}
	return a.Int(name)
}

// Bool 读取必填布尔参数。
func (a Args) Bool(name string) (bool, error) {
	v, ok := a.lookup(name)
	if !ok {
		return false, fmt.Errorf("missing required argument %q", name)
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, fmt.Errorf("argument %q must be a boolean: %v", name, err)
	}
	return b, nil
}

// BoolOr 读取可选布尔参数。
func (a Args) BoolOr(name string, fallback bool) (bool, error) {
	if !a.Has(name) {
		return fallback, nil
	}
	return a.Bool(name)
}

// FloatOr 读取可选数值参数。
func (a Args) FloatOr(name string, fallback float64) (float64, error) {
	v, ok := a.lookup(name)
	if !ok {
		return fallback, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("argument %q must be a number: %v", name, err)
	}
	return f, nil
}
