package discovery

import (
	"strings"

	"github.com/tidwall/gjson"

	"OpenMCP-Pilot/internal/conversation"
)

// ParseParameters 把提供方上报的 JSON Schema 转换为参数声明，保持属性声明顺序。
// 无法识别的 schema 返回 nil，工具仍然可用，只是没有参数说明。
func ParseParameters(schema string) []conversation.Parameter {
	schema = strings.TrimSpace(schema)
	if schema == "" || !gjson.Valid(schema) {
		return nil
	}
	root := gjson.Parse(schema)
	props := root.Get("properties")
	if !props.IsObject() {
		return nil
	}

	required := make(map[string]bool)
	root.Get("required").ForEach(func(_, v gjson.Result) bool {
		required[v.String()] = true
		return true
	})

	var params []conversation.Parameter
	props.ForEach(func(key, value gjson.Result) bool {
		params = append(params, conversation.Parameter{
			Name:        key.String(),
			Type:        paramType(value.Get("type").String()),
			Description: value.Get("description").String(),
			Required:    required[key.String()] || value.Get("required").Bool(),
		})
		return true
	})
	return params
}

func paramType(t string) conversation.ParamType {
	switch strings.ToLower(t) {
	case "integer", "int", "long":
		return conversation.TypeInteger
	case "number", "float", "double":
		return conversation.TypeNumber
	case "boolean", "bool":
		return conversation.TypeBoolean
	default:
		return conversation.TypeString
	}
}
