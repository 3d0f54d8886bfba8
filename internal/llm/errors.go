package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	xerrors "OpenMCP-Pilot/internal/errors"
)

// StatusError 按 HTTP 状态码分类非 2xx 响应：只有 401 视为认证失败，
// 其余都是可重试的请求失败，优先携带响应体，否则给出按状态码的说明。
func StatusError(provider string, status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if detail == "" {
		detail = describeStatus(status)
	}
	msg := fmt.Sprintf("%s 返回错误状态 %d: %s", provider, status, detail)
	opts := []xerrors.Option{
		xerrors.WithMetadata("provider", provider),
		xerrors.WithMetadata("status", strconv.Itoa(status)),
	}
	if status == http.StatusUnauthorized {
		return xerrors.New(xerrors.CodeAuthentication, msg, opts...)
	}
	return xerrors.New(xerrors.CodeTransport, msg, opts...)
}

func describeStatus(status int) string {
	switch {
	case status == http.StatusForbidden:
		return "访问被拒绝，请检查账号权限"
	case status == http.StatusNotFound:
		return "接口或模型不存在，请检查 base url 与模型名"
	case status == http.StatusTooManyRequests:
		return "请求过于频繁或额度不足"
	case status >= 500:
		return "服务端错误，请稍后重试"
	case http.StatusText(status) != "":
		return http.StatusText(status)
	default:
		return "未知错误"
	}
}

// TransportError 包装网络层错误。调用方取消时原样返回 context 错误。
func TransportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return xerrors.Wrap(xerrors.CodeTransport, err, fmt.Sprintf("请求 %s 失败", provider),
		xerrors.WithMetadata("provider", provider))
}

// ParseError 表示无法识别的响应结构，不可重试。
func ParseError(provider string, err error, detail string) error {
	msg := fmt.Sprintf("无法解析 %s 响应: %s", provider, detail)
	opts := []xerrors.Option{xerrors.WithMetadata("provider", provider)}
	if err == nil {
		return xerrors.New(xerrors.CodeProtocolParse, msg, opts...)
	}
	return xerrors.Wrap(xerrors.CodeProtocolParse, err, msg, opts...)
}
