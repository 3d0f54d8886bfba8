package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"OpenMCP-Pilot/internal/conversation"
	xerrors "OpenMCP-Pilot/internal/errors"
)

func TestSanitize(t *testing.T) {
	img := conversation.ImagePart("image/png", []byte{1, 2, 3})
	msgs := []conversation.Message{
		conversation.NewSystem("sys"),
		conversation.NewUser("do it", img),
		conversation.NewToolResult("c1", "get_ui_hierarchy", "old tree"),
		conversation.NewUser("again", img),
		conversation.NewToolResult("c2", "tap", "Tapped"),
		conversation.NewToolResult("c3", "get_ui_hierarchy", "new tree"),
		conversation.NewUser("later", img),
	}

	out := Sanitize(msgs, "get_ui_hierarchy")
	if out[2].Text() != TruncatedSnapshot {
		t.Fatalf("old snapshot must be truncated, got %q", out[2].Text())
	}
	if out[5].Text() != "new tree" {
		t.Fatalf("latest snapshot must be kept, got %q", out[5].Text())
	}
	if out[1].HasImage() || out[3].HasImage() {
		t.Fatalf("images before the latest snapshot must be stripped")
	}
	if out[1].Text() != "do it" {
		t.Fatalf("text must survive image stripping, got %q", out[1].Text())
	}
	if !out[6].HasImage() {
		t.Fatalf("images after the latest snapshot must be kept")
	}
	if out[4].Text() != "Tapped" {
		t.Fatalf("other tool results must be untouched")
	}
	if msgs[2].Text() != "old tree" || !msgs[1].HasImage() {
		t.Fatalf("input history must not be mutated")
	}
}

func TestSanitizeTreatsScrollAsSnapshot(t *testing.T) {
	msgs := []conversation.Message{
		conversation.NewToolResult("c1", "scroll", "Scrolled down.\nold tree"),
		conversation.NewToolResult("c2", "get_ui_hierarchy", "middle tree"),
		conversation.NewToolResult("c3", "scroll", "Scrolled up.\nnew tree"),
	}
	out := Sanitize(msgs, "get_ui_hierarchy", "scroll")
	if out[0].Text() != TruncatedSnapshot || out[1].Text() != TruncatedSnapshot {
		t.Fatalf("stale snapshots must be truncated: %q %q", out[0].Text(), out[1].Text())
	}
	if out[2].Text() != "Scrolled up.\nnew tree" {
		t.Fatalf("latest scroll snapshot must be kept, got %q", out[2].Text())
	}
}

func TestSanitizeWithoutSnapshot(t *testing.T) {
	msgs := []conversation.Message{conversation.NewUser("x", conversation.ImagePart("image/png", []byte{1}))}
	out := Sanitize(msgs, "get_ui_hierarchy")
	if !out[0].HasImage() {
		t.Fatalf("without a snapshot nothing is stripped")
	}
}

func TestStatusError(t *testing.T) {
	cases := []struct {
		status int
		body   string
		code   xerrors.Code
		retry  bool
	}{
		{401, "bad key", xerrors.CodeAuthentication, false},
		{403, "", xerrors.CodeTransport, true},
		{429, "slow down", xerrors.CodeTransport, true},
		{503, "", xerrors.CodeTransport, true},
	}
	for _, tc := range cases {
		err := StatusError("openai", tc.status, []byte(tc.body))
		if xerrors.CodeOf(err) != tc.code || xerrors.RetryableError(err) != tc.retry {
			t.Fatalf("status %d: unexpected classification %v", tc.status, err)
		}
	}
	if err := StatusError("gemini", 503, nil); !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "服务端错误") {
		t.Fatalf("expected descriptive fallback, got %v", err)
	}
}

func TestTransportError(t *testing.T) {
	if err := TransportError("x", context.Canceled); !errors.Is(err, context.Canceled) || xerrors.CodeOf(err) != xerrors.CodeCancelled {
		t.Fatalf("cancellation must pass through, got %v", err)
	}
	if err := TransportError("x", fmt.Errorf("dial: %w", errors.New("refused"))); !xerrors.RetryableError(err) {
		t.Fatalf("network errors must be retryable")
	}
	if err := ParseError("x", nil, "no choices"); xerrors.CodeOf(err) != xerrors.CodeProtocolParse || xerrors.RetryableError(err) {
		t.Fatalf("parse errors must be terminal, got %v", err)
	}
}

func TestResponseStats(t *testing.T) {
	r := &Response{Duration: 1500 * time.Millisecond}
	if stats := r.Stats(); stats[conversation.StatDuration] != 1500 || len(stats) != 1 {
		t.Fatalf("unexpected stats %v", stats)
	}
	r.Usage = Usage{InputTokens: 10, OutputTokens: 4, Reported: true}
	if stats := r.Stats(); stats[conversation.StatInputTokens] != 10 || stats[conversation.StatOutputTokens] != 4 {
		t.Fatalf("unexpected stats %v", stats)
	}
}
