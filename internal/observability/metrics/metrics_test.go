package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRenderCountersAndHistograms(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	ObserveToolCall("tap", "ok", 30*time.Millisecond)
	ObserveToolCall("tap", "ok", 2*time.Second)
	ObserveToolCall("tap", "error", time.Millisecond)
	ObserveHTTPRequest("/api/v1/runs", "POST", 503, time.Second)
	ObserveLLMCall("openai", "ok", time.Second, 120, 0)
	SetDiscoveredProviders(2)

	out := Render()
	for _, want := range []string{
		`pilot_tool_calls_total{tool="tap",outcome="ok"} 2`,
		`pilot_tool_calls_total{tool="tap",outcome="error"} 1`,
		`pilot_tool_call_duration_seconds_bucket{tool="tap",le="0.05"} 2`,
		`pilot_tool_call_duration_seconds_bucket{tool="tap",le="+Inf"} 3`,
		`pilot_tool_call_duration_seconds_count{tool="tap"} 3`,
		`pilot_http_request_errors_total{handler="/api/v1/runs",method="POST"} 1`,
		`pilot_llm_tokens_total{provider="openai",direction="input"} 120`,
		"pilot_discovery_providers 2",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, `direction="output"`) {
		t.Fatalf("zero token counts must not be recorded")
	}
}

func TestHandler(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	ObserveRun("success")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `pilot_runs_total{outcome="success"} 1`) {
		t.Fatalf("unexpected body: %s", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestEscape(t *testing.T) {
	if got := escape("a\"b\\c\n"); got != `a\"b\\c` {
		t.Fatalf("unexpected escape %q", got)
	}
}
