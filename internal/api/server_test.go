package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"OpenMCP-Pilot/internal/agent"
	"OpenMCP-Pilot/internal/conversation"
	"OpenMCP-Pilot/internal/discovery"
	xerrors "OpenMCP-Pilot/internal/errors"
	"OpenMCP-Pilot/internal/session"
)

type stubRunner struct {
	running      bool
	started      []string
	startErr     error
	cancelCalled int
	current      *conversation.Conversation
}

func (s *stubRunner) Start(_ context.Context, instruction string, _ agent.Observer) (string, error) {
	if s.startErr != nil {
		return "", s.startErr
	}
	s.started = append(s.started, instruction)
	s.running = true
	return "run-1", nil
}

func (s *stubRunner) Cancel() bool {
	s.cancelCalled++
	was := s.running
	s.running = false
	return was
}

func (s *stubRunner) Running() bool { return s.running }

func (s *stubRunner) Status() agent.Status {
	return agent.Status{Kind: agent.StatusProcessing, RunID: "run-1", State: agent.StateAwaitingModel}
}

func (s *stubRunner) Current() (conversation.Conversation, bool) {
	if s.current == nil {
		return conversation.Conversation{}, false
	}
	return *s.current, true
}

type stubTools struct{}

func (stubTools) Definitions() []conversation.ToolDefinition {
	return []conversation.ToolDefinition{{Name: "home", Description: "Press home"}}
}

type stubDiscoverer struct {
	err error
}

func (d stubDiscoverer) Discover(context.Context) ([]discovery.Provider, error) {
	if d.err != nil {
		return nil, d.err
	}
	return []discovery.Provider{{Alias: "weather", Address: discovery.Address{Package: "com.example.weather", Component: "mcp"}}}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRunLifecycle(t *testing.T) {
	runner := &stubRunner{}
	h := NewServer(":0", runner).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/runs", `{"instruction":" Turn on flashlight "}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var started StartRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if started.RunID != "run-1" || len(runner.started) != 1 || runner.started[0] != "Turn on flashlight" {
		t.Fatalf("unexpected start %+v %+v", started, runner.started)
	}

	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	runner.current = &conversation.Conversation{ID: "run-1", StartTime: now}
	rec = do(t, h, http.MethodGet, "/api/v1/runs/current", "")
	var current CurrentRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &current); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !current.Running || current.Status.State != agent.StateAwaitingModel || current.Conversation == nil || current.Conversation.ID != "run-1" {
		t.Fatalf("unexpected current run %+v", current)
	}

	rec = do(t, h, http.MethodDelete, "/api/v1/runs/current", "")
	var cancelled CancelRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &cancelled); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !cancelled.Cancelled {
		t.Fatalf("expected cancel to hit the running task")
	}
	rec = do(t, h, http.MethodDelete, "/api/v1/runs/current", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &cancelled); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cancelled.Cancelled || runner.cancelCalled != 2 {
		t.Fatalf("second cancel must be a no-op")
	}
}

func TestStartRunErrors(t *testing.T) {
	t.Run("busy", func(t *testing.T) {
		h := NewServer(":0", &stubRunner{startErr: agent.ErrBusy}).Handler()
		rec := do(t, h, http.MethodPost, "/api/v1/runs", `{"instruction":"again"}`)
		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
		var body ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Code != string(xerrors.CodeConflict) {
			t.Fatalf("unexpected error body %+v", body)
		}
	})

	t.Run("empty instruction", func(t *testing.T) {
		h := NewServer(":0", &stubRunner{}).Handler()
		if rec := do(t, h, http.MethodPost, "/api/v1/runs", `{"instruction":"  "}`); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		if rec := do(t, h, http.MethodPost, "/api/v1/runs", `{`); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		h := NewServer(":0", &stubRunner{}).Handler()
		if rec := do(t, h, http.MethodPut, "/api/v1/runs/current", ""); rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", rec.Code)
		}
	})
}

func TestSessionEndpoints(t *testing.T) {
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	thread, err := conversation.NewThread(start)
	if err != nil {
		t.Fatalf("new thread: %v", err)
	}
	thread.Append(conversation.NewSystem("sys"), conversation.NewUser("Open maps"))
	if err := store.Save(context.Background(), thread.Close(start.Add(time.Second), conversation.OutcomeSuccess, "done")); err != nil {
		t.Fatalf("save: %v", err)
	}

	h := NewServer(":0", &stubRunner{}, WithSessions(store)).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/sessions?limit=5", "")
	var list SessionListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].Instruction != "Open maps" {
		t.Fatalf("unexpected sessions %+v", list)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/"+thread.ID(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var conv conversation.Conversation
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conv.Outcome != conversation.OutcomeSuccess || conv.Messages[0].Role != conversation.RoleStats {
		t.Fatalf("unexpected conversation %+v", conv)
	}

	if rec := do(t, h, http.MethodGet, "/api/v1/sessions/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	bare := NewServer(":0", &stubRunner{}).Handler()
	if rec := do(t, bare, http.MethodGet, "/api/v1/sessions", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a store, got %d", rec.Code)
	}
}

func TestToolsAndDiscovery(t *testing.T) {
	h := NewServer(":0", &stubRunner{}, WithTools(stubTools{}), WithDiscoverer(stubDiscoverer{})).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/tools", "")
	var tools ToolListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tools); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "home" {
		t.Fatalf("unexpected tools %+v", tools)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/tools/discover", "")
	var disc DiscoverResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &disc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(disc.Providers) != 1 || disc.Providers[0].Alias != "weather" {
		t.Fatalf("unexpected providers %+v", disc)
	}

	failing := NewServer(":0", &stubRunner{}, WithDiscoverer(stubDiscoverer{
		err: xerrors.New(xerrors.CodeTransport, "broker unreachable"),
	})).Handler()
	if rec := do(t, failing, http.MethodPost, "/api/v1/tools/discover", ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := NewServer(":0", &stubRunner{}).Handler()
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("unexpected health status %d", rec.Code)
	}
	do(t, h, http.MethodGet, "/api/v1/tools", "")
	rec := do(t, h, http.MethodGet, "/metrics", "")
	if !strings.Contains(rec.Body.String(), "pilot_http_requests_total") {
		t.Fatalf("metrics must include request counters: %s", rec.Body.String())
	}

	off := NewServer(":0", &stubRunner{}, WithMetricsPath("")).Handler()
	if rec := do(t, off, http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics must be disabled, got %d", rec.Code)
	}
}
