package pilot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestStartRunAndCurrent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/runs":
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("unexpected body: %v", err)
			}
			if body["instruction"] != "Turn on flashlight" {
				t.Errorf("unexpected instruction %q", body["instruction"])
			}
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"run_id":"run-42"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/runs/current":
			_, _ = w.Write([]byte(`{"running":true,"status":{"kind":"processing","run_id":"run-42","state":"executing_tools","turn":2},
				"conversation":{"id":"run-42","start_time":"2025-03-01T08:00:00Z","messages":[{"role":"user","content":[{"kind":"text","text":"Turn on flashlight"}],"timestamp":"2025-03-01T08:00:00Z"}],"is_complete":false}}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/runs/current":
			_, _ = w.Write([]byte(`{"cancelled":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ctx := context.Background()
	runID, err := client.StartRun(ctx, "Turn on flashlight")
	if err != nil || runID != "run-42" {
		t.Fatalf("start run: %q, %v", runID, err)
	}

	current, err := client.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if !current.Running || current.Status.State != "executing_tools" || current.Status.Turn != 2 {
		t.Fatalf("unexpected status %+v", current.Status)
	}
	if current.Conversation == nil || len(current.Conversation.Messages) != 1 || current.Conversation.Messages[0].Content[0].Text != "Turn on flashlight" {
		t.Fatalf("unexpected conversation %+v", current.Conversation)
	}

	cancelled, err := client.Cancel(ctx)
	if err != nil || !cancelled {
		t.Fatalf("cancel: %v, %v", cancelled, err)
	}
}

func TestBusyConflict(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"CONFLICT","message":"already running"}`))
	})

	_, err := client.StartRun(context.Background(), "again")
	if !IsBusy(err) {
		t.Fatalf("expected busy error, got %v", err)
	}
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Code != "CONFLICT" || apiErr.Message != "already running" {
		t.Fatalf("unexpected api error %+v", err)
	}
}

func TestSessionsAndTools(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/sessions":
			if got := r.URL.Query().Get("limit"); got != "5" {
				t.Errorf("unexpected limit %q", got)
			}
			_, _ = w.Write([]byte(`{"sessions":[{"id":"s1","instruction":"Open maps","outcome":"success","is_complete":true,"messages":6,"start_time":"2025-03-01T08:00:00Z"}]}`))
		case "/api/v1/sessions/s1":
			_, _ = w.Write([]byte(`{"id":"s1","start_time":"2025-03-01T08:00:00Z","messages":[{"role":"stats","content":[],"stats":{"duration":1.5},"timestamp":"2025-03-01T08:00:02Z"}],"is_complete":true,"outcome":"success"}`))
		case "/api/v1/tools":
			_, _ = w.Write([]byte(`{"tools":[{"name":"open_app","description":"Launch an app","parameters":[{"name":"package","type":"string","description":"Package","required":true}]}]}`))
		case "/api/v1/tools/discover":
			if r.Method != http.MethodPost {
				t.Errorf("unexpected method %s", r.Method)
			}
			_, _ = w.Write([]byte(`{"providers":[{"address":{"package":"com.example.weather","component":"mcp"},"alias":"weather","tools":[{"name":"forecast","description":"Forecast"}]}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ctx := context.Background()
	list, err := client.ListSessions(ctx, 5)
	if err != nil || len(list) != 1 || list[0].Messages != 6 {
		t.Fatalf("list sessions: %+v, %v", list, err)
	}
	conv, err := client.GetSession(ctx, "s1")
	if err != nil || conv.Messages[0].Stats["duration"] != 1.5 {
		t.Fatalf("get session: %+v, %v", conv, err)
	}
	tools, err := client.Tools(ctx)
	if err != nil || len(tools) != 1 || !tools[0].Parameters[0].Required {
		t.Fatalf("tools: %+v, %v", tools, err)
	}
	providers, err := client.Discover(ctx)
	if err != nil || len(providers) != 1 || providers[0].Alias != "weather" || providers[0].Tools[0].Name != "forecast" {
		t.Fatalf("discover: %+v, %v", providers, err)
	}

	if _, err := client.GetSession(ctx, "missing"); err == nil {
		t.Fatalf("expected error for missing session")
	}
}
