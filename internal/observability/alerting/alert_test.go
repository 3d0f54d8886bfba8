package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "OpenMCP-Pilot/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelLog}
	bad := &recordingNotifier{channel: ChannelWebhook, err: errors.New("down")}
	d := NewFanout(ok, nil, bad)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeAuthentication})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(ok.events) != 1 || len(bad.events) != 1 {
		t.Fatalf("every notifier must receive the event")
	}

	var nilFanout *FanoutDispatcher
	if err := nilFanout.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher must be a no-op: %v", err)
	}
}

func TestFromError(t *testing.T) {
	err := xerrors.New(xerrors.CodeAuthentication, "凭据被拒绝", xerrors.WithMetadata("provider", "openai"))
	event := FromError(err, "run-1", 1, 3)
	if event.Code != xerrors.CodeAuthentication || event.Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Metadata["provider"] != "openai" || event.RunID != "run-1" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}}
	if err := n.Notify(context.Background(), Event{Code: xerrors.CodeRetriesExhausted, Message: "boom", RunID: "r"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got["code"] != string(xerrors.CodeRetriesExhausted) || got["text"] == "" {
		t.Fatalf("unexpected payload %+v", got)
	}

	n.Headers = nil
	if err := n.Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected status error")
	}
	if err := (&WebhookNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured webhook must be skipped: %v", err)
	}
}
