package agent

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"OpenMCP-Pilot/internal/catalog"
	"OpenMCP-Pilot/internal/conversation"
	"OpenMCP-Pilot/internal/device"
	"OpenMCP-Pilot/internal/device/fixture"
	xerrors "OpenMCP-Pilot/internal/errors"
	"OpenMCP-Pilot/internal/llm"
	"OpenMCP-Pilot/internal/observability/alerting"
	"OpenMCP-Pilot/internal/tools"
)

type step struct {
	resp  *llm.Response
	err   error
	block bool
}

type scriptedLLM struct {
	mu       sync.Mutex
	steps    []step
	calls    int
	requests []llm.Request
	entered  chan struct{}
}

func (s *scriptedLLM) Name() string { return "stub" }

func (s *scriptedLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if idx >= len(s.steps) {
		return &llm.Response{Text: "done"}, nil
	}
	st := s.steps[idx]
	if st.block {
		if s.entered != nil {
			s.entered <- struct{}{}
		}
		<-ctx.Done()
		return nil, llm.TransportError("stub", ctx.Err())
	}
	return st.resp, st.err
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubDispatcher struct {
	mu       sync.Mutex
	calls    []string
	dispatch func(call conversation.ToolCall) string
}

func (d *stubDispatcher) Definitions() []conversation.ToolDefinition {
	return []conversation.ToolDefinition{{Name: "home", Description: "Home"}}
}

func (d *stubDispatcher) Dispatch(_ context.Context, call conversation.ToolCall) string {
	d.mu.Lock()
	d.calls = append(d.calls, call.Name)
	d.mu.Unlock()
	if d.dispatch != nil {
		return d.dispatch(call)
	}
	return "ok"
}

type memorySessions struct {
	mu    sync.Mutex
	saved []conversation.Conversation
}

func (m *memorySessions) Save(_ context.Context, conv conversation.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, conv)
	return nil
}

type recordingAlerter struct {
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	r.events = append(r.events, event)
	return nil
}

type delays struct {
	mu  sync.Mutex
	got []time.Duration
}

func (d *delays) sleep(ctx context.Context, delay time.Duration) error {
	d.mu.Lock()
	d.got = append(d.got, delay)
	d.mu.Unlock()
	return ctx.Err()
}

func toolCall(id, name string) *llm.Response {
	return &llm.Response{ToolCalls: []conversation.ToolCall{{ID: id, Name: name}}, Duration: 20 * time.Millisecond}
}

func roles(msgs []conversation.Message) []conversation.Role {
	out := make([]conversation.Role, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Role)
	}
	return out
}

func TestFlashlightScenario(t *testing.T) {
	dev := fixture.New(fixture.Spec{
		Apps: []device.AppInfo{{PackageName: "com.android.settings", Label: "Settings"}},
	})
	registry, err := tools.NewRegistry(tools.Builtins(tools.BuiltinOptions{})...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	flag := NewCancelFlag()
	dispatcher := tools.NewDispatcher(registry,
		tools.WithDevice(dev), tools.WithUI(dev), tools.WithCancelState(flag))

	model := &scriptedLLM{steps: []step{
		{resp: toolCall("c1", tools.ToolHome)},
		{resp: &llm.Response{Text: "Flashlight is on", Usage: llm.Usage{InputTokens: 50, OutputTokens: 5, Reported: true}}},
	}}
	sessions := &memorySessions{}
	var statuses []Status
	ag := New(model, dispatcher,
		WithDevice(dev),
		WithCatalog(catalog.New(nil)),
		WithSessionStore(sessions),
		WithCancelFlag(flag),
	)

	conv, err := ag.Run(context.Background(), "Turn on flashlight", func(s Status) { statuses = append(statuses, s) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []conversation.Role{
		conversation.RoleStats,
		conversation.RoleSystem,
		conversation.RoleUser,
		conversation.RoleAssistant,
		conversation.RoleTool,
		conversation.RoleAssistant,
	}
	got := roles(conv.Messages)
	if len(got) != len(want) {
		t.Fatalf("unexpected roles %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected roles %v", got)
		}
	}
	if !conv.IsComplete || conv.Outcome != conversation.OutcomeSuccess || conv.EndTime == nil {
		t.Fatalf("conversation must be complete: %+v", conv)
	}
	if conv.Messages[3].ToolCalls[0].Name != tools.ToolHome {
		t.Fatalf("assistant must carry the home call")
	}
	if text := conv.Messages[4].Text(); text != "Pressed home button" {
		t.Fatalf("unexpected tool result %q", text)
	}
	if conv.Messages[5].Text() != "Flashlight is on" || conv.Summary != "Flashlight is on" {
		t.Fatalf("unexpected final message %q", conv.Messages[5].Text())
	}
	if conv.Messages[0].Stat(conversation.StatInputTokens) != 50 {
		t.Fatalf("stats must aggregate reported tokens: %+v", conv.Messages[0].Stats)
	}
	if globals := dev.Records().Globals; len(globals) != 1 || globals[0] != device.GlobalHome {
		t.Fatalf("home was not pressed: %+v", globals)
	}

	system := conv.Messages[1].Text()
	if !strings.Contains(system, "Screen size: 1080x2400") || !strings.Contains(system, "Settings (com.android.settings)") {
		t.Fatalf("system prompt misses device context:\n%s", system)
	}
	if !slices.Contains(model.requests[0].SnapshotTools, tools.ToolScroll) || len(model.requests[0].Tools) != len(dispatcher.Definitions()) {
		t.Fatalf("unexpected request %+v", model.requests[0])
	}

	if len(statuses) == 0 || statuses[len(statuses)-1].Kind != StatusSuccess {
		t.Fatalf("last status must be success: %+v", statuses)
	}
	for _, s := range statuses[:len(statuses)-1] {
		if s.Kind != StatusProcessing {
			t.Fatalf("only processing statuses may precede the terminal one: %+v", statuses)
		}
	}
	if len(sessions.saved) != 2 || sessions.saved[0].IsComplete || !sessions.saved[1].IsComplete {
		t.Fatalf("expected a checkpoint and a final dump, got %d saves", len(sessions.saved))
	}
	if ag.State() != StateTerminal || ag.Running() {
		t.Fatalf("agent must be idle after the run, state=%s", ag.State())
	}
}

func TestRetryWithBackoff(t *testing.T) {
	transient := llm.StatusError("stub", 503, nil)
	model := &scriptedLLM{steps: []step{
		{err: transient},
		{err: transient},
		{resp: &llm.Response{Text: "ok"}},
	}}
	rec := &delays{}
	ag := New(model, &stubDispatcher{}, WithMaxAttempts(3), WithBaseDelay(100*time.Millisecond), WithSleeper(rec.sleep))

	conv, err := ag.Run(context.Background(), "do it", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.Outcome != conversation.OutcomeSuccess {
		t.Fatalf("expected success, got %s", conv.Outcome)
	}
	if len(rec.got) != 2 {
		t.Fatalf("expected 2 backoff delays, got %v", rec.got)
	}
	for i := 1; i < len(rec.got); i++ {
		if rec.got[i] < rec.got[i-1] {
			t.Fatalf("delays must not decrease: %v", rec.got)
		}
	}
	if rec.got[0] != 100*time.Millisecond || rec.got[1] != 200*time.Millisecond {
		t.Fatalf("delays must double: %v", rec.got)
	}
}

func TestRetriesExhausted(t *testing.T) {
	transient := llm.TransportError("stub", errors.New("connection refused"))
	model := &scriptedLLM{steps: []step{{err: transient}, {err: transient}}}
	rec := &delays{}
	ag := New(model, &stubDispatcher{}, WithMaxAttempts(2), WithSleeper(rec.sleep))

	conv, err := ag.Run(context.Background(), "do it", nil)
	if xerrors.CodeOf(err) != xerrors.CodeRetriesExhausted {
		t.Fatalf("expected retries exhausted, got %v", err)
	}
	if conv.Outcome != conversation.OutcomeError || !conv.IsComplete {
		t.Fatalf("unexpected conversation %+v", conv)
	}
	if len(rec.got) != 1 || model.callCount() != 2 {
		t.Fatalf("expected 2 attempts and 1 delay, got %d and %v", model.callCount(), rec.got)
	}
}

func TestAuthenticationIsNotRetried(t *testing.T) {
	model := &scriptedLLM{steps: []step{{err: llm.StatusError("stub", 401, []byte("bad key"))}}}
	rec := &delays{}
	alerter := &recordingAlerter{}
	var last Status
	ag := New(model, &stubDispatcher{}, WithSleeper(rec.sleep), WithAlertDispatcher(alerter))

	_, err := ag.Run(context.Background(), "do it", func(s Status) { last = s })
	if xerrors.CodeOf(err) != xerrors.CodeAuthentication {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if model.callCount() != 1 || len(rec.got) != 0 {
		t.Fatalf("authentication errors must not be retried")
	}
	if last.Kind != StatusError || last.Code != string(xerrors.CodeAuthentication) {
		t.Fatalf("unexpected terminal status %+v", last)
	}
	if len(alerter.events) != 1 || alerter.events[0].Code != xerrors.CodeAuthentication {
		t.Fatalf("authentication failures must raise an alert: %+v", alerter.events)
	}
}

func TestCancelThenFreshRun(t *testing.T) {
	model := &scriptedLLM{
		steps:   []step{{block: true}, {resp: &llm.Response{Text: "second"}}},
		entered: make(chan struct{}, 1),
	}
	ag := New(model, &stubDispatcher{})

	terminal := make(chan Status, 1)
	runID, err := ag.Start(context.Background(), "first", func(s Status) {
		if s.Terminal() {
			terminal <- s
		}
	})
	if err != nil || runID == "" {
		t.Fatalf("start failed: %v", err)
	}

	select {
	case <-model.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("model was never called")
	}
	if _, err := ag.Run(context.Background(), "concurrent", nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy error, got %v", err)
	}
	if !ag.Cancel() {
		t.Fatalf("cancel must report an active run")
	}

	select {
	case s := <-terminal:
		if s.Kind != StatusCancelled || s.RunID != runID {
			t.Fatalf("unexpected terminal status %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
	if ag.Running() || ag.Cancelled() {
		t.Fatalf("cancellation state must be reset after the run")
	}
	if conv, ok := ag.Current(); !ok || conv.Outcome != conversation.OutcomeCancelled {
		t.Fatalf("last conversation must be the cancelled one: %+v", conv)
	}
	if ag.Cancel() {
		t.Fatalf("cancel without a run must return false")
	}

	conv, err := ag.Run(context.Background(), "second", nil)
	if err != nil || conv.Outcome != conversation.OutcomeSuccess || conv.Summary != "second" {
		t.Fatalf("fresh run must succeed: %+v, %v", conv, err)
	}
}

func TestCancelBetweenToolCalls(t *testing.T) {
	model := &scriptedLLM{steps: []step{{resp: &llm.Response{ToolCalls: []conversation.ToolCall{
		{ID: "c1", Name: "home"},
		{ID: "c2", Name: "home"},
	}}}}}
	var ag *Agent
	dispatcher := &stubDispatcher{dispatch: func(conversation.ToolCall) string {
		ag.Cancel()
		return "Pressed home button"
	}}
	ag = New(model, dispatcher)

	conv, err := ag.Run(context.Background(), "go home twice", nil)
	if err != nil {
		t.Fatalf("cancellation is not an error: %v", err)
	}
	if conv.Outcome != conversation.OutcomeCancelled {
		t.Fatalf("expected cancelled outcome, got %s", conv.Outcome)
	}
	if len(dispatcher.calls) != 1 || model.callCount() != 1 {
		t.Fatalf("no tool or model activity may follow cancellation: tools=%v model=%d", dispatcher.calls, model.callCount())
	}
	last := conv.Messages[len(conv.Messages)-1]
	if last.Role != conversation.RoleTool || last.ToolCallID != "c2" || last.Text() != tools.CancelledResult {
		t.Fatalf("pending call must be answered with the cancelled result: %+v", last)
	}
}

func TestMaxTurns(t *testing.T) {
	model := &scriptedLLM{steps: []step{
		{resp: toolCall("c1", "home")},
		{resp: toolCall("c2", "home")},
		{resp: toolCall("c3", "home")},
	}}
	ag := New(model, &stubDispatcher{}, WithMaxTurns(2))

	_, err := ag.Run(context.Background(), "loop", nil)
	if xerrors.CodeOf(err) != xerrors.CodeRetriesExhausted {
		t.Fatalf("expected max turns error, got %v", err)
	}
	if model.callCount() != 2 {
		t.Fatalf("expected 2 model calls, got %d", model.callCount())
	}
}

func TestPanicBecomesError(t *testing.T) {
	model := &scriptedLLM{steps: []step{{resp: toolCall("c1", "home")}}}
	dispatcher := &stubDispatcher{dispatch: func(conversation.ToolCall) string { panic("boom") }}
	ag := New(model, dispatcher)

	conv, err := ag.Run(context.Background(), "crash", nil)
	if err == nil || conv.Outcome != conversation.OutcomeError || !conv.IsComplete {
		t.Fatalf("panic must end the run as an error: %+v, %v", conv, err)
	}
	if ag.Running() {
		t.Fatalf("agent must accept new runs after a panic")
	}
}

func TestValidation(t *testing.T) {
	if _, err := New(nil, &stubDispatcher{}).Run(context.Background(), "x", nil); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
	if _, err := New(&scriptedLLM{}, &stubDispatcher{}).Run(context.Background(), "  ", nil); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
