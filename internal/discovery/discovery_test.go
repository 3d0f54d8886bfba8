package discovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"OpenMCP-Pilot/internal/conversation"
	xerrors "OpenMCP-Pilot/internal/errors"
)

func weatherTool() ServedTool {
	return ServedTool{
		Spec: ToolSpec{
			Name:        "forecast",
			Description: "Weather forecast for a city",
			Parameters:  `{"type":"object","properties":{"city":{"type":"string","description":"City name"},"days":{"type":"integer"}},"required":["city"]}`,
		},
		Func: func(_ context.Context, args map[string]any) (string, error) {
			return fmt.Sprintf("sunny in %v", args["city"]), nil
		},
	}
}

func TestDiscoverIgnoresSilentProvider(t *testing.T) {
	transport := NewMemoryTransport()
	release := make(chan struct{})
	defer close(release)

	for _, pkg := range []string{"com.a.weather", "com.b.notes"} {
		addr := Address{Package: pkg, Component: "Provider"}
		transport.Register(addr, NewHandler(addr, weatherTool()))
	}
	transport.Register(Address{Package: "com.c.silent"}, func(context.Context, Request) Reply {
		<-release
		return Reply{}
	})

	client := NewClient(transport, WithDiscoverTimeout(150*time.Millisecond))
	start := time.Now()
	providers, err := client.Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(providers) != 2 {
		t.Fatalf("expected 2 providers, got %d: %+v", len(providers), providers)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("round must end at the timeout, took %v", elapsed)
	}
	if got := len(client.Definitions()); got != 2 {
		t.Fatalf("expected 2 external tools, got %d", got)
	}
}

func TestDiscoverEndsWhenAllReplied(t *testing.T) {
	transport := NewMemoryTransport()
	addr := Address{Package: "com.a.weather"}
	transport.Register(addr, NewHandler(addr, weatherTool()))

	client := NewClient(transport, WithDiscoverTimeout(5*time.Second))
	start := time.Now()
	if _, err := client.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("round should end once every responder replied, took %v", elapsed)
	}
}

func TestDiscoverWithoutProviders(t *testing.T) {
	client := NewClient(NewMemoryTransport())
	providers, err := client.Discover(context.Background())
	if err != nil || len(providers) != 0 {
		t.Fatalf("expected empty result without error, got %v, %v", providers, err)
	}
}

func TestAliasesAreStableAndUnique(t *testing.T) {
	transport := NewMemoryTransport()
	for _, pkg := range []string{"org.b.weather", "com.a.weather"} {
		addr := Address{Package: pkg}
		transport.Register(addr, NewHandler(addr, weatherTool()))
	}
	client := NewClient(transport, WithDiscoverTimeout(time.Second))

	first, err := client.Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if first[0].Alias != "weather" || first[1].Alias != "weather2" {
		t.Fatalf("unexpected aliases %q %q", first[0].Alias, first[1].Alias)
	}
	second, err := client.Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	for i := range first {
		if first[i].Alias != second[i].Alias {
			t.Fatalf("alias changed between rounds: %q -> %q", first[i].Alias, second[i].Alias)
		}
	}

	defs := client.Definitions()
	if defs[0].Name != "mcp_weather_forecast" || defs[1].Name != "mcp_weather2_forecast" {
		t.Fatalf("unexpected tool names %q %q", defs[0].Name, defs[1].Name)
	}
	params := defs[0].Parameters
	if len(params) != 2 || params[0].Name != "city" || !params[0].Required || params[1].Type != conversation.TypeInteger {
		t.Fatalf("unexpected parameters %+v", params)
	}
}

func TestInvoke(t *testing.T) {
	transport := NewMemoryTransport()
	addr := Address{Package: "com.a.weather"}
	failing := ServedTool{
		Spec: ToolSpec{Name: "alerts"},
		Func: func(context.Context, map[string]any) (string, error) { return "", errors.New("feed offline") },
	}
	transport.Register(addr, NewHandler(addr, weatherTool(), failing))

	client := NewClient(transport, WithDiscoverTimeout(time.Second))
	if _, err := client.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	got, err := client.Invoke(context.Background(), "mcp_weather_forecast", map[string]any{"city": "Oslo"})
	if err != nil || got != "sunny in Oslo" {
		t.Fatalf("unexpected invoke result %q, %v", got, err)
	}
	if _, err := client.Invoke(context.Background(), "mcp_weather_alerts", nil); err == nil || xerrors.CodeOf(err) != xerrors.CodeToolExecution {
		t.Fatalf("expected tool execution error, got %v", err)
	}
	if _, err := client.Invoke(context.Background(), "mcp_other_forecast", nil); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found for unknown alias, got %v", err)
	}
}

func TestInvokeTimeoutIsBenign(t *testing.T) {
	transport := NewMemoryTransport()
	addr := Address{Package: "com.a.slow"}
	release := make(chan struct{})
	defer close(release)
	handler := NewHandler(addr, ServedTool{
		Spec: ToolSpec{Name: "work"},
		Func: func(context.Context, map[string]any) (string, error) {
			<-release
			return "done", nil
		},
	})
	transport.Register(addr, handler)

	client := NewClient(transport, WithDiscoverTimeout(time.Second), WithInvokeTimeout(50*time.Millisecond))
	if _, err := client.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}
	_, err := client.Invoke(context.Background(), "mcp_slow_work", nil)
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestParseToolName(t *testing.T) {
	cases := []struct {
		name  string
		alias string
		tool  string
		ok    bool
	}{
		{"mcp_weather_get_forecast", "weather", "get_forecast", true},
		{"mcp_weather", "", "", false},
		{"mcp__x", "", "", false},
		{"tap", "", "", false},
	}
	for _, tc := range cases {
		alias, tool, ok := ParseToolName(tc.name)
		if alias != tc.alias || tool != tc.tool || ok != tc.ok {
			t.Fatalf("%s: got (%q, %q, %v)", tc.name, alias, tool, ok)
		}
	}
	if ToolName("weather", "forecast") != "mcp_weather_forecast" {
		t.Fatalf("unexpected tool name")
	}
}

func TestAliasBase(t *testing.T) {
	cases := map[string]string{
		"com.example.weather":      "weather",
		"com.example.Super-Notes!": "supernot",
		"com.example.___":          "p",
		"single":                   "single",
	}
	for pkg, want := range cases {
		if got := aliasBase(pkg); got != want {
			t.Fatalf("aliasBase(%q) = %q, want %q", pkg, got, want)
		}
	}
}

func TestParseParametersInvalid(t *testing.T) {
	if ParseParameters("not json") != nil {
		t.Fatalf("invalid schema must yield no parameters")
	}
	if ParseParameters(`{"type":"object"}`) != nil {
		t.Fatalf("schema without properties must yield no parameters")
	}
	params := ParseParameters(`{"properties":{"z":{"type":"boolean","required":true},"a":{"type":"number"}}}`)
	if len(params) != 2 || params[0].Name != "z" || !params[0].Required || params[1].Type != conversation.TypeNumber {
		t.Fatalf("unexpected parameters %+v", params)
	}
}

func TestCodec(t *testing.T) {
	if _, err := decodeRequest([]byte(`{"action":"x"}`)); err == nil {
		t.Fatalf("request without id must be rejected")
	}
	data, err := encodeRequest(Request{ID: "1", Action: ActionInvoke, Tool: "t", Arguments: `{"a":1}`})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	req, err := decodeRequest(data)
	if err != nil || req.Tool != "t" || req.Arguments != `{"a":1}` {
		t.Fatalf("unexpected round trip %+v, %v", req, err)
	}
	if invokeQueue(Address{Package: "com.a", Component: "Svc"}) != "pilot.mcp.invoke.com.a.Svc" {
		t.Fatalf("unexpected invoke queue name")
	}
}

func TestServeRequiresPackage(t *testing.T) {
	if err := Serve(context.Background(), NewMemoryTransport(), Address{}); err == nil {
		t.Fatalf("expected error for empty package")
	}
}
