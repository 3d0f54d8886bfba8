package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	httpRequests = newFamily("pilot_http_requests_total", "Total number of HTTP requests processed.", "counter", "handler", "method", "code")
	httpErrors   = newFamily("pilot_http_request_errors_total", "Total number of HTTP requests that resulted in a server error.", "counter", "handler", "method")
	httpLatency  = newFamily("pilot_http_request_duration_seconds", "HTTP request duration in seconds.", "histogram", "handler", "method")

	toolCalls   = newFamily("pilot_tool_calls_total", "Tool calls dispatched, by outcome.", "counter", "tool", "outcome")
	toolLatency = newFamily("pilot_tool_call_duration_seconds", "Tool call duration in seconds.", "histogram", "tool")

	llmRequests = newFamily("pilot_llm_requests_total", "Model requests, by provider and outcome.", "counter", "provider", "outcome")
	llmLatency  = newFamily("pilot_llm_request_duration_seconds", "Model request duration in seconds.", "histogram", "provider")
	llmTokens   = newFamily("pilot_llm_tokens_total", "Tokens reported by the model provider.", "counter", "provider", "direction")

	runs      = newFamily("pilot_runs_total", "Finished agent runs, by outcome.", "counter", "outcome")
	providers = newFamily("pilot_discovery_providers", "External tool providers that answered the last discovery round.", "gauge")

	families = []*family{
		httpRequests, httpErrors, httpLatency,
		toolCalls, toolLatency,
		llmRequests, llmLatency, llmTokens,
		runs, providers,
	}
)

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.add(1, handler, method, strconv.Itoa(status))
	if status >= 500 {
		httpErrors.add(1, handler, method)
	}
	httpLatency.observe(duration.Seconds(), handler, method)
}

// ObserveToolCall records one dispatched tool call.
func ObserveToolCall(tool, outcome string, duration time.Duration) {
	toolCalls.add(1, tool, outcome)
	toolLatency.observe(duration.Seconds(), tool)
}

// ObserveLLMCall records one model request and its token usage.
func ObserveLLMCall(provider, outcome string, duration time.Duration, inputTokens, outputTokens int) {
	llmRequests.add(1, provider, outcome)
	llmLatency.observe(duration.Seconds(), provider)
	if inputTokens > 0 {
		llmTokens.add(float64(inputTokens), provider, "input")
	}
	if outputTokens > 0 {
		llmTokens.add(float64(outputTokens), provider, "output")
	}
}

// ObserveRun records a finished agent run.
func ObserveRun(outcome string) {
	runs.add(1, outcome)
}

// SetDiscoveredProviders records how many providers answered discovery.
func SetDiscoveredProviders(n int) {
	providers.set(float64(n))
}

// Render returns every metric in Prometheus text exposition format.
func Render() string {
	var b strings.Builder
	b.Grow(4096)
	for _, f := range families {
		f.render(&b)
	}
	return b.String()
}

// Reset clears all recorded values. Intended for tests.
func Reset() {
	for _, f := range families {
		f.reset()
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, Render())
	})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
