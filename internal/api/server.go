package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cast"

	"OpenMCP-Pilot/internal/agent"
	"OpenMCP-Pilot/internal/conversation"
	"OpenMCP-Pilot/internal/discovery"
	xerrors "OpenMCP-Pilot/internal/errors"
	"OpenMCP-Pilot/internal/observability/metrics"
	"OpenMCP-Pilot/internal/session"
	"OpenMCP-Pilot/pkg/logger"
)

// Runner 是 API 驱动的编排器。
type Runner interface {
	Start(ctx context.Context, instruction string, observer agent.Observer) (string, error)
	Cancel() bool
	Running() bool
	Status() agent.Status
	Current() (conversation.Conversation, bool)
}

// SessionReader 提供历史会话查询。
type SessionReader interface {
	Get(ctx context.Context, id string) (conversation.Conversation, error)
	List(ctx context.Context, limit int) ([]session.Summary, error)
}

// ToolLister 返回当前可用的工具定义。
type ToolLister interface {
	Definitions() []conversation.ToolDefinition
}

// Discoverer 执行一轮外部工具发现。
type Discoverer interface {
	Discover(ctx context.Context) ([]discovery.Provider, error)
}

// StartRunRequest 是创建运行的请求体。
type StartRunRequest struct {
	Instruction string `json:"instruction"`
}

// StartRunResponse 返回新运行的对话 ID。
type StartRunResponse struct {
	RunID string `json:"run_id"`
}

// CurrentRunResponse 描述运行中或最近一次结束的对话。
type CurrentRunResponse struct {
	Running      bool                       `json:"running"`
	Status       agent.Status               `json:"status"`
	Conversation *conversation.Conversation `json:"conversation,omitempty"`
}

// CancelRunResponse 表示取消请求是否命中运行中的任务。
type CancelRunResponse struct {
	Cancelled bool `json:"cancelled"`
}

// SessionListResponse 是会话列表。
type SessionListResponse struct {
	Sessions []session.Summary `json:"sessions"`
}

// ToolListResponse 是工具列表。
type ToolListResponse struct {
	Tools []conversation.ToolDefinition `json:"tools"`
}

// DiscoverResponse 是一轮发现的应答方。
type DiscoverResponse struct {
	Providers []discovery.Provider `json:"providers"`
}

// ErrorResponse 是统一的错误响应体。
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server 负责暴露 REST 接口，供外部驱动编排器执行。
type Server struct {
	addr        string
	runner      Runner
	sessions    SessionReader
	tools       ToolLister
	discoverer  Discoverer
	metricsPath string
	log         *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithSessions 启用会话查询接口。
func WithSessions(reader SessionReader) Option {
	return func(s *Server) {
		s.sessions = reader
	}
}

// WithTools 启用工具列表接口。
func WithTools(lister ToolLister) Option {
	return func(s *Server) {
		s.tools = lister
	}
}

// WithDiscoverer 启用手动触发发现的接口。
func WithDiscoverer(d Discoverer) Option {
	return func(s *Server) {
		s.discoverer = d
	}
}

// WithMetricsPath 设置指标路径，传入空字符串关闭指标接口。
func WithMetricsPath(path string) Option {
	return func(s *Server) {
		s.metricsPath = path
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runner Runner, opts ...Option) *Server {
	s := &Server{addr: addr, runner: runner, metricsPath: "/metrics", log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if s.metricsPath != "" {
		r.Method(http.MethodGet, s.metricsPath, metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/runs", func(r chi.Router) {
			r.Post("/", s.handleStartRun)
			r.Get("/current", s.handleCurrentRun)
			r.Delete("/current", s.handleCancelRun)
		})
		api.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Get("/{id}", s.handleGetSession)
		})
		api.Get("/tools", s.handleListTools)
		api.Post("/tools/discover", s.handleDiscover)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStartRun 在后台启动一次运行，已有运行时返回 409。
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化"))
		return
	}
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "instruction 不能为空"))
		return
	}

	runID, err := s.runner.Start(r.Context(), instruction, s.statusLogger())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartRunResponse{RunID: runID})
}

func (s *Server) handleCurrentRun(w http.ResponseWriter, _ *http.Request) {
	if s.runner == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化"))
		return
	}
	resp := CurrentRunResponse{Running: s.runner.Running(), Status: s.runner.Status()}
	if conv, ok := s.runner.Current(); ok {
		resp.Conversation = &conv
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, _ *http.Request) {
	if s.runner == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化"))
		return
	}
	writeJSON(w, http.StatusOK, CancelRunResponse{Cancelled: s.runner.Cancel()})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "未配置会话存储"))
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := cast.ToIntE(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	list, err := s.sessions.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []session.Summary{}
	}
	writeJSON(w, http.StatusOK, SessionListResponse{Sessions: list})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "未配置会话存储"))
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少会话 ID"))
		return
	}
	conv, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	defs := []conversation.ToolDefinition{}
	if s.tools != nil {
		defs = append(defs, s.tools.Definitions()...)
	}
	writeJSON(w, http.StatusOK, ToolListResponse{Tools: defs})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if s.discoverer == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "未启用外部工具发现"))
		return
	}
	providers, err := s.discoverer.Discover(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if providers == nil {
		providers = []discovery.Provider{}
	}
	writeJSON(w, http.StatusOK, DiscoverResponse{Providers: providers})
}

// statusLogger 把后台运行的状态变化写入日志，终止状态同时写审计日志。
func (s *Server) statusLogger() agent.Observer {
	return func(st agent.Status) {
		log := logger.ForRun("api", st.RunID)
		if !st.Terminal() {
			log.Debug("运行状态更新", slog.String("state", string(st.State)), slog.String("message", st.Message))
			return
		}
		log.Info("运行结束", slog.String("kind", string(st.Kind)), slog.String("code", st.Code))
	}
}

// observe 记录每个请求的指标与审计日志，标签使用路由模式以避免基数膨胀。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(route, r.Method, status, elapsed)
		logger.Audit().Info("api_request",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("duration", elapsed),
		)
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Code: string(xerrors.CodeCancelled), Message: "服务已关闭"})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError 按错误码映射 HTTP 状态。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusFor(code), ErrorResponse{Code: string(code), Message: err.Error()})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout, xerrors.CodeDiscoveryTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
