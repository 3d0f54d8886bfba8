package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"OpenMCP-Pilot/internal/catalog"
	"OpenMCP-Pilot/internal/conversation"
	"OpenMCP-Pilot/internal/device"
	xerrors "OpenMCP-Pilot/internal/errors"
	"OpenMCP-Pilot/internal/llm"
	"OpenMCP-Pilot/internal/observability/alerting"
	"OpenMCP-Pilot/internal/observability/metrics"
	"OpenMCP-Pilot/internal/tools"
	"OpenMCP-Pilot/pkg/logger"
)

// ToolDispatcher 定义了编排器所需的工具调度能力。
type ToolDispatcher interface {
	Definitions() []conversation.ToolDefinition
	Dispatch(ctx context.Context, call conversation.ToolCall) string
}

// SessionStore 持久化对话快照。
type SessionStore interface {
	Save(ctx context.Context, conv conversation.Conversation) error
}

// Sleeper 等待指定时长，ctx 结束时提前返回。
type Sleeper func(ctx context.Context, d time.Duration) error

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	defaultMaxTurns    = 50
	saveTimeout        = 5 * time.Second
)

// ErrBusy 表示已有运行中的任务。
var ErrBusy = xerrors.New(xerrors.CodeConflict, "已有运行中的任务，请先取消", xerrors.WithSeverity(xerrors.SeverityInfo))

// Agent 驱动模型与设备工具之间的多轮交互，是系统的业务核心。
// 同一时刻只运行一个任务，运行中的对话由当前任务独占。
type Agent struct {
	llmClient   llm.Client
	dispatcher  ToolDispatcher
	device      device.Context
	catalog     *catalog.Catalog
	sessions    SessionStore
	alerter     alerting.Dispatcher
	flag        *CancelFlag
	maxAttempts int
	baseDelay   time.Duration
	maxTurns    int
	llmTimeout  time.Duration
	sleep       Sleeper
	now         func() time.Time

	mu        sync.Mutex
	running   bool
	cancelRun context.CancelFunc
	thread    *conversation.Thread
	state     State
	status    Status
	last      *conversation.Conversation
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithDevice 配置设备上下文，用于系统提示中的屏幕尺寸与应用列表。
func WithDevice(dev device.Context) Option {
	return func(a *Agent) { a.device = dev }
}

// WithCatalog 配置应用分类规则。
func WithCatalog(c *catalog.Catalog) Option {
	return func(a *Agent) { a.catalog = c }
}

// WithSessionStore 配置会话存储。
func WithSessionStore(store SessionStore) Option {
	return func(a *Agent) { a.sessions = store }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(a *Agent) { a.alerter = dispatcher }
}

// WithCancelFlag 注入与工具调度器共享的取消标志。
func WithCancelFlag(flag *CancelFlag) Option {
	return func(a *Agent) {
		if flag != nil {
			a.flag = flag
		}
	}
}

// WithMaxAttempts 设置单次模型调用的最大尝试次数。
func WithMaxAttempts(n int) Option {
	return func(a *Agent) { a.maxAttempts = n }
}

// WithBaseDelay 设置首次重试前的等待时长，之后每次翻倍。
func WithBaseDelay(d time.Duration) Option {
	return func(a *Agent) { a.baseDelay = d }
}

// WithMaxTurns 设置一次运行中模型调用的最大轮数。
func WithMaxTurns(n int) Option {
	return func(a *Agent) { a.maxTurns = n }
}

// WithLLMTimeout 设置单次调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// WithSleeper 替换重试等待的实现，主要用于测试。
func WithSleeper(sleep Sleeper) Option {
	return func(a *Agent) {
		if sleep != nil {
			a.sleep = sleep
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// New 创建一个 Agent。
func New(llmClient llm.Client, dispatcher ToolDispatcher, opts ...Option) *Agent {
	ag := &Agent{
		llmClient:   llmClient,
		dispatcher:  dispatcher,
		flag:        NewCancelFlag(),
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxTurns:    defaultMaxTurns,
		sleep:       sleepContext,
		now:         time.Now,
		state:       StateIdle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.maxAttempts <= 0 {
		ag.maxAttempts = defaultMaxAttempts
	}
	if ag.baseDelay < 0 {
		ag.baseDelay = 0
	}
	if ag.maxTurns <= 0 {
		ag.maxTurns = defaultMaxTurns
	}
	return ag
}

// Run 同步执行一条指令，直到进入终止状态。
// 返回的错误只对应失败结束的运行，取消不视为错误，可通过 Outcome 区分。
func (a *Agent) Run(ctx context.Context, instruction string, observer Observer) (conversation.Conversation, error) {
	r, err := a.begin(ctx, instruction, observer)
	if err != nil {
		return conversation.Conversation{}, err
	}
	conv := r.execute()
	return conv, r.err
}

// Start 在后台执行一条指令并立即返回对话 ID。
// 运行不受 ctx 取消的影响，只能通过 Cancel 停止。
func (a *Agent) Start(ctx context.Context, instruction string, observer Observer) (string, error) {
	r, err := a.begin(context.WithoutCancel(ctx), instruction, observer)
	if err != nil {
		return "", err
	}
	go r.execute()
	return r.thread.ID(), nil
}

// Cancel 请求取消当前运行，没有运行中的任务时返回 false。
func (a *Agent) Cancel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return false
	}
	a.flag.set()
	if a.cancelRun != nil {
		a.cancelRun()
	}
	return true
}

// Cancelled 返回当前运行是否已被请求取消。
func (a *Agent) Cancelled() bool {
	return a.flag.Cancelled()
}

// Running 返回是否有运行中的任务。
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// State 返回状态机当前所处的状态。
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Status 返回最近一次状态通知。
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Current 返回运行中对话的快照，没有运行时返回最近一次结束的对话。
func (a *Agent) Current() (conversation.Conversation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.thread != nil {
		return a.thread.Snapshot(), true
	}
	if a.last != nil {
		return *a.last, true
	}
	return conversation.Conversation{}, false
}

func (a *Agent) begin(parent context.Context, instruction string, observer Observer) (*run, error) {
	// 验证必要的组件是否已配置。
	if a.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if a.dispatcher == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置工具调度器")
	}
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "指令不能为空")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil, ErrBusy
	}
	thread, err := conversation.NewThread(a.now())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建对话失败")
	}

	// 每次运行都从干净的取消状态与新的执行上下文开始。
	a.flag.clear()
	ctx, cancel := context.WithCancel(parent)
	a.running = true
	a.cancelRun = cancel
	a.thread = thread
	a.state = StatePreparing
	a.status = Status{Kind: StatusProcessing, RunID: thread.ID(), State: StatePreparing}

	return &run{
		agent:       a,
		ctx:         ctx,
		cancel:      cancel,
		thread:      thread,
		instruction: instruction,
		observer:    observer,
		log:         logger.ForRun("agent", thread.ID()),
	}, nil
}

func (a *Agent) setState(state State) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
}

// run 保存一次运行的私有状态，只在执行它的 goroutine 中使用。
type run struct {
	agent       *Agent
	ctx         context.Context
	cancel      context.CancelFunc
	thread      *conversation.Thread
	instruction string
	observer    Observer
	log         *slog.Logger
	turn        int
	attempts    int
	err         error
}

func (r *run) execute() (conv conversation.Conversation) {
	a := r.agent
	defer func() {
		if rec := recover(); rec != nil {
			err := xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("运行异常终止: %v", rec))
			r.log.Error("运行异常终止", slog.Any("panic", rec))
			conv = r.finish(conversation.OutcomeError, err.Error(), err)
		}
	}()

	logger.Audit().Info("run_started",
		slog.String("run_id", r.thread.ID()),
		slog.String("instruction", r.instruction),
		slog.String("provider", a.llmClient.Name()),
	)

	// 组装系统提示并写入首轮消息。
	r.notify(StatePreparing, "正在准备对话")
	system := a.systemPrompt(r.ctx, r.log)
	r.thread.Append(conversation.NewSystem(system), conversation.NewUser(r.instruction))
	r.checkpoint()

	for {
		if r.stopped() {
			return r.cancelled()
		}
		r.turn++
		if r.turn > a.maxTurns {
			err := xerrors.New(xerrors.CodeRetriesExhausted, fmt.Sprintf("模型在 %d 轮内没有完成任务", a.maxTurns))
			return r.finish(conversation.OutcomeError, err.Error(), err)
		}

		// 请求模型。
		a.setState(StateAwaitingModel)
		r.notify(StateAwaitingModel, "等待模型回复")
		resp, err := r.generate()
		if err != nil {
			if r.stopped() || xerrors.IsCancelled(err) {
				return r.cancelled()
			}
			r.log.Error("模型调用失败", slog.Any("error", err), slog.Int("turn", r.turn))
			return r.finish(conversation.OutcomeError, err.Error(), err)
		}
		if r.stopped() {
			return r.cancelled()
		}

		// 记录模型回复。
		a.setState(StateInterpretingResponse)
		r.thread.Append(conversation.NewAssistant(resp.Text, resp.ToolCalls, resp.Stats()))
		if len(resp.ToolCalls) == 0 {
			summary := resp.Text
			if summary == "" {
				summary = "任务已完成"
			}
			return r.finish(conversation.OutcomeSuccess, summary, nil)
		}

		// 按顺序逐个执行工具调用。
		a.setState(StateExecutingTools)
		for idx, call := range resp.ToolCalls {
			if r.stopped() {
				for _, rest := range resp.ToolCalls[idx:] {
					r.thread.Append(conversation.NewToolResult(rest.ID, rest.Name, tools.CancelledResult))
				}
				return r.cancelled()
			}
			r.notify(StateExecutingTools, fmt.Sprintf("执行工具 %s", call.Name))
			start := time.Now()
			result := a.dispatcher.Dispatch(r.ctx, call)
			msg := conversation.NewToolResult(call.ID, call.Name, result)
			msg.Stats = map[string]float64{conversation.StatDuration: float64(time.Since(start).Milliseconds())}
			r.thread.Append(msg)
		}
	}
}

// generate 调用模型，可重试的错误按指数退避重试，认证等不可重试错误立即返回。
func (r *run) generate() (*llm.Response, error) {
	a := r.agent
	provider := a.llmClient.Name()
	for attempt := 1; ; attempt++ {
		r.attempts = attempt
		callCtx, cancel := r.ctx, context.CancelFunc(func() {})
		if a.llmTimeout > 0 {
			callCtx, cancel = context.WithTimeout(r.ctx, a.llmTimeout)
		}
		start := time.Now()
		resp, err := a.llmClient.Generate(callCtx, llm.Request{
			Messages:      r.thread.Messages(),
			Tools:         a.dispatcher.Definitions(),
			SnapshotTools: []string{tools.ToolUISnapshot, tools.ToolScroll},
		})
		cancel()
		elapsed := time.Since(start)

		if err == nil && resp == nil {
			err = xerrors.New(xerrors.CodeProtocolParse, fmt.Sprintf("%s 返回了空响应", provider))
		}
		if err == nil {
			metrics.ObserveLLMCall(provider, "ok", elapsed, resp.Usage.InputTokens, resp.Usage.OutputTokens)
			return resp, nil
		}

		if r.stopped() {
			metrics.ObserveLLMCall(provider, "cancelled", elapsed, 0, 0)
			return nil, xerrors.Wrap(xerrors.CodeCancelled, err, "运行已取消")
		}
		if _, coded := xerrors.From(err); !coded && stdErrors.Is(err, context.DeadlineExceeded) {
			err = xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		metrics.ObserveLLMCall(provider, "error", elapsed, 0, 0)

		if !xerrors.RetryableError(err) {
			return nil, err
		}
		if attempt >= a.maxAttempts {
			return nil, xerrors.Wrap(xerrors.CodeRetriesExhausted, err,
				fmt.Sprintf("模型调用失败，已尝试 %d 次", attempt),
				xerrors.WithMetadata("provider", provider))
		}

		delay := a.baseDelay << (attempt - 1)
		r.log.Warn("模型调用失败，准备重试",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		r.deliver(Status{
			Kind:    StatusProcessing,
			RunID:   r.thread.ID(),
			State:   StateAwaitingModel,
			Message: fmt.Sprintf("模型调用失败，%s 后重试", delay),
			Turn:    r.turn,
			Attempt: attempt,
		})
		if err := a.sleep(r.ctx, delay); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeCancelled, err, "运行已取消")
		}
	}
}

func (r *run) stopped() bool {
	return r.ctx.Err() != nil || r.agent.flag.Cancelled()
}

func (r *run) cancelled() conversation.Conversation {
	r.log.Info("运行已取消", slog.Int("turn", r.turn))
	return r.finish(conversation.OutcomeCancelled, "任务已取消", nil)
}

// checkpoint 保存未完成的对话，进程意外退出后由会话管理器收尾。
func (r *run) checkpoint() {
	a := r.agent
	if a.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), saveTimeout)
	defer cancel()
	if err := a.sessions.Save(ctx, r.thread.Snapshot()); err != nil {
		r.log.Warn("保存会话检查点失败", slog.Any("error", err))
	}
}

// finish 汇总统计、关闭对话、持久化并通知观察者，随后重置取消状态。
func (r *run) finish(outcome, summary string, err error) conversation.Conversation {
	a := r.agent
	a.setState(StateFinalizing)
	conv := r.thread.Close(a.now(), outcome, summary)
	r.err = err
	metrics.ObserveRun(outcome)

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if a.sessions != nil {
		if saveErr := a.sessions.Save(ctx, conv); saveErr != nil {
			r.log.Error("保存会话失败", slog.Any("error", saveErr))
		} else {
			logger.Audit().Info("session_saved", slog.String("run_id", conv.ID), slog.Int("messages", len(conv.Messages)))
		}
	}
	if err != nil && a.alerter != nil && xerrors.ShouldAlert(err) {
		event := alerting.FromError(err, conv.ID, r.attempts, a.maxAttempts)
		if alertErr := a.alerter.Notify(ctx, event); alertErr != nil {
			r.log.Warn("发送告警失败", slog.Any("error", alertErr))
		}
	}

	status := Status{RunID: conv.ID, State: StateTerminal, Message: summary, Turn: r.turn}
	switch outcome {
	case conversation.OutcomeSuccess:
		status.Kind = StatusSuccess
	case conversation.OutcomeCancelled:
		status.Kind = StatusCancelled
	default:
		status.Kind = StatusError
		status.Code = string(xerrors.CodeOf(err))
	}
	logger.Audit().Info("run_finished",
		slog.String("run_id", conv.ID),
		slog.String("outcome", outcome),
		slog.Int("turns", r.turn),
		slog.String("summary", summary),
	)

	a.mu.Lock()
	a.running = false
	a.cancelRun = nil
	a.thread = nil
	a.last = &conv
	a.state = StateTerminal
	a.status = status
	a.flag.clear()
	a.mu.Unlock()
	r.cancel()

	if r.observer != nil {
		r.observer(status)
	}
	return conv
}

func (r *run) notify(state State, message string) {
	r.deliver(Status{
		Kind:    StatusProcessing,
		RunID:   r.thread.ID(),
		State:   state,
		Message: message,
		Turn:    r.turn,
	})
}

func (r *run) deliver(status Status) {
	a := r.agent
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
	if r.observer != nil {
		r.observer(status)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
