package agent

import "sync/atomic"

// State 是编排器状态机的状态。
type State string

const (
	StateIdle                 State = "idle"
	StatePreparing            State = "preparing"
	StateAwaitingModel        State = "awaiting_model"
	StateInterpretingResponse State = "interpreting_response"
	StateExecutingTools       State = "executing_tools"
	StateFinalizing           State = "finalizing"
	StateTerminal             State = "terminal"
)

// StatusKind 区分状态通知的种类。
type StatusKind string

const (
	StatusProcessing StatusKind = "processing"
	StatusSuccess    StatusKind = "success"
	StatusError      StatusKind = "error"
	StatusCancelled  StatusKind = "cancelled"
)

// Status 是推送给观察者的状态通知。Kind 决定其余字段的含义：
// Processing 携带进度说明，Success 携带最终回复，Error 携带错误码与说明。
type Status struct {
	Kind    StatusKind `json:"kind"`
	RunID   string     `json:"run_id"`
	State   State      `json:"state"`
	Message string     `json:"message,omitempty"`
	Turn    int        `json:"turn,omitempty"`
	Attempt int        `json:"attempt,omitempty"`
	Code    string     `json:"code,omitempty"`
}

// Terminal 判断通知是否为终止状态。
func (s Status) Terminal() bool {
	return s.Kind != StatusProcessing && s.Kind != ""
}

// Observer 接收一次运行的状态通知，每次运行只有一个订阅者。
// 回调在运行所在的 goroutine 中同步执行，不应阻塞。
type Observer func(Status)

// CancelFlag 是编排器与工具调度器共享的取消标志。
type CancelFlag struct {
	v atomic.Bool
}

// NewCancelFlag 创建未置位的取消标志。
func NewCancelFlag() *CancelFlag { return &CancelFlag{} }

// Cancelled 实现 tools.CancelState。
func (f *CancelFlag) Cancelled() bool { return f.v.Load() }

func (f *CancelFlag) set()   { f.v.Store(true) }
func (f *CancelFlag) clear() { f.v.Store(false) }
