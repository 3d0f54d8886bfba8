package conversation

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 对话的终止结果。
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeAbandoned = "abandoned"
)

// Conversation 是一次运行的对话快照。拿到后即视为只读。
type Conversation struct {
	ID         string     `json:"id"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Messages   []Message  `json:"messages"`
	IsComplete bool       `json:"is_complete"`
	Outcome    string     `json:"outcome,omitempty"`
	Summary    string     `json:"summary,omitempty"`
}

// Instruction 返回首条用户消息的文本。
func (c Conversation) Instruction() string {
	for _, msg := range c.Messages {
		if msg.Role == RoleUser {
			return msg.Text()
		}
	}
	return ""
}

// LastActivity 返回最后一条消息的时间，没有消息时返回开始时间。
func (c Conversation) LastActivity() time.Time {
	last := c.StartTime
	for _, msg := range c.Messages {
		if msg.Timestamp.After(last) {
			last = msg.Timestamp
		}
	}
	return last
}

// Thread 是运行期间由编排器独占持有的可追加对话。
// Snapshot 返回的切片容量与长度相同，之后的追加不会影响已发出的快照。
type Thread struct {
	mu   sync.RWMutex
	conv Conversation
}

// NewThread 创建新对话，ID 基于时间生成。
func NewThread(now time.Time) (*Thread, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("生成对话 ID 失败: %w", err)
	}
	return &Thread{conv: Conversation{ID: id.String(), StartTime: now}}, nil
}

// ID 返回对话标识。
func (t *Thread) ID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conv.ID
}

// Append 追加消息。对话关闭后追加被忽略。
func (t *Thread) Append(msgs ...Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conv.IsComplete {
		return
	}
	t.conv.Messages = append(t.conv.Messages, msgs...)
}

// Messages 返回当前消息序列的只读视图。
func (t *Thread) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.conv.Messages)
	return t.conv.Messages[:n:n]
}

// Snapshot 返回当前对话的只读快照。
func (t *Thread) Snapshot() Conversation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := t.conv
	n := len(snap.Messages)
	snap.Messages = snap.Messages[:n:n]
	if snap.EndTime != nil {
		end := *snap.EndTime
		snap.EndTime = &end
	}
	return snap
}

// Close 计算汇总统计，把统计消息放在最前面，并标记对话完成。
// 重复调用只有第一次生效。
func (t *Thread) Close(now time.Time, outcome, summary string) Conversation {
	t.mu.Lock()
	if !t.conv.IsComplete {
		stats := Aggregate(t.conv.Messages, t.conv.StartTime, now)
		msgs := make([]Message, 0, len(t.conv.Messages)+1)
		msgs = append(msgs, stats.Message(now))
		msgs = append(msgs, t.conv.Messages...)
		end := now
		t.conv.Messages = msgs
		t.conv.EndTime = &end
		t.conv.IsComplete = true
		t.conv.Outcome = outcome
		t.conv.Summary = summary
	}
	t.mu.Unlock()
	return t.Snapshot()
}
