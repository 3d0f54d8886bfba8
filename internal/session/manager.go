package session

import (
	"context"
	"log/slog"
	"time"

	"OpenMCP-Pilot/internal/conversation"
	"OpenMCP-Pilot/pkg/logger"
)

// abandonedSummary 是被收尾会话的说明。
const abandonedSummary = "进程在运行结束前退出，会话已被标记为放弃"

// Manager 在存储之上提供会话生命周期操作。
type Manager struct {
	store Store
	now   func() time.Time
	log   *slog.Logger
}

// NewManager 创建会话管理器。
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now, log: logger.Named("session")}
}

// Reconcile 关闭上次进程遗留的未完成会话：结束时间取最后一条消息的时间，
// 补上统计消息并标记为 abandoned。返回被收尾的会话数量。
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	pending, err := m.store.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, conv := range pending {
		end := conv.LastActivity()
		if end.IsZero() {
			end = m.now()
		}
		closedConv := finalize(conv, end)
		if err := m.store.Save(ctx, closedConv); err != nil {
			m.log.Error("收尾会话失败", slog.String("run_id", conv.ID), slog.Any("error", err))
			return closed, err
		}
		closed++
		logger.Audit().Info("session_abandoned", slog.String("run_id", conv.ID), slog.Time("end_time", end))
	}
	return closed, nil
}

func finalize(conv conversation.Conversation, end time.Time) conversation.Conversation {
	out := conv
	msgs := make([]conversation.Message, 0, len(conv.Messages)+1)
	if len(conv.Messages) == 0 || conv.Messages[0].Role != conversation.RoleStats {
		msgs = append(msgs, conversation.Aggregate(conv.Messages, conv.StartTime, end).Message(end))
	}
	msgs = append(msgs, conv.Messages...)
	out.Messages = msgs
	out.EndTime = &end
	out.IsComplete = true
	out.Outcome = conversation.OutcomeAbandoned
	if out.Summary == "" {
		out.Summary = abandonedSummary
	}
	return out
}
