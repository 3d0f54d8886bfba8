package session

import (
	"context"
	"strings"
	"time"

	"OpenMCP-Pilot/internal/conversation"
	xerrors "OpenMCP-Pilot/internal/errors"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ErrNotFound 表示指定的会话不存在。
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "会话不存在")

// Summary 是列表接口返回的会话概要，不包含消息正文。
type Summary struct {
	ID          string     `json:"id"`
	Instruction string     `json:"instruction"`
	Outcome     string     `json:"outcome,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	IsComplete  bool       `json:"is_complete"`
	Messages    int        `json:"messages"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
}

// Summarize 提取会话概要。
func Summarize(conv conversation.Conversation) Summary {
	return Summary{
		ID:          conv.ID,
		Instruction: conv.Instruction(),
		Outcome:     conv.Outcome,
		Summary:     conv.Summary,
		IsComplete:  conv.IsComplete,
		Messages:    len(conv.Messages),
		StartTime:   conv.StartTime,
		EndTime:     conv.EndTime,
	}
}

// Store 抽象会话转储的持久化。Save 以 ID 为键覆盖写入，
// 同一会话的检查点与最终转储只保留最后一次。
type Store interface {
	Save(ctx context.Context, conv conversation.Conversation) error
	Get(ctx context.Context, id string) (conversation.Conversation, error)
	List(ctx context.Context, limit int) ([]Summary, error)
	ListUnfinished(ctx context.Context) ([]conversation.Conversation, error)
	Close() error
}

// Config 描述会话存储的连接参数。
type Config struct {
	Driver          string
	DSN             string
	DataDir         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open 按驱动创建会话存储：file（默认）、mysql 或 sqlite。
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file", "memory":
		return NewFileStore(cfg.DataDir)
	case DialectMySQL, DialectSQLite:
		return NewSQLStore(ctx, driver, cfg)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的会话存储驱动: "+cfg.Driver)
	}
}

func validate(conv conversation.Conversation) error {
	if strings.TrimSpace(conv.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
