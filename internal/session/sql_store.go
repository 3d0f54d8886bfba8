package session

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"OpenMCP-Pilot/internal/conversation"
	xerrors "OpenMCP-Pilot/internal/errors"
)

// 支持的 SQL 方言，同时也是 database/sql 的驱动名。
const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite"
)

// SQLStore 使用 MySQL 或 SQLite 保存会话转储。
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore 创建连接池并执行迁移。
func NewSQLStore(ctx context.Context, dialect string, cfg Config) (*SQLStore, error) {
	db, err := openDatabase(ctx, dialect, cfg)
	if err != nil {
		return nil, err
	}
	store := &SQLStore{db: db, dialect: dialect}
	if err := store.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化会话表失败")
	}
	return store, nil
}

func openDatabase(ctx context.Context, dialect string, cfg Config) (*sql.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	switch dialect {
	case DialectMySQL:
		if dsn == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
		}
		if _, err := mysql.ParseDSN(dsn); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "MySQL DSN 格式错误")
		}
	case DialectSQLite:
		if dsn == "" {
			dsn = ":memory:"
		}
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的 SQL 方言: "+dialect)
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开数据库失败")
	}

	if dialect == DialectSQLite {
		// SQLite 只允许单写者，内存库在不同连接间也不共享。
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		} else {
			db.SetMaxOpenConns(20)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		} else {
			db.SetMaxIdleConns(10)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		} else {
			db.SetConnMaxLifetime(30 * time.Minute)
		}
		if cfg.ConnMaxIdleTime > 0 {
			db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classify(err, "无法连接到数据库")
	}
	return db, nil
}

// Save 以会话 ID 为键插入或更新。
func (s *SQLStore) Save(ctx context.Context, conv conversation.Conversation) error {
	if err := validate(conv); err != nil {
		return err
	}
	payload, err := json.Marshal(conv)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化会话失败")
	}
	var end sql.NullInt64
	if conv.EndTime != nil {
		end = sql.NullInt64{Int64: conv.EndTime.UnixMilli(), Valid: true}
	}

	const columns = `(id, instruction, outcome, summary, is_complete, message_count, start_time, end_time, updated_at, payload)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var stmt string
	if s.dialect == DialectMySQL {
		stmt = `INSERT INTO sessions ` + columns + `
        ON DUPLICATE KEY UPDATE outcome = VALUES(outcome), summary = VALUES(summary), is_complete = VALUES(is_complete),
        message_count = VALUES(message_count), end_time = VALUES(end_time), updated_at = VALUES(updated_at), payload = VALUES(payload)`
	} else {
		stmt = `INSERT INTO sessions ` + columns + `
        ON CONFLICT(id) DO UPDATE SET outcome = excluded.outcome, summary = excluded.summary, is_complete = excluded.is_complete,
        message_count = excluded.message_count, end_time = excluded.end_time, updated_at = excluded.updated_at, payload = excluded.payload`
	}

	if _, err := s.db.ExecContext(ctx, stmt,
		conv.ID,
		conv.Instruction(),
		conv.Outcome,
		conv.Summary,
		conv.IsComplete,
		len(conv.Messages),
		conv.StartTime.UnixMilli(),
		end,
		time.Now().UnixMilli(),
		string(payload),
	); err != nil {
		return classify(err, "写入会话失败")
	}
	return nil
}

// Get 按 ID 查询会话。
func (s *SQLStore) Get(ctx context.Context, id string) (conversation.Conversation, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM sessions WHERE id = ?`, id).Scan(&payload)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return conversation.Conversation{}, ErrNotFound
	}
	if err != nil {
		return conversation.Conversation{}, classify(err, "查询会话失败")
	}
	return decodePayload(payload)
}

// List 返回最近的会话概要。
func (s *SQLStore) List(ctx context.Context, limit int) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, instruction, outcome, summary, is_complete, message_count, start_time, end_time
        FROM sessions ORDER BY start_time DESC, id DESC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, classify(err, "查询会话列表失败")
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			item  Summary
			start int64
			end   sql.NullInt64
		)
		if err := rows.Scan(&item.ID, &item.Instruction, &item.Outcome, &item.Summary, &item.IsComplete, &item.Messages, &start, &end); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话记录失败")
		}
		item.StartTime = time.UnixMilli(start)
		if end.Valid {
			t := time.UnixMilli(end.Int64)
			item.EndTime = &t
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话记录失败")
	}
	return out, nil
}

// ListUnfinished 返回所有未完成的会话。
func (s *SQLStore) ListUnfinished(ctx context.Context) ([]conversation.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM sessions WHERE is_complete = ? ORDER BY start_time DESC`, false)
	if err != nil {
		return nil, classify(err, "查询未完成会话失败")
	}
	defer rows.Close()

	var out []conversation.Conversation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话记录失败")
		}
		conv, err := decodePayload(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话记录失败")
	}
	return out, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decodePayload(payload string) (conversation.Conversation, error) {
	var conv conversation.Conversation
	if err := json.Unmarshal([]byte(payload), &conv); err != nil {
		return conversation.Conversation{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话内容失败", xerrors.WithRetryable(false))
	}
	return conv, nil
}

// classify 把驱动错误映射为统一错误码。MySQL 的连接数耗尽、锁等待超时与死锁可重试。
func classify(err error, msg string) error {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1040, 1205, 1213:
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg, xerrors.WithRetryable(true))
		case 1062:
			return xerrors.Wrap(xerrors.CodeConflict, err, msg)
		default:
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg,
				xerrors.WithRetryable(false),
				xerrors.WithMetadata("mysql_errno", fmt.Sprint(mysqlErr.Number)))
		}
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
}
