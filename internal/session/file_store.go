package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"OpenMCP-Pilot/internal/conversation"
	xerrors "OpenMCP-Pilot/internal/errors"
)

const (
	fileStoreName     = "sessions.log"
	fileStoreCapacity = 512
)

// FileStore 以追加写的 JSON Lines 文件保存会话，适合单机与开发环境。
// 同一 ID 的后写记录覆盖先写记录，冗余行过多时重写文件。
type FileStore struct {
	mu       sync.RWMutex
	dataFile string
	records  map[string]conversation.Conversation
	lines    int
}

// NewFileStore 创建文件会话存储并加载已有记录。
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	store := &FileStore{
		dataFile: filepath.Join(dataDir, fileStoreName),
		records:  make(map[string]conversation.Conversation),
	}
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Save 追加写入一条会话记录。
func (f *FileStore) Save(_ context.Context, conv conversation.Conversation) error {
	if err := validate(conv); err != nil {
		return err
	}
	encoded, err := json.Marshal(conv)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化会话失败")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开会话日志失败")
	}
	defer file.Close()
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话日志失败")
	}

	f.records[conv.ID] = conv
	f.lines++
	f.evictLocked()
	if f.lines > 2*len(f.records)+64 {
		if err := f.rewriteLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Get 按 ID 查询会话。
func (f *FileStore) Get(_ context.Context, id string) (conversation.Conversation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	conv, ok := f.records[id]
	if !ok {
		return conversation.Conversation{}, ErrNotFound
	}
	return conv, nil
}

// List 返回最近的会话概要，按开始时间倒序排列。
func (f *FileStore) List(_ context.Context, limit int) ([]Summary, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	sorted := f.sortedLocked()
	limit = normalizeLimit(limit)
	if limit > len(sorted) {
		limit = len(sorted)
	}
	out := make([]Summary, 0, limit)
	for _, conv := range sorted[:limit] {
		out = append(out, Summarize(conv))
	}
	return out, nil
}

// ListUnfinished 返回所有未完成的会话。
func (f *FileStore) ListUnfinished(_ context.Context) ([]conversation.Conversation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []conversation.Conversation
	for _, conv := range f.sortedLocked() {
		if !conv.IsComplete {
			out = append(out, conv)
		}
	}
	return out, nil
}

// Close 实现 Store。文件在每次写入后即关闭。
func (f *FileStore) Close() error { return nil }

func (f *FileStore) sortedLocked() []conversation.Conversation {
	out := make([]conversation.Conversation, 0, len(f.records))
	for _, conv := range f.records {
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// evictLocked 只保留最近的 fileStoreCapacity 条会话。
func (f *FileStore) evictLocked() {
	if len(f.records) <= fileStoreCapacity {
		return
	}
	for _, conv := range f.sortedLocked()[fileStoreCapacity:] {
		delete(f.records, conv.ID)
	}
}

func (f *FileStore) rewriteLocked() error {
	tmp := f.dataFile + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建会话日志临时文件失败")
	}
	writer := bufio.NewWriter(file)
	sorted := f.sortedLocked()
	for i := len(sorted) - 1; i >= 0; i-- {
		encoded, err := json.Marshal(sorted[i])
		if err != nil {
			file.Close()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化会话失败")
		}
		writer.Write(append(encoded, '\n'))
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话日志临时文件失败")
	}
	if err := file.Close(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭会话日志临时文件失败")
	}
	if err := os.Rename(tmp, f.dataFile); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换会话日志失败")
	}
	f.lines = len(sorted)
	return nil
}

func (f *FileStore) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取会话日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	for scanner.Scan() {
		var conv conversation.Conversation
		if err := json.Unmarshal(scanner.Bytes(), &conv); err != nil || conv.ID == "" {
			continue
		}
		f.records[conv.ID] = conv
		f.lines++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析会话日志失败: %w", err)
	}
	f.evictLocked()
	return nil
}
