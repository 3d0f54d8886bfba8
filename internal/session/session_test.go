package session

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"OpenMCP-Pilot/internal/conversation"
	xerrors "OpenMCP-Pilot/internal/errors"
)

func sampleConversation(t *testing.T, start time.Time, instruction string) *conversation.Thread {
	t.Helper()
	thread, err := conversation.NewThread(start)
	if err != nil {
		t.Fatalf("new thread: %v", err)
	}
	system := conversation.NewSystem("sys")
	system.Timestamp = start
	user := conversation.NewUser(instruction)
	user.Timestamp = start.Add(time.Second)
	thread.Append(system, user)
	return thread
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	first := sampleConversation(t, base, "Turn on flashlight")
	if err := store.Save(ctx, first.Snapshot()); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	pending, err := store.ListUnfinished(ctx)
	if err != nil || len(pending) != 1 || pending[0].ID != first.ID() {
		t.Fatalf("expected one unfinished session, got %+v, %v", pending, err)
	}

	final := first.Close(base.Add(5*time.Second), conversation.OutcomeSuccess, "done")
	if err := store.Save(ctx, final); err != nil {
		t.Fatalf("final save failed: %v", err)
	}
	second := sampleConversation(t, base.Add(time.Minute), "Open maps")
	if err := store.Save(ctx, second.Close(base.Add(2*time.Minute), conversation.OutcomeError, "boom")); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := store.Get(ctx, first.ID())
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !got.IsComplete || got.Outcome != conversation.OutcomeSuccess || len(got.Messages) != 3 {
		t.Fatalf("final dump must replace the checkpoint: %+v", got)
	}
	if got.Messages[0].Role != conversation.RoleStats {
		t.Fatalf("stats message must come first")
	}

	list, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID() || list[1].Instruction != "Turn on flashlight" {
		t.Fatalf("unexpected listing %+v", list)
	}
	if list[1].EndTime == nil || !list[1].EndTime.Equal(base.Add(5*time.Second)) {
		t.Fatalf("unexpected end time %+v", list[1].EndTime)
	}
	if pending, _ := store.ListUnfinished(ctx); len(pending) != 0 {
		t.Fatalf("no session should be unfinished, got %d", len(pending))
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Save(ctx, conversation.Conversation{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	exerciseStore(t, store)

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	list, err := reopened.List(context.Background(), 0)
	if err != nil || len(list) != 2 || !list[1].IsComplete {
		t.Fatalf("sessions must survive a restart: %+v, %v", list, err)
	}
}

func TestSQLiteStore(t *testing.T) {
	store, err := Open(context.Background(), Config{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	exerciseStore(t, store)

	sqlStore := store.(*SQLStore)
	if err := sqlStore.runMigrations(context.Background()); err != nil {
		t.Fatalf("migrations must be idempotent: %v", err)
	}
}

func TestOpenValidation(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "postgres"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := Open(context.Background(), Config{Driver: "mysql", DSN: "not a dsn"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid dsn error, got %v", err)
	}
}

func TestReconcile(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	thread := sampleConversation(t, start, "Send a message")
	if err := store.Save(ctx, thread.Snapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}

	closed, err := NewManager(store).Reconcile(ctx)
	if err != nil || closed != 1 {
		t.Fatalf("expected one reconciled session, got %d, %v", closed, err)
	}
	conv, err := store.Get(ctx, thread.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !conv.IsComplete || conv.Outcome != conversation.OutcomeAbandoned {
		t.Fatalf("session must be closed as abandoned: %+v", conv)
	}
	if conv.EndTime == nil || !conv.EndTime.Equal(start.Add(time.Second)) {
		t.Fatalf("end time must be the last activity, got %v", conv.EndTime)
	}
	if conv.Messages[0].Role != conversation.RoleStats || len(conv.Messages) != 3 {
		t.Fatalf("reconciled session must carry stats first: %+v", conv.Messages)
	}

	if closed, err := NewManager(store).Reconcile(ctx); err != nil || closed != 0 {
		t.Fatalf("second reconcile must be a no-op, got %d, %v", closed, err)
	}
}

func TestLoadMigrationFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_later.sql": {Data: []byte("SELECT 2;")},
		"0001_init.sql":  {Data: []byte("CREATE TABLE a (id INT);\n\nCREATE INDEX i ON a (id);")},
		"README.md":      {Data: []byte("ignored")},
	}
	files, err := loadMigrationFiles(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 || files[0].version != "0001" || len(files[0].statements) != 2 {
		t.Fatalf("unexpected migrations %+v", files)
	}
}
