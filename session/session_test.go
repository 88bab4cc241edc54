package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agentd/message"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestPersistAndRead(t *testing.T) {
	store := newTestStore(t)
	history := []message.Message{
		message.User().WithText("hello"),
		message.Assistant().WithText("hi there"),
	}

	if err := store.Persist(context.Background(), ByName("20240101_120000"), "/work", history, nil); err != nil {
		t.Fatalf("persist: %v", err)
	}

	meta, messages, err := store.Read(ByName("20240101_120000"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if meta.ID != "20240101_120000" {
		t.Errorf("id = %q", meta.ID)
	}
	if meta.WorkingDir != "/work" {
		t.Errorf("working dir = %q", meta.WorkingDir)
	}
	if meta.MessageCount != 2 {
		t.Errorf("count = %d", meta.MessageCount)
	}
	if len(messages) != 2 || messages[1].Text() != "hi there" {
		t.Errorf("messages = %+v", messages)
	}
}

func TestPersistPreservesCreatedAtAndDescription(t *testing.T) {
	store := newTestStore(t)
	id := ByName("s1")
	history := []message.Message{message.User().WithText("first")}

	if err := store.Persist(context.Background(), id, "/work", history, staticDescriber("catching a bug")); err != nil {
		t.Fatalf("persist: %v", err)
	}
	first, _, err := store.Read(id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.Description != "catching a bug" {
		t.Errorf("description = %q", first.Description)
	}

	history = append(history, message.Assistant().WithText("second"))
	if err := store.Persist(context.Background(), id, "/work", history, staticDescriber("should not replace")); err != nil {
		t.Fatalf("persist again: %v", err)
	}
	second, messages, err := store.Read(id)
	if err != nil {
		t.Fatalf("read again: %v", err)
	}
	if second.CreatedAt != first.CreatedAt {
		t.Errorf("created_at changed: %d != %d", second.CreatedAt, first.CreatedAt)
	}
	if second.Description != "catching a bug" {
		t.Errorf("description replaced: %q", second.Description)
	}
	if len(messages) != 2 {
		t.Errorf("messages = %d", len(messages))
	}
}

func TestDescriberFailureIsNotFatal(t *testing.T) {
	store := newTestStore(t)
	history := []message.Message{message.User().WithText("x")}
	if err := store.Persist(context.Background(), ByName("s2"), "", history, failingDescriber{}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	meta, _, err := store.Read(ByName("s2"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if meta.Description != "" {
		t.Errorf("description = %q, want empty", meta.Description)
	}
}

func TestMostRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"20240101_090000", "20240301_090000", "20240201_090000"} {
		if err := store.Persist(ctx, ByName(name), "", nil, nil); err != nil {
			t.Fatalf("persist %s: %v", name, err)
		}
	}
	id, err := store.MostRecent()
	if err != nil {
		t.Fatalf("most recent: %v", err)
	}
	if id.Name != "20240301_090000" {
		t.Errorf("most recent = %q", id.Name)
	}
}

func TestMostRecentEmptyStore(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.MostRecent(); err == nil {
		t.Fatal("expected error for empty store")
	}
}

func TestByPath(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "custom.jsonl")
	history := []message.Message{message.User().WithText("at a custom path")}
	if err := store.Persist(context.Background(), ByPath(path), "", history, nil); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file missing: %v", err)
	}
	_, messages, err := store.Read(ByPath(path))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(messages) != 1 {
		t.Errorf("messages = %d", len(messages))
	}
}

func TestInvalidSessionName(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Path(ByName("../escape")); err == nil {
		t.Fatal("expected error for path separator in name")
	}
	if _, err := store.Path(Identifier{}); err == nil {
		t.Fatal("expected error for empty identifier")
	}
}

func TestReadCorruptMetadata(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(store.Dir(), "bad.jsonl")
	if err := os.WriteFile(path, []byte("not json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err := store.Read(ByName("bad"))
	if err == nil || !strings.Contains(err.Error(), "corrupt") {
		t.Fatalf("err = %v", err)
	}
}

func TestList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b"} {
		if err := store.Persist(ctx, ByName(name), "", nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	metas, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(metas) != 2 {
		t.Errorf("sessions = %d", len(metas))
	}
}

type staticDescriber string

func (d staticDescriber) Describe(ctx context.Context, _ []message.Message) (string, error) {
	return string(d), nil
}

type failingDescriber struct{}

func (failingDescriber) Describe(ctx context.Context, _ []message.Message) (string, error) {
	return "", os.ErrDeadlineExceeded
}
