package timeline

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"echo-rooms/server/internal/model"

	_ "modernc.org/sqlite"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "timeline.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	sqliteStore, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	return map[string]Store{"memory": NewInMemoryStore(), "sqlite": sqliteStore}
}

// TestAppendAssignsSeqPerSession 验证每个会话独立分配递增 seq。
func TestAppendAssignsSeqPerSession(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for want := int64(1); want <= 3; want++ {
				seq, err := store.Append(ctx, "s1", &model.Event{Type: model.EventUserMessage})
				if err != nil {
					t.Fatalf("append: %v", err)
				}
				if seq != want {
					t.Fatalf("expected seq %d, got %d", want, seq)
				}
			}
			seq, err := store.Append(ctx, "s2", &model.Event{Type: model.EventUserMessage})
			if err != nil || seq != 1 {
				t.Fatalf("expected independent seq 1 for s2, got %d err=%v", seq, err)
			}
		})
	}
}

// TestAppendIdempotentByEventID 验证相同 EventID 只写入一次。
func TestAppendIdempotentByEventID(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := store.Append(ctx, "s1", &model.Event{Type: model.EventToolCall, EventID: "evt-1"})
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			again, err := store.Append(ctx, "s1", &model.Event{Type: model.EventToolCall, EventID: "evt-1"})
			if err != nil {
				t.Fatalf("append duplicate: %v", err)
			}
			if first != again {
				t.Fatalf("expected same seq, got %d vs %d", first, again)
			}
			events, _ := store.List(ctx, "s1")
			if len(events) != 1 {
				t.Fatalf("expected 1 event, got %d", len(events))
			}
		})
	}
}

// TestListPreservesPayloadAndOrder 验证 List 按 seq 返回完整事件内容且为副本。
func TestListPreservesPayloadAndOrder(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := AppendAll(ctx, store, "s1", []model.Event{
				{Type: model.EventUserMessage, Text: "hi"},
				{Type: model.EventToolCall, Tool: &model.ToolTraceEntry{Name: "get_affinity", Result: map[string]any{"score": 0.0}}},
				{Type: model.EventEnding, Ending: &model.EndingOutcome{Tag: "goodbye"}},
			})
			if err != nil {
				t.Fatalf("append all: %v", err)
			}
			events, err := store.List(ctx, "s1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(events) != 3 || events[1].Tool.Name != "get_affinity" || events[2].Ending.Tag != "goodbye" {
				t.Fatalf("unexpected events %+v", events)
			}
			if events[0].SessionID != "s1" || events[0].Seq != 1 {
				t.Fatalf("expected session and seq filled, got %+v", events[0])
			}
			events[0].Text = "mutated"
			again, _ := store.List(ctx, "s1")
			if again[0].Text != "hi" {
				t.Fatalf("expected internal data unchanged, got %q", again[0].Text)
			}
		})
	}
}

func TestDeleteClearsSession(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = store.Append(ctx, "s1", &model.Event{Type: model.EventUserMessage, EventID: "e"})
			if err := store.Delete(ctx, "s1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			events, _ := store.List(ctx, "s1")
			if len(events) != 0 {
				t.Fatalf("expected no events, got %d", len(events))
			}
			seq, _ := store.Append(ctx, "s1", &model.Event{Type: model.EventUserMessage, EventID: "e"})
			if seq != 1 {
				t.Fatalf("expected seq restart at 1, got %d", seq)
			}
		})
	}
}
