package mcpserver

import (
	"context"
	"strings"
	"testing"
	"time"

	"echo-rooms/server/internal/affinity"
	"echo-rooms/server/internal/archive"
	"echo-rooms/server/internal/config"
	"echo-rooms/server/internal/ending"
	"echo-rooms/server/internal/llm"
	"echo-rooms/server/internal/model"
	"echo-rooms/server/internal/narrative"
	"echo-rooms/server/internal/orchestrator"
	"echo-rooms/server/internal/persona"
	"echo-rooms/server/internal/puzzle"
	"echo-rooms/server/internal/session"
	"echo-rooms/server/internal/story"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func newOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	tracker, err := puzzle.NewTracker(nil, puzzle.Matcher{})
	if err != nil {
		t.Fatal(err)
	}
	progression, err := story.New(story.Options{})
	if err != nil {
		t.Fatal(err)
	}
	personas, err := persona.Load("", []config.CharacterProfile{{ID: "echo", Name: "Echo"}, {ID: "shadow", Name: "Shadow"}})
	if err != nil {
		t.Fatal(err)
	}
	engine := &narrative.Engine{
		Affinity:   affinity.New(affinity.Options{MaxDelta: 0.3}),
		Tracker:    tracker,
		Story:      progression,
		Endings:    ending.New(ending.DefaultOptions()),
		Classifier: llm.FixedClassifier(0.5),
		Archive:    archive.New(nil, archive.DefaultCatalogue()),
	}
	orch, err := orchestrator.New(session.NewInMemoryStore(), llm.NewScriptedClient(), engine, personas, orchestrator.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return orch
}

// connect 在内存 transport 上启动服务并返回客户端会话。
func connect(t *testing.T, exec Executor, sessionID string) *mcp.ClientSession {
	t.Helper()
	srv, err := New(exec, sessionID, "test", nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.RunTransport(ctx, serverTransport) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "v0.0.1"}, nil)
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer connectCancel()
	cs, err := client.Connect(connectCtx, clientTransport, nil)
	if err != nil {
		cancel()
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = cs.Close()
		select {
		case err := <-serveErr:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return cs
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

// TestToolsOverMCP 验证 MCP 客户端能列出工具，并对会话执行调用、结果提交到存储。
func TestToolsOverMCP(t *testing.T) {
	orch := newOrchestrator(t)
	created, err := orch.CreateSession(context.Background(), model.CreateSessionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	cs := connect(t, orch, created.SessionID)
	ctx := context.Background()

	list, err := cs.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(list.Tools) != len(orch.Tools()) {
		t.Fatalf("expected %d tools, got %d", len(orch.Tools()), len(list.Tools))
	}

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "submit_answer",
		Arguments: map[string]any{"answer": "light rain"},
	})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if res.IsError || !strings.Contains(resultText(t, res), `"satisfied":true`) {
		t.Fatalf("unexpected result %+v", resultText(t, res))
	}

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "read_archive",
		Arguments: map[string]any{"source": "blog", "key": "echo-thompson"},
	})
	if err != nil || res.IsError {
		t.Fatalf("read archive: %v %+v", err, res)
	}

	sess, err := orch.Get(ctx, created.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.CurrentStage != "memory_archives" || !sess.Gate("memory_archives").HasEvidence("blog") {
		t.Fatalf("expected committed progress, got stage=%s gates=%+v", sess.CurrentStage, sess.Gates)
	}
	if sess.InteractionCount != 0 {
		t.Fatal("tool calls must not advance the interaction count")
	}
}

// TestToolErrorsOverMCP 验证工具错误以 IsError 结果返回。
func TestToolErrorsOverMCP(t *testing.T) {
	orch := newOrchestrator(t)
	created, err := orch.CreateSession(context.Background(), model.CreateSessionRequest{})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("未知角色", func(t *testing.T) {
		cs := connect(t, orch, created.SessionID)
		res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
			Name:      "apply_relationship_delta",
			Arguments: map[string]any{"character": "ghost", "delta": 0.1},
		})
		if err != nil {
			t.Fatalf("call tool: %v", err)
		}
		if !res.IsError || !strings.Contains(resultText(t, res), "unknown character") {
			t.Fatalf("expected error result, got %+v", res)
		}
	})

	t.Run("会话不存在", func(t *testing.T) {
		cs := connect(t, orch, "missing")
		res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: "check_story_progress", Arguments: map[string]any{}})
		if err != nil {
			t.Fatalf("call tool: %v", err)
		}
		if !res.IsError || !strings.Contains(resultText(t, res), "session not found") {
			t.Fatalf("expected session not found, got %+v", res)
		}
	})
}

func TestNewRequiresSession(t *testing.T) {
	if _, err := New(newOrchestrator(t), "", "test", nil); err == nil {
		t.Fatal("expected error for empty session id")
	}
}
