package app

import (
	"context"
	"path/filepath"
	"testing"

	"echo-rooms/server/internal/config"
	"echo-rooms/server/internal/llm"
	"echo-rooms/server/internal/model"
)

// TestBuildSQLitePersistsAcrossRestarts 验证 SQLite 配置下会话、时间线、记忆共用一个库，重启后仍可读取。
func TestBuildSQLitePersistsAcrossRestarts(t *testing.T) {
	cfg := config.Default()
	cfg.Session.Driver = "sqlite"
	cfg.Session.DSN = filepath.Join(t.TempDir(), "echo.db")
	cfg.Session.Timeline = true
	cfg.Memory.Enabled = true

	a, err := Build(cfg, nil, WithClient(llm.NewScriptedClient(
		llm.Calls(llm.Call("c1", "read_archive", map[string]any{"source": "weather", "key": "2023-10-15 Seattle"})),
		llm.Text("The archive says it rained."),
	)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx := context.Background()
	created, err := a.Orchestrator.CreateSession(ctx, model.CreateSessionRequest{ParticipantID: "p1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	resp, err := a.Orchestrator.HandleTurn(ctx, created.SessionID, model.TurnRequest{Text: "what was the weather?"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if len(resp.ToolTrace) != 1 || resp.ToolTrace[0].IsError {
		t.Fatalf("expected successful archive lookup, got %+v", resp.ToolTrace)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	again, err := Build(cfg, nil, WithClient(llm.NewScriptedClient()))
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	defer again.Close()
	sess, err := again.Orchestrator.Get(ctx, created.SessionID)
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if sess.InteractionCount != 1 || len(sess.Turns) != 2 {
		t.Fatalf("unexpected restored session %+v", sess)
	}
	events, err := again.Orchestrator.Timeline(ctx, created.SessionID)
	if err != nil || len(events) != 3 {
		t.Fatalf("expected 3 timeline events, got %d err=%v", len(events), err)
	}
}

func TestBuildInMemoryDefaults(t *testing.T) {
	a, err := Build(config.Default(), nil, WithClient(llm.NewScriptedClient()))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()
	if got := len(a.Orchestrator.Tools()); got != 12 {
		t.Fatalf("expected 12 tools with archive configured, got %d", got)
	}
}

func TestBuildFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"未知存储驱动", func(c *config.Config) { c.Session.Driver = "redis" }},
		{"档案目录不存在", func(c *config.Config) { c.Paths.Archive = filepath.Join(t.TempDir(), "missing.yaml") }},
		{"人设缺失", func(c *config.Config) {
			c.Characters = []config.CharacterProfile{{ID: "ghost", Name: "Ghost"}}
			c.Paths.Prompts = t.TempDir()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			if _, err := Build(cfg, nil, WithClient(llm.NewScriptedClient())); err == nil {
				t.Fatal("expected build error")
			}
		})
	}
}
