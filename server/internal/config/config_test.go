package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// TestLoadAppliesDefaults 验证空配置文件得到完整默认值。
func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "server:\n  port: 9090\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Orchestrator.MaxIterations != 5 {
		t.Fatalf("expected default cap 5, got %d", cfg.Orchestrator.MaxIterations)
	}
	if cfg.Story.TerminalThreshold != 18 || cfg.Ending.TerminalThreshold != 18 {
		t.Fatalf("unexpected thresholds: %+v / %+v", cfg.Story, cfg.Ending)
	}
	if got := cfg.CharacterIDs(); len(got) != 2 || got[0] != "echo" || got[1] != "shadow" {
		t.Fatalf("unexpected roster %v", got)
	}
	if cfg.Memory.Windows["save_all"] != 120*time.Minute {
		t.Fatalf("unexpected memory windows %v", cfg.Memory.Windows)
	}
}

// TestEnvOverridesWin 验证环境变量覆盖配置文件。
func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("ECHO_ROOMS_LLM_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("ECHO_ROOMS_SESSION_DRIVER", "sqlite")
	t.Setenv("ECHO_ROOMS_PORT", "7000")

	cfg, err := Load(writeFile(t, "llm:\n  provider: openai\nserver:\n  port: 9090\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.Active().APIKey != "sk-test" {
		t.Fatalf("expected anthropic with env key, got %+v", cfg.LLM)
	}
	if cfg.Server.Port != 7000 {
		t.Fatalf("expected env port, got %d", cfg.Server.Port)
	}
	if cfg.Session.Driver != "sqlite" || cfg.Session.DSN == "" {
		t.Fatalf("expected sqlite with default dsn, got %+v", cfg.Session)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"provider":   "llm:\n  provider: bedrock\n",
		"cap":        "orchestrator:\n  max_iterations: -1\n",
		"threshold":  "ending:\n  high_bar: 2\n",
		"driver":     "session:\n  driver: redis\n",
		"speaker":    "orchestrator:\n  default_speaker: ghost\n",
		"duplicates": "characters:\n  - id: echo\n  - id: echo\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadStoryOverrides(t *testing.T) {
	content := `
story:
  events:
    - id: beat
      soft: 5
      hard: 7
      narrative: "something happens"
`
	cfg, err := Load(writeFile(t, content))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Story.Events) != 1 || cfg.Story.Events[0].Hard != 7 {
		t.Fatalf("unexpected events %+v", cfg.Story.Events)
	}
}

func TestSetupLoggerWithWritersFansOut(t *testing.T) {
	var text, js bytes.Buffer
	logger := SetupLoggerWithWriters(&text, &js, slog.LevelInfo)
	logger.Info("turn handled", "component", "orchestrator")
	logger.Debug("hidden")

	if !strings.Contains(text.String(), "turn handled") {
		t.Fatalf("text handler missed record: %q", text.String())
	}
	if !strings.Contains(js.String(), `"component":"orchestrator"`) {
		t.Fatalf("json handler missed record: %q", js.String())
	}
	if strings.Contains(text.String(), "hidden") {
		t.Fatal("debug record must be filtered")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != slog.LevelDebug || ParseLevel("bogus") != slog.LevelInfo {
		t.Fatal("unexpected level parsing")
	}
}
