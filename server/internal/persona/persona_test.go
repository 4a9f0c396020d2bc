package persona

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"echo-rooms/server/internal/config"
)

var roster = []config.CharacterProfile{{ID: "echo", Name: "Echo"}, {ID: "shadow", Name: "Shadow"}}

func TestLoadFromPromptsDir(t *testing.T) {
	lib, err := Load("../../configs/prompts", roster)
	if err != nil {
		t.Fatalf("Failed to load personas: %v", err)
	}
	echo, ok := lib.Character("echo")
	if !ok || !strings.Contains(echo.Profile, "## Voice") {
		t.Fatalf("expected echo persona from file, got %+v", echo)
	}
	if ids := lib.IDs(); len(ids) != 2 || ids[0] != "echo" {
		t.Fatalf("unexpected ids %v", ids)
	}
	t.Logf("✓ 加载了 %d 个角色", len(lib.IDs()))
}

// TestLoadPrecedence 验证人设来源优先级。
// 场景：内联人设 > 文件 > 内置；都没有时报错。
func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "characters"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "characters", "shadow.md"), []byte("## Profile\nFile shadow.\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	lib, err := Load(dir, []config.CharacterProfile{
		{ID: "echo", Persona: "## Profile\nInline echo.\n"},
		{ID: "shadow"},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	echo, _ := lib.Character("echo")
	if !strings.Contains(echo.Profile, "Inline echo") || echo.Name != "echo" {
		t.Fatalf("expected inline persona, got %+v", echo)
	}
	shadow, _ := lib.Character("shadow")
	if !strings.Contains(shadow.Profile, "File shadow") {
		t.Fatalf("expected file persona, got %q", shadow.Profile)
	}

	t.Run("内置人设", func(t *testing.T) {
		lib, err := Load("", roster)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		echo, _ := lib.Character("echo")
		if !strings.Contains(echo.Profile, "cheerful") {
			t.Fatalf("expected builtin echo, got %q", echo.Profile)
		}
	})

	t.Run("未知角色", func(t *testing.T) {
		if _, err := Load(dir, []config.CharacterProfile{{ID: "ghost"}}); err == nil {
			t.Fatal("expected error for unknown persona")
		}
	})
}

func TestBuildPrompt(t *testing.T) {
	lib, err := Load("../../configs/prompts", roster)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	req := Request{
		SessionID:        "s1",
		Speaker:          "echo",
		Act:              "mystery",
		InteractionCount: 6,
		Remaining:        14,
		StageTitle:       "Memory Archives",
		Objective:        "Find the three traces of Echo's past",
		Affinity:         []AffinityLine{{Character: "echo", Score: 0.55, Label: "Friends", Advice: "Be open."}},
		AvailableEvents:  []string{"questioning_reality"},
		Fragments:        []string{"A Rainy Day"},
		LastUserText:     "what is this place?",
	}
	prompt, err := lib.BuildPrompt(req)
	if err != nil {
		t.Fatalf("Failed to build prompt: %v", err)
	}
	if err := Validate(prompt); err != nil {
		t.Fatalf("Validation failed: %v", err)
	}
	for _, want := range []string{
		"You are Echo", "Also in the rooms: Shadow", "Act: mystery (interaction 6, 14 remaining)",
		"Friends (0.55)", "questioning_reality", "A Rainy Day", `"what is this place?"`, "Stay in character as Echo",
	} {
		if !strings.Contains(prompt.Instructions, want) {
			t.Errorf("Missing content: %s", want)
		}
	}
	if strings.Contains(prompt.Instructions, "## Voice") || strings.Contains(prompt.Instructions, "Short, lively") {
		t.Error("expected only the profile section in the role definition")
	}
	if prompt.DebugInfo["speaker"] != "echo" {
		t.Error("Expected speaker in debug info")
	}

	if _, err := lib.BuildPrompt(Request{Speaker: "ghost"}); err == nil {
		t.Fatal("expected error for unknown speaker")
	}
}

func TestValidate(t *testing.T) {
	t.Run("空Prompt", func(t *testing.T) {
		if err := Validate(Prompt{}); err == nil {
			t.Error("Expected error for empty")
		}
	})
	t.Run("缺少段落", func(t *testing.T) {
		if err := Validate(Prompt{Instructions: "[Role Definition]\n[Constraints]\n"}); err == nil {
			t.Error("Expected error for missing section")
		}
	})
	t.Run("过长Prompt", func(t *testing.T) {
		long := "[Role Definition][Current Situation][Constraints]" + strings.Repeat("x", MaxInstructionsLen)
		if err := Validate(Prompt{Instructions: long}); err == nil {
			t.Error("Expected error for too long")
		}
	})
}

func TestBuildFallbackPrompt(t *testing.T) {
	prompt := BuildFallbackPrompt(Request{Speaker: "shadow", Act: "setup"})
	if err := Validate(prompt); err != nil {
		t.Fatalf("fallback must validate: %v", err)
	}
	if !strings.Contains(prompt.Instructions, "You are shadow") {
		t.Error("Expected speaker in fallback")
	}
	if fallback, ok := prompt.DebugInfo["fallback"].(bool); !ok || !fallback {
		t.Error("Expected fallback flag")
	}
}

func TestExtractRoleEssenceWithoutProfile(t *testing.T) {
	got := extractRoleEssence("# Title\nline one\n\nline two\n")
	if got != "line one\nline two\n" {
		t.Fatalf("unexpected essence %q", got)
	}
}
