package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"echo-rooms/server/internal/model"
)

var testTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func echoDefinition(name string) ToolDefinition {
	return ToolDefinition{
		Name:        name,
		Description: "echo back the text",
		Parameters: Object([]string{"text"}, map[string]any{
			"text":  Prop("string", "text to echo"),
			"times": Prop("integer", "repeat count"),
			"mood":  EnumProp("tone", "calm", "loud"),
			"delta": map[string]any{"type": "number", "minimum": -0.3, "maximum": 0.3},
		}),
	}
}

func echoHandler(_ context.Context, _ *model.Session, args map[string]any) (any, error) {
	return map[string]any{"text": String(args, "text")}, nil
}

// TestRegisterDuplicateFails 验证同名工具在注册期即被拒绝。
func TestRegisterDuplicateFails(t *testing.T) {
	r := NewToolRegistry()
	if err := r.Register(echoDefinition("echo"), echoHandler); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.Register(echoDefinition("echo"), echoHandler)
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("expected ErrDuplicateTool, got %v", err)
	}
}

// TestDescribeAllKeepsRegistrationOrder 验证 DescribeAll 按注册顺序输出。
func TestDescribeAllKeepsRegistrationOrder(t *testing.T) {
	r := NewToolRegistry()
	for _, name := range []string{"c", "a", "b"} {
		r.MustRegister(echoDefinition(name), echoHandler)
	}
	defs := r.DescribeAll()
	if len(defs) != 3 || defs[0].Name != "c" || defs[1].Name != "a" || defs[2].Name != "b" {
		t.Fatalf("unexpected order: %+v", defs)
	}
	if defs[0].Type != "function" {
		t.Fatalf("expected default type function, got %q", defs[0].Type)
	}
}

// TestExecuteValidatesArguments 验证参数在 handler 之前被校验。
func TestExecuteValidatesArguments(t *testing.T) {
	r := NewToolRegistry()
	called := 0
	r.MustRegister(echoDefinition("echo"), func(ctx context.Context, s *model.Session, args map[string]any) (any, error) {
		called++
		return echoHandler(ctx, s, args)
	})

	cases := []struct {
		name string
		args map[string]any
	}{
		{"missing required", map[string]any{}},
		{"wrong type", map[string]any{"text": 42.0}},
		{"non integer", map[string]any{"text": "hi", "times": 1.5}},
		{"enum violation", map[string]any{"text": "hi", "mood": "sad"}},
		{"above maximum", map[string]any{"text": "hi", "delta": 0.9}},
		{"unknown field", map[string]any{"text": "hi", "extra": true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Execute(context.Background(), model.NewSession("s", "p", testTime), "echo", tc.args)
			var invalid *InvalidArgumentsError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidArgumentsError, got %v", err)
			}
			if invalid.ToolName != "echo" {
				t.Fatalf("expected tool name echo, got %q", invalid.ToolName)
			}
		})
	}
	if called != 0 {
		t.Fatalf("handler must not run on invalid args, ran %d times", called)
	}

	out, err := r.Execute(context.Background(), nil, "echo", map[string]any{"text": "hi", "times": 2.0, "delta": -0.3})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.(map[string]any)["text"] != "hi" {
		t.Fatalf("unexpected result %v", out)
	}
}

// TestExecuteWrapsHandlerFailure 验证 handler 错误被包装为 ExecutionError。
func TestExecuteWrapsHandlerFailure(t *testing.T) {
	r := NewToolRegistry()
	boom := errors.New("no such character")
	r.MustRegister(ToolDefinition{Name: "fail"}, func(context.Context, *model.Session, map[string]any) (any, error) {
		return nil, boom
	})
	_, err := r.Execute(context.Background(), nil, "fail", nil)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || !errors.Is(err, boom) {
		t.Fatalf("expected ExecutionError wrapping boom, got %v", err)
	}
}

// TestExecuteHandlerSemanticInvalidArgs 验证 handler 自行返回的参数错误保留为 InvalidArgumentsError。
func TestExecuteHandlerSemanticInvalidArgs(t *testing.T) {
	r := NewToolRegistry()
	r.MustRegister(ToolDefinition{Name: "strict"}, func(context.Context, *model.Session, map[string]any) (any, error) {
		return nil, InvalidArgs("value out of range")
	})
	_, err := r.Execute(context.Background(), nil, "strict", nil)
	var invalid *InvalidArgumentsError
	if !errors.As(err, &invalid) || invalid.ToolName != "strict" {
		t.Fatalf("expected named InvalidArgumentsError, got %v", err)
	}
}

// TestExecuteUnknownTool 验证未注册工具返回 ErrUnknownTool。
func TestExecuteUnknownTool(t *testing.T) {
	r := NewToolRegistry()
	if _, err := r.Execute(context.Background(), nil, "missing", nil); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

// TestExecuteJSONRejectsMalformedPayload 验证原始 JSON 参数解析失败时报参数错误。
func TestExecuteJSONRejectsMalformedPayload(t *testing.T) {
	r := NewToolRegistry()
	r.MustRegister(echoDefinition("echo"), echoHandler)
	_, err := r.ExecuteJSON(context.Background(), nil, "echo", []byte(`{"text":`))
	var invalid *InvalidArgumentsError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidArgumentsError, got %v", err)
	}
	out, err := r.ExecuteJSON(context.Background(), nil, "echo", []byte(`{"text":"ok"}`))
	if err != nil || out.(map[string]any)["text"] != "ok" {
		t.Fatalf("unexpected result %v err=%v", out, err)
	}
}

// TestRegisterRejectsBadSchema 验证非 object 的 schema 在注册期被拒绝。
func TestRegisterRejectsBadSchema(t *testing.T) {
	r := NewToolRegistry()
	err := r.Register(ToolDefinition{Name: "bad", Parameters: map[string]any{"type": "string"}}, echoHandler)
	if err == nil {
		t.Fatal("expected schema error")
	}
}
