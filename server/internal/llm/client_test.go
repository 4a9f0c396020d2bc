package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"echo-rooms/server/internal/config"
)

func providerConfig(url string) config.LLMProviderConfig {
	return config.LLMProviderConfig{APIURL: url, APIKey: "dummy", Model: "gpt-4o-mini", MaxTokens: 256, Temperature: 0.5, Timeout: 5 * time.Second}
}

func captureServer(t *testing.T, respBody string, got *map[string]any) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if got != nil {
			if err := json.Unmarshal(body, got); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(respBody))
	}))
	t.Cleanup(ts.Close)
	return ts
}

var sampleTool = ToolSpec{
	Name:        "get_affinity",
	Description: "read affinity",
	Parameters:  map[string]any{"type": "object", "properties": map[string]any{"character": map[string]any{"type": "string"}}},
}

// TestOpenAIChatParsesToolCalls 验证 OpenAI function calling 的请求与解析。
func TestOpenAIChatParsesToolCalls(t *testing.T) {
	resp := `{"choices":[{"finish_reason":"tool_calls","message":{"content":null,"tool_calls":[
		{"id":"call_1","type":"function","function":{"name":"get_affinity","arguments":"{\"character\":\"echo\"}"}},
		{"id":"call_2","type":"function","function":{"name":"check_story_progress","arguments":""}}]}}]}`
	var req map[string]any
	ts := captureServer(t, resp, &req)

	client := NewOpenAIClient(providerConfig(ts.URL))
	out, err := client.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "persona"},
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_0", Name: "get_affinity", Arguments: json.RawMessage(`{}`)}}},
			{Role: RoleTool, ToolCallID: "call_0", Content: `{"score":0}`},
		},
		Tools: []ToolSpec{sampleTool},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(out.ToolCalls) != 2 || out.ToolCalls[0].Name != "get_affinity" {
		t.Fatalf("unexpected tool calls %+v", out.ToolCalls)
	}
	if string(out.ToolCalls[1].Arguments) != "{}" {
		t.Fatalf("expected empty arguments normalized to {}, got %s", out.ToolCalls[1].Arguments)
	}
	if req["tool_choice"] != "auto" {
		t.Fatalf("expected tool_choice auto, got %v", req["tool_choice"])
	}
	msgs := req["messages"].([]any)
	if len(msgs) != 4 || msgs[3].(map[string]any)["tool_call_id"] != "call_0" {
		t.Fatalf("unexpected messages %v", msgs)
	}
}

// TestOpenAICompleteReportsAPIError 验证非 200 状态码被报告为错误。
func TestOpenAICompleteReportsAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer ts.Close()

	_, err := NewOpenAIClient(providerConfig(ts.URL)).Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
}

// TestAnthropicChatMergesToolResults 验证 Anthropic 请求中连续 tool 结果合并为一条 user 消息。
func TestAnthropicChatMergesToolResults(t *testing.T) {
	resp := `{"stop_reason":"tool_use","content":[
		{"type":"text","text":"Let me check."},
		{"type":"tool_use","id":"tu_1","name":"get_affinity","input":{"character":"shadow"}}]}`
	var req map[string]any
	ts := captureServer(t, resp, &req)

	client := NewAnthropicClient(providerConfig(ts.URL))
	out, err := client.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "persona"},
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "a", Name: "get_affinity", Arguments: json.RawMessage(`{"character":"echo"}`)},
				{ID: "b", Name: "get_affinity", Arguments: json.RawMessage(`{"character":"shadow"}`)},
			}},
			{Role: RoleTool, ToolCallID: "a", Content: "0.1"},
			{Role: RoleTool, ToolCallID: "b", Content: "boom", IsError: true},
		},
		Tools: []ToolSpec{sampleTool},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if out.Content != "Let me check." || len(out.ToolCalls) != 1 || out.ToolCalls[0].ID != "tu_1" {
		t.Fatalf("unexpected response %+v", out)
	}
	if req["system"] != "persona" {
		t.Fatalf("expected system prompt split out, got %v", req["system"])
	}
	msgs := req["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("expected user, assistant, merged tool results; got %d messages", len(msgs))
	}
	results := msgs[2].(map[string]any)["content"].([]any)
	if len(results) != 2 || results[1].(map[string]any)["is_error"] != true {
		t.Fatalf("unexpected tool results %v", results)
	}
	if tc := req["tool_choice"].(map[string]any); tc["type"] != "auto" {
		t.Fatalf("unexpected tool_choice %v", tc)
	}
}

// TestLLMClassifierParsesFencedJSON 验证语义判定兼容代码块包裹的 JSON 并截断到 [0,1]。
func TestLLMClassifierParsesFencedJSON(t *testing.T) {
	scripted := NewScriptedClient()
	scripted.Completion = "```json\n{\"confidence\": 1.4, \"reasoning\": \"clear\"}\n```"
	got, err := NewLLMClassifier(scripted).Classify(context.Background(), "it wasn't anyone's fault", "unavoidable")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected clamped 1, got %v", got)
	}

	scripted.Completion = "not json"
	if _, err := NewLLMClassifier(scripted).Classify(context.Background(), "x", "y"); err == nil {
		t.Fatal("expected parse error")
	}
}

// TestScriptedClientExhaustion 验证脚本耗尽与阻塞步骤。
func TestScriptedClientExhaustion(t *testing.T) {
	c := NewScriptedClient(Text("hello"), ScriptStep{Block: true})
	out, err := c.Chat(context.Background(), ChatRequest{})
	if err != nil || out.Content != "hello" {
		t.Fatalf("unexpected first step %+v err=%v", out, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Chat(ctx, ChatRequest{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if _, err := c.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("expected exhausted script error")
	}
	if c.Calls() != 2 || len(c.Requests()) != 3 {
		t.Fatalf("unexpected bookkeeping calls=%d requests=%d", c.Calls(), len(c.Requests()))
	}
}

func TestNewClientRejectsUnknownProvider(t *testing.T) {
	if _, err := NewClient(config.LLMConfig{Provider: "bedrock"}); err == nil {
		t.Fatal("expected error")
	}
}
