package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"echo-rooms/server/internal/config"
)

// Client LLM 客户端接口
type Client interface {
	// Complete 完成文本生成任务，schema 非空时要求结构化 JSON 输出。
	Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error)
	// Chat 带工具的一次推理：返回自由文本，或者若干工具调用。
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// 消息角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message 消息结构
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`
	// ToolCalls 只出现在 assistant 消息上。
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID/IsError 只出现在 tool 消息上。
	ToolCallID string `json:"tool_call_id,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolCall 是模型请求的一次工具调用。
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolSpec 是向模型公布的工具定义。
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// JSONSchema JSON Schema 定义（用于结构化输出）
type JSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

// ChatRequest 一次带工具的推理请求。
type ChatRequest struct {
	Messages []Message
	Tools    []ToolSpec
	// ToolChoice 默认 "auto"。
	ToolChoice string
}

// ChatResponse 推理结果。Content 与 ToolCalls 可能同时非空，
// 由调用方决定优先级。
type ChatResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
}

// HasToolCalls 判断是否请求了工具。
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// NewClient 创建 LLM 客户端
func NewClient(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(cfg.OpenAI), nil
	case "anthropic":
		return NewAnthropicClient(cfg.Anthropic), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

func newHTTPClient(cfg config.LLMProviderConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func toolChoice(mode string) string {
	if mode == "" {
		return "auto"
	}
	return mode
}

// normalizeArguments 保证参数是合法的 JSON object 文本，空串视为 {}。
func normalizeArguments(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}

// ExtractJSON 从模型输出中截取第一个 JSON 对象，兼容 ```json 代码块。
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return strings.TrimSpace(s)
	}
	return s[start : end+1]
}
