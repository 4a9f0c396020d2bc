package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"echo-rooms/server/internal/config"
)

// AnthropicClient Anthropic 客户端
type AnthropicClient struct {
	config     config.LLMProviderConfig
	httpClient *http.Client
}

// NewAnthropicClient 创建 Anthropic 客户端
func NewAnthropicClient(cfg config.LLMProviderConfig) *AnthropicClient {
	return &AnthropicClient{
		config:     cfg,
		httpClient: newHTTPClient(cfg),
	}
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
}

// Complete 完成文本生成（Anthropic）
func (c *AnthropicClient) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	if schema != nil {
		// Messages API 没有 response_format，用指令约束输出。
		hint, _ := json.Marshal(schema.Schema)
		messages = append(slices.Clone(messages), Message{
			Role:    RoleUser,
			Content: "Respond with a single JSON object matching this schema and nothing else: " + string(hint),
		})
	}
	result, err := c.do(ctx, c.baseRequest(messages))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range result.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("no content in response")
	}
	return sb.String(), nil
}

// Chat 带工具的推理（Anthropic tool use）
func (c *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	reqBody := c.baseRequest(req.Messages)
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			})
		}
		reqBody["tools"] = tools
		reqBody["tool_choice"] = map[string]any{"type": toolChoice(req.ToolChoice)}
	}

	result, err := c.do(ctx, reqBody)
	if err != nil {
		return nil, err
	}
	out := &ChatResponse{StopReason: result.StopReason}
	var sb strings.Builder
	for _, b := range result.Content {
		switch b.Type {
		case "text":
			sb.WriteString(b.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: normalizeArguments(string(b.Input)),
			})
		}
	}
	out.Content = sb.String()
	return out, nil
}

func (c *AnthropicClient) baseRequest(messages []Message) map[string]any {
	system, converted := toAnthropicMessages(messages)
	reqBody := map[string]any{
		"model":       c.config.Model,
		"messages":    converted,
		"max_tokens":  c.config.MaxTokens,
		"temperature": c.config.Temperature,
	}
	if system != "" {
		reqBody["system"] = system
	}
	return reqBody
}

func (c *AnthropicClient) do(ctx context.Context, reqBody map[string]any) (*anthropicResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.config.APIURL, "/")+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.config.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result anthropicResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// toAnthropicMessages 分离 system 消息；连续的 tool 结果合并进同一条 user 消息。
func toAnthropicMessages(messages []Message) (string, []anthropicMessage) {
	var systemParts []string
	var out []anthropicMessage
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			systemParts = append(systemParts, m.Content)
		case RoleTool:
			block := anthropicBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content, IsError: m.IsError}
			if n := len(out); n > 0 && out[n-1].Role == RoleUser && isToolResults(out[n-1]) {
				out[n-1].Content = append(out[n-1].Content, block)
				continue
			}
			out = append(out, anthropicMessage{Role: RoleUser, Content: []anthropicBlock{block}})
		case RoleAssistant:
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: normalizeArguments(string(tc.Arguments))})
			}
			out = append(out, anthropicMessage{Role: RoleAssistant, Content: blocks})
		default:
			out = append(out, anthropicMessage{Role: RoleUser, Content: []anthropicBlock{{Type: "text", Text: m.Content}}})
		}
	}
	return strings.Join(systemParts, "\n\n"), out
}

func isToolResults(m anthropicMessage) bool {
	for _, b := range m.Content {
		if b.Type != "tool_result" {
			return false
		}
	}
	return len(m.Content) > 0
}
