package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"echo-rooms/server/internal/config"
)

// OpenAIClient OpenAI 客户端
type OpenAIClient struct {
	config     config.LLMProviderConfig
	httpClient *http.Client
}

// NewOpenAIClient 创建 OpenAI 客户端
func NewOpenAIClient(cfg config.LLMProviderConfig) *OpenAIClient {
	return &OpenAIClient{
		config:     cfg,
		httpClient: newHTTPClient(cfg),
	}
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Complete 完成文本生成（OpenAI）
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	reqBody := c.baseRequest(messages)
	if schema != nil {
		reqBody["response_format"] = map[string]any{
			"type":        "json_schema",
			"json_schema": schema,
		}
	}

	result, raw, err := c.do(ctx, reqBody)
	if err != nil {
		return "", err
	}
	content := result.Choices[0].Message.Content
	if content == "" {
		return "", fmt.Errorf("empty content in response: %s", raw)
	}
	return content, nil
}

// Chat 带工具的推理（OpenAI function calling）
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	reqBody := c.baseRequest(req.Messages)
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		reqBody["tools"] = tools
		reqBody["tool_choice"] = toolChoice(req.ToolChoice)
	}

	result, _, err := c.do(ctx, reqBody)
	if err != nil {
		return nil, err
	}
	choice := result.Choices[0]
	out := &ChatResponse{
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: normalizeArguments(tc.Function.Arguments),
		})
	}
	return out, nil
}

func (c *OpenAIClient) baseRequest(messages []Message) map[string]any {
	reqBody := map[string]any{
		"model":                 c.config.Model,
		"messages":              toOpenAIMessages(messages),
		"temperature":           c.config.Temperature,
		"max_completion_tokens": c.config.MaxTokens,
	}
	// gpt-5 / o1 系列会把 token 预算花在 reasoning 上，降低 effort 保证有输出。
	if isOpenAIReasoningModel(c.config.Model) {
		reqBody["reasoning_effort"] = "low"
		delete(reqBody, "temperature")
	}
	return reqBody
}

func (c *OpenAIClient) do(ctx context.Context, reqBody map[string]any) (*openAIResponse, string, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.config.APIURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result openAIResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, "", errors.New("no choices in response")
	}
	return &result, string(respBody), nil
}

func toOpenAIMessages(messages []Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		content := m.Content
		om := openAIMessage{Role: m.Role, Content: &content, ToolCallID: m.ToolCallID}
		if m.Role == RoleAssistant && len(m.ToolCalls) > 0 {
			if content == "" {
				om.Content = nil
			}
			for _, tc := range m.ToolCalls {
				var call openAIToolCall
				call.ID = tc.ID
				call.Type = "function"
				call.Function.Name = tc.Name
				call.Function.Arguments = string(normalizeArguments(string(tc.Arguments)))
				om.ToolCalls = append(om.ToolCalls, call)
			}
		}
		out = append(out, om)
	}
	return out
}

func isOpenAIReasoningModel(model string) bool {
	return strings.HasPrefix(model, "gpt-5") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3")
}
