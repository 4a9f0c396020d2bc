package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// ScriptStep 配置脚本中的一次模型回复。
type ScriptStep struct {
	Response ChatResponse
	Err      error
	// Block 为 true 时一直等到 ctx 结束，用于取消测试。
	Block bool
}

// Text 构造一个纯文本回复步骤。
func Text(content string) ScriptStep {
	return ScriptStep{Response: ChatResponse{Content: content, StopReason: "stop"}}
}

// Call 构造一个工具调用；args 会被序列化为 JSON。
func Call(id, name string, args map[string]any) ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte("{}")
	}
	return ToolCall{ID: id, Name: name, Arguments: raw}
}

// Calls 构造一个工具调用回复步骤。
func Calls(calls ...ToolCall) ScriptStep {
	return ScriptStep{Response: ChatResponse{ToolCalls: calls, StopReason: "tool_calls"}}
}

// ScriptedClient 确定性的模型客户端，按顺序返回预设回复，并记录收到的请求。
type ScriptedClient struct {
	mu       sync.Mutex
	index    int
	steps    []ScriptStep
	requests []ChatRequest
	// Completion 是 Complete 的固定返回值。
	Completion string
}

// NewScriptedClient 创建脚本客户端。
func NewScriptedClient(steps ...ScriptStep) *ScriptedClient {
	return &ScriptedClient{steps: slices.Clone(steps)}
}

var _ Client = (*ScriptedClient)(nil)

// Chat 返回下一条脚本回复。
func (s *ScriptedClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	s.mu.Lock()
	req.Messages = slices.Clone(req.Messages)
	s.requests = append(s.requests, req)
	if s.index >= len(s.steps) {
		s.mu.Unlock()
		return nil, fmt.Errorf("script exhausted at step %d", s.index+1)
	}
	step := s.steps[s.index]
	s.index++
	s.mu.Unlock()

	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	resp := step.Response
	resp.ToolCalls = slices.Clone(resp.ToolCalls)
	return &resp, nil
}

// Complete 返回固定文本。
func (s *ScriptedClient) Complete(ctx context.Context, _ []Message, _ *JSONSchema) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Completion, nil
}

// Requests 返回已收到的请求副本。
func (s *ScriptedClient) Requests() []ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// Calls 返回已消耗的脚本步数。
func (s *ScriptedClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}
