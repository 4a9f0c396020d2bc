package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"echo-rooms/server/internal/model"
)

// ToolDefinition 定义工具的元数据（function calling 格式）。
type ToolDefinition struct {
	Type        string         `json:"type"`        // "function"
	Name        string         `json:"name"`        // 工具名称
	Description string         `json:"description"` // 工具描述
	Parameters  map[string]any `json:"parameters"`  // JSON Schema格式的参数定义
}

// Handler 执行一次工具调用。
// 约定：args 已通过 schema 校验；返回值会被序列化为 JSON 回填给模型。
type Handler func(ctx context.Context, sess *model.Session, args map[string]any) (any, error)

var (
	ErrDuplicateTool = errors.New("duplicate tool")
	ErrUnknownTool   = errors.New("unknown tool")
)

type entry struct {
	def     ToolDefinition
	handler Handler
}

// ToolRegistry 工具注册表。
// 工具名在同一个注册表内唯一，冲突在注册时报错而不是调用时。
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]entry
	// order 保持注册顺序，DescribeAll 按此顺序输出。
	order []string
}

// NewToolRegistry 创建工具注册表
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]entry),
	}
}

// Register 注册工具
func (r *ToolRegistry) Register(def ToolDefinition, handler Handler) error {
	if def.Name == "" {
		return errors.New("tool name is empty")
	}
	if handler == nil {
		return fmt.Errorf("tool %q: handler is nil", def.Name)
	}
	if def.Type == "" {
		def.Type = "function"
	}
	if def.Parameters == nil {
		def.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if err := checkSchema(def.Parameters); err != nil {
		return fmt.Errorf("tool %q: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	r.tools[def.Name] = entry{def: def, handler: handler}
	r.order = append(r.order, def.Name)
	return nil
}

// MustRegister 用于启动期装配，重复注册直接 panic。
func (r *ToolRegistry) MustRegister(def ToolDefinition, handler Handler) {
	if err := r.Register(def, handler); err != nil {
		panic(err)
	}
}

// Definition 返回单个工具的定义。
func (r *ToolRegistry) Definition(name string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.def, ok
}

// DescribeAll 按注册顺序返回所有工具定义（用于告知模型）。
func (r *ToolRegistry) DescribeAll() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	definitions := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		definitions = append(definitions, r.tools[name].def)
	}
	return definitions
}

// Names 按注册顺序返回工具名。
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Execute 校验参数并执行工具调用。
//
// 错误：未注册返回 ErrUnknownTool；参数不合法返回 *InvalidArgumentsError；
// handler 失败统一包装为 *ExecutionError。
func (r *ToolRegistry) Execute(ctx context.Context, sess *model.Session, name string, args map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := ValidateArguments(e.def.Parameters, args); err != nil {
		return nil, &InvalidArgumentsError{ToolName: name, Err: err}
	}

	result, err := e.handler(ctx, sess, args)
	if err != nil {
		var invalid *InvalidArgumentsError
		if errors.As(err, &invalid) {
			if invalid.ToolName == "" {
				invalid.ToolName = name
			}
			return nil, invalid
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ExecutionError{ToolName: name, Err: err}
	}
	return result, nil
}

// ExecuteJSON 解析 JSON 参数后执行，供 MCP 等以原始字节传参的入口使用。
func (r *ToolRegistry) ExecuteJSON(ctx context.Context, sess *model.Session, name string, argsJSON []byte) (any, error) {
	args := map[string]any{}
	if len(argsJSON) > 0 && string(argsJSON) != "null" {
		if err := json.Unmarshal(argsJSON, &args); err != nil {
			return nil, &InvalidArgumentsError{ToolName: name, Err: err}
		}
	}
	return r.Execute(ctx, sess, name, args)
}

// InvalidArgumentsError 无效参数错误
type InvalidArgumentsError struct {
	ToolName string
	Err      error
}

func (e *InvalidArgumentsError) Error() string {
	return "invalid args for tool " + e.ToolName + ": " + e.Err.Error()
}

func (e *InvalidArgumentsError) Unwrap() error { return e.Err }

// ExecutionError 工具执行失败（例如引用了不存在的角色）。
type ExecutionError struct {
	ToolName string
	Err      error
}

func (e *ExecutionError) Error() string {
	return "tool " + e.ToolName + " failed: " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// InvalidArgs 供 handler 在 schema 之外做语义校验时使用。
func InvalidArgs(format string, a ...any) error {
	return &InvalidArgumentsError{Err: fmt.Errorf(format, a...)}
}
