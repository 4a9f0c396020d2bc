// Package mcpserver 通过 Model Context Protocol 暴露叙事工具，
// 让外部 MCP 客户端对某个会话直接调用工具。
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"echo-rooms/server/internal/session"
	"echo-rooms/server/internal/tool"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverName = "echo-rooms"

// Executor 是 MCP 工具调用的执行方，由 *orchestrator.Orchestrator 实现：
// 每次调用都在会话锁内执行并提交。
type Executor interface {
	Tools() []tool.ToolDefinition
	ExecuteTool(ctx context.Context, sessionID, name string, args json.RawMessage) (any, error)
}

// Server 把工具注册表绑定到一个固定会话。
type Server struct {
	exec      Executor
	sessionID string
	logger    *slog.Logger
	mcp       *mcp.Server
}

// New 创建 MCP 服务，注册 exec 公布的全部工具。
func New(exec Executor, sessionID, version string, logger *slog.Logger) (*Server, error) {
	if exec == nil {
		return nil, errors.New("mcpserver: executor is required")
	}
	if sessionID == "" {
		return nil, errors.New("mcpserver: session id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		exec:      exec,
		sessionID: sessionID,
		logger:    logger.With("component", "mcp", "session_id", sessionID),
		mcp:       mcp.NewServer(&mcp.Implementation{Name: serverName, Version: version}, nil),
	}
	for _, def := range exec.Tools() {
		s.mcp.AddTool(&mcp.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.Parameters,
		}, s.handler(def.Name))
	}
	return s, nil
}

// Run 在 stdio 上服务，直到 ctx 结束或对端断开。
func (s *Server) Run(ctx context.Context) error {
	return s.RunTransport(ctx, &mcp.StdioTransport{})
}

// RunTransport 在指定 transport 上服务。
func (s *Server) RunTransport(ctx context.Context, transport mcp.Transport) error {
	s.logger.Info("mcp server starting")
	err := s.mcp.Run(ctx, transport)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp serve: %w", err)
	}
	return nil
}

// handler 把工具错误转成 IsError 结果；只有 ctx 结束才作为协议错误返回。
func (s *Server) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args json.RawMessage
		if req.Params != nil {
			args = req.Params.Arguments
		}
		result, err := s.exec.ExecuteTool(ctx, s.sessionID, name, args)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			s.logger.Info("tool call failed", "tool", name, "error", err)
			return errorResult(err), nil
		}
		s.logger.Debug("tool call", "tool", name)
		body, err := json.Marshal(result)
		if err != nil {
			return errorResult(fmt.Errorf("encode result: %w", err)), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(body)}}}, nil
	}
}

func errorResult(err error) *mcp.CallToolResult {
	msg := err.Error()
	switch {
	case errors.Is(err, session.ErrNotFound):
		msg = "session not found"
	case errors.Is(err, session.ErrStoreUnavailable):
		msg = "unable to continue"
	}
	body, _ := json.Marshal(map[string]string{"error": msg})
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
		IsError: true,
	}
}
