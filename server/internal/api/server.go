package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"echo-rooms/server/internal/config"
	"echo-rooms/server/internal/model"
	"echo-rooms/server/internal/orchestrator"
	"echo-rooms/server/internal/session"
	"echo-rooms/server/internal/tool"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Service 是 HTTP 层依赖的编排能力，由 *orchestrator.Orchestrator 实现。
type Service interface {
	CreateSession(ctx context.Context, req model.CreateSessionRequest) (*model.CreateSessionResponse, error)
	Get(ctx context.Context, id string) (*model.Session, error)
	Delete(ctx context.Context, id string) error
	Timeline(ctx context.Context, id string) ([]model.Event, error)
	HandleTurn(ctx context.Context, sessionID string, req model.TurnRequest) (*model.TurnResponse, error)
	Tools() []tool.ToolDefinition
}

var _ Service = (*orchestrator.Orchestrator)(nil)

type Server struct {
	svc      Service
	cfg      config.ServerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(svc Service, cfg config.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger.With("component", "api"),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.allowOrigin(origin)
		},
	}
	return s
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/api/tools", s.handleTools)
	engine.POST("/api/sessions", s.handleCreateSession)
	engine.GET("/api/sessions/:id", s.handleGetSession)
	engine.DELETE("/api/sessions/:id", s.handleDeleteSession)
	engine.POST("/api/sessions/:id/turns", s.handleTurn)
	engine.GET("/api/sessions/:id/timeline", s.handleTimeline)
	engine.GET("/api/sessions/:id/stream", s.handleSessionStream)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleTools 返回向模型公布的工具定义。
func (s *Server) handleTools(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Tools())
}

// handleCreateSession 创建新会话。请求体可为空。
func (s *Server) handleCreateSession(c *gin.Context) {
	var req model.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	resp, err := s.svc.CreateSession(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTimeline(c *gin.Context) {
	events, err := s.svc.Timeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "events": events})
}

// handleTurn 处理一轮用户输入，整轮受 TurnTimeout 约束。
func (s *Server) handleTurn(c *gin.Context) {
	var req model.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	resp, err := s.runTurn(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) runTurn(ctx context.Context, id string, req model.TurnRequest) (*model.TurnResponse, error) {
	if s.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TurnTimeout)
		defer cancel()
	}
	return s.svc.HandleTurn(ctx, id, req)
}

// handleSessionStream 在 WebSocket 上逐条处理轮次：每收到一个 TurnRequest，回一个 TurnResponse。
// 失败时回 {"error": ...}，连接保持。
func (s *Server) handleSessionStream(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.svc.Get(c.Request.Context(), sessionID); err != nil {
		s.writeError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(64 << 10)
	s.logger.Info("stream opened", "session_id", sessionID, "remote", c.Request.RemoteAddr)

	ctx := c.Request.Context()
	for {
		var req model.TurnRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("stream read failed", "session_id", sessionID, "error", err)
			}
			break
		}

		var out any
		resp, err := s.runTurn(ctx, sessionID, req)
		if err != nil {
			_, body := s.classify(err)
			out = body
		} else {
			out = resp
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(out); err != nil {
			s.logger.Warn("stream write failed", "session_id", sessionID, "error", err)
			break
		}
	}
	s.logger.Info("stream closed", "session_id", sessionID)
}

// classify 把领域错误映射为 HTTP 状态码与响应体。
func (s *Server) classify(err error) (int, gin.H) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, gin.H{"error": "session not found"}
	case errors.Is(err, session.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, gin.H{"error": "unable to continue"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, gin.H{"error": "turn cancelled"}
	case errors.Is(err, orchestrator.ErrEmptyMessage), errors.Is(err, orchestrator.ErrUnknownSpeaker):
		return http.StatusBadRequest, gin.H{"error": err.Error()}
	default:
		return http.StatusInternalServerError, gin.H{"error": "turn failed"}
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	status, body := s.classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "session_id", c.Param("id"), "error", err)
	}
	c.JSON(status, body)
}

func (s *Server) allowOrigin(origin string) bool {
	return slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.allowOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger 用 slog 记录每个请求。
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}
