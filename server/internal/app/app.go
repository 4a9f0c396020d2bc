// Package app 按配置组装整个服务：存储、模型客户端、叙事引擎与编排器。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"echo-rooms/server/internal/affinity"
	"echo-rooms/server/internal/archive"
	"echo-rooms/server/internal/config"
	"echo-rooms/server/internal/ending"
	"echo-rooms/server/internal/llm"
	"echo-rooms/server/internal/memory"
	"echo-rooms/server/internal/narrative"
	"echo-rooms/server/internal/orchestrator"
	"echo-rooms/server/internal/persona"
	"echo-rooms/server/internal/puzzle"
	"echo-rooms/server/internal/session"
	"echo-rooms/server/internal/story"
	"echo-rooms/server/internal/timeline"
)

// App 是组装好的服务。
type App struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Logger       *slog.Logger

	closers []func() error
}

type buildOptions struct {
	client llm.Client
}

// Option 调整组装过程。
type Option func(*buildOptions)

// WithClient 使用指定的模型客户端，不再按配置创建。
func WithClient(c llm.Client) Option {
	return func(o *buildOptions) { o.client = c }
}

// Build 按配置组装服务。失败时已打开的资源会被关闭。
func Build(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	a := &App{Config: cfg, Logger: logger}
	orch, err := a.build(cfg, bo)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Orchestrator = orch
	return a, nil
}

func (a *App) build(cfg *config.Config, bo buildOptions) (*orchestrator.Orchestrator, error) {
	store, db, err := a.openSessions(cfg.Session)
	if err != nil {
		return nil, err
	}

	client := bo.client
	if client == nil {
		client, err = llm.NewClient(cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm client: %w", err)
		}
	}

	engine, err := newEngine(cfg, client, a.Logger)
	if err != nil {
		return nil, err
	}
	personas, err := persona.Load(cfg.Paths.Prompts, cfg.Characters)
	if err != nil {
		return nil, fmt.Errorf("load personas: %w", err)
	}

	opts := orchestrator.Options{
		MaxIterations:  cfg.Orchestrator.MaxIterations,
		HistoryWindow:  cfg.Orchestrator.HistoryWindow,
		FallbackReply:  cfg.Orchestrator.FallbackReply,
		DefaultSpeaker: cfg.Orchestrator.DefaultSpeaker,
		Logger:         a.Logger,
	}
	if cfg.Session.Timeline {
		if db != nil {
			tl, err := timeline.NewSQLiteStore(db)
			if err != nil {
				return nil, fmt.Errorf("init timeline: %w", err)
			}
			opts.Timeline = tl
		} else {
			opts.Timeline = timeline.NewInMemoryStore()
		}
	}
	if cfg.Memory.Enabled {
		var ms memory.Store = memory.NewInMemoryStore()
		if db != nil {
			sqliteMemory, err := memory.NewSQLiteStore(db)
			if err != nil {
				return nil, fmt.Errorf("init memory: %w", err)
			}
			ms = sqliteMemory
		}
		opts.Memory = memory.NewManager(ms, memory.Options{
			Windows:       cfg.Memory.Windows,
			DefaultWindow: cfg.Memory.DefaultWindow,
			DecayPerHour:  cfg.Affinity.DecayPerHour,
		}, a.Logger)
	}

	orch, err := orchestrator.New(store, client, engine, personas, opts)
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	a.Logger.Info("app assembled",
		"session_driver", cfg.Session.Driver,
		"llm_provider", cfg.LLM.Provider,
		"characters", cfg.CharacterIDs(),
		"timeline", cfg.Session.Timeline,
		"memory", cfg.Memory.Enabled,
	)
	return orch, nil
}

// openSessions 打开会话存储；SQLite 时同时返回共享连接。
func (a *App) openSessions(cfg config.SessionConfig) (session.Store, *sql.DB, error) {
	switch cfg.Driver {
	case "sqlite":
		st, err := session.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open session store: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		return st, st.DB(), nil
	case "memory", "":
		return session.NewInMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown session driver: %s", cfg.Driver)
	}
}

func newEngine(cfg *config.Config, client llm.Client, logger *slog.Logger) (*narrative.Engine, error) {
	tracker, err := puzzle.NewTracker(cfg.Puzzle.Stages, puzzle.Matcher{MinSimilarity: cfg.Puzzle.MinSimilarity})
	if err != nil {
		return nil, fmt.Errorf("create puzzle tracker: %w", err)
	}
	progression, err := story.New(story.Options{
		Acts:              cfg.Story.Acts,
		Events:            cfg.Story.Events,
		TerminalThreshold: cfg.Story.TerminalThreshold,
		SessionLength:     cfg.Story.SessionLength,
		MinAffinity:       cfg.Story.MinAffinity,
	})
	if err != nil {
		return nil, fmt.Errorf("create story: %w", err)
	}

	providers := []archive.Provider{archive.DefaultCatalogue()}
	if cfg.Paths.Archive != "" {
		extra, err := archive.LoadCatalogue(cfg.Paths.Archive)
		if err != nil {
			return nil, fmt.Errorf("load archive: %w", err)
		}
		providers = append([]archive.Provider{extra}, providers...)
	}

	return &narrative.Engine{
		Affinity: affinity.New(affinity.Options{
			Characters:   cfg.CharacterIDs(),
			MaxDelta:     cfg.Affinity.MaxDelta,
			DecayPerHour: cfg.Affinity.DecayPerHour,
		}),
		Tracker:      tracker,
		Story:        progression,
		Endings:      ending.New(cfg.Ending),
		Classifier:   llm.NewLLMClassifier(client),
		Archive:      archive.New(logger, providers...),
		SentimentMin: cfg.Affinity.SentimentMin,
		SentimentMax: cfg.Affinity.SentimentMax,
		Logger:       logger,
	}, nil
}

// PruneLoop 定期清理空闲会话，直到 ctx 结束。
func (a *App) PruneLoop(ctx context.Context, interval time.Duration) {
	maxIdle := a.Config.Session.MaxIdle
	if maxIdle <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Orchestrator.PruneIdle(ctx, maxIdle); err != nil {
				a.Logger.Warn("prune idle sessions failed", "error", err)
			}
		}
	}
}

// Close 释放打开的资源。
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
