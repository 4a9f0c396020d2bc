package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"echo-rooms/server/internal/llm"
	"echo-rooms/server/internal/model"
	"echo-rooms/server/internal/narrative"
	"echo-rooms/server/internal/persona"
	"echo-rooms/server/internal/session"
	"echo-rooms/server/internal/timeline"
	"echo-rooms/server/internal/tool"

	"github.com/google/uuid"
)

var (
	// ErrIterationCapExceeded 只是策略标记：工具循环到达上限后本轮优雅收束，不返回给调用方。
	ErrIterationCapExceeded = errors.New("tool iteration cap exceeded")
	ErrEmptyMessage         = errors.New("message text is empty")
	ErrUnknownSpeaker       = errors.New("unknown speaker")
)

// Memory 是跨会话记忆。
type Memory interface {
	Seed(ctx context.Context, sess *model.Session, now time.Time) (bool, error)
	Remember(ctx context.Context, sess *model.Session, snapshot map[string]float64, now time.Time) error
}

// Options 编排器配置。零值字段使用默认值。
type Options struct {
	MaxIterations  int
	HistoryWindow  int
	FallbackReply  string
	DefaultSpeaker string

	// Timeline/Memory 可为空。
	Timeline timeline.Store
	Memory   Memory

	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

// Orchestrator 驱动一轮用户输入直到完成。
//
// 职责与契约：
//   - 串行化：同一会话的轮次持锁执行，不同会话并发。
//   - 影子提交：整轮在会话深拷贝上执行，循环成功结束后才写回存储；
//     取消或模型失败时存储中的会话保持不变。
//   - 交互计数：AddInteraction 每轮只在循环结束后调用一次。
//   - 工具失败不会中断本轮，而是作为工具结果回填给模型。
type Orchestrator struct {
	store    session.Store
	client   llm.Client
	engine   *narrative.Engine
	tools    *tool.ToolRegistry
	personas *persona.Library
	locks    *sessionLocks
	opts     Options
	logger   *slog.Logger
}

// New 创建编排器，并用 engine 注册全部工具。
func New(store session.Store, client llm.Client, engine *narrative.Engine, personas *persona.Library, opts Options) (*Orchestrator, error) {
	if store == nil || client == nil || engine == nil || personas == nil {
		return nil, errors.New("orchestrator: store, client, engine and personas are required")
	}
	tools, err := engine.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 5
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 12
	}
	if opts.FallbackReply == "" {
		opts.FallbackReply = "...the lights flicker. Say that again?"
	}
	if opts.DefaultSpeaker == "" {
		if ids := personas.IDs(); len(ids) > 0 {
			opts.DefaultSpeaker = ids[0]
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		client:   client,
		engine:   engine,
		tools:    tools,
		personas: personas,
		locks:    newSessionLocks(),
		opts:     opts,
		logger:   logger.With("component", "orchestrator"),
	}, nil
}

// Tools 返回向模型公布的工具定义。
func (o *Orchestrator) Tools() []tool.ToolDefinition {
	return o.tools.DescribeAll()
}

// CreateSession 创建新会话；回归玩家会带入衰减后的好感度。
func (o *Orchestrator) CreateSession(ctx context.Context, req model.CreateSessionRequest) (*model.CreateSessionResponse, error) {
	now := o.opts.Now()
	sess := model.NewSession(o.opts.NewID(), strings.TrimSpace(req.ParticipantID), now)
	o.engine.Story.Init(sess)
	sess.CurrentStage = o.engine.Tracker.First()

	returning := false
	if o.opts.Memory != nil {
		var err error
		returning, err = o.opts.Memory.Seed(ctx, sess, now)
		if err != nil {
			return nil, storeError(ctx, "seed memory", err)
		}
	}
	if err := o.store.Save(ctx, sess); err != nil {
		return nil, storeError(ctx, "save session", err)
	}
	o.logger.Info("session created", "session_id", sess.SessionID, "participant_id", sess.ParticipantID, "returning", returning)
	return &model.CreateSessionResponse{SessionID: sess.SessionID, State: *sess, Returning: returning}, nil
}

// Get 读取会话。
func (o *Orchestrator) Get(ctx context.Context, id string) (*model.Session, error) {
	sess, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, storeError(ctx, "load session", err)
	}
	return sess, nil
}

// Delete 删除会话及其时间线。
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	unlock, err := o.locks.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := o.store.Delete(ctx, id); err != nil {
		return storeError(ctx, "delete session", err)
	}
	if o.opts.Timeline != nil {
		if err := o.opts.Timeline.Delete(ctx, id); err != nil {
			o.logger.Warn("delete timeline failed", "session_id", id, "error", err)
		}
	}
	return nil
}

// Timeline 返回会话的审计事件。
func (o *Orchestrator) Timeline(ctx context.Context, id string) ([]model.Event, error) {
	if _, err := o.Get(ctx, id); err != nil {
		return nil, err
	}
	if o.opts.Timeline == nil {
		return []model.Event{}, nil
	}
	return o.opts.Timeline.List(ctx, id)
}

// PruneIdle 删除空闲超过 maxIdle 的会话。
func (o *Orchestrator) PruneIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	if maxIdle <= 0 {
		return 0, nil
	}
	n, err := o.store.Prune(ctx, o.opts.Now().Add(-maxIdle))
	if err != nil {
		return 0, storeError(ctx, "prune sessions", err)
	}
	if n > 0 {
		o.logger.Info("idle sessions pruned", "count", n, "max_idle", maxIdle)
	}
	return n, nil
}

// ExecuteTool 在会话锁内直接执行一次工具调用并提交，不推进交互计数。
// 供 MCP 等外部工具入口使用；工具错误原样返回给调用方。
func (o *Orchestrator) ExecuteTool(ctx context.Context, sessionID, name string, args json.RawMessage) (any, error) {
	unlock, err := o.locks.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	live, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return nil, storeError(ctx, "load session", err)
	}
	shadow := live.Clone()
	result, err := o.tools.ExecuteJSON(ctx, shadow, name, args)
	if err != nil {
		return nil, err
	}
	if err := o.store.Save(ctx, shadow); err != nil {
		return nil, storeError(ctx, "save session", err)
	}
	o.appendTimeline(ctx, sessionID, []model.Event{{
		Type: model.EventToolCall,
		Tool: &model.ToolTraceEntry{Name: name, Arguments: decodeArgs(args), Result: result},
	}}, o.opts.Now())
	return result, nil
}

// HandleTurn 处理一轮用户输入。
//
// 错误：会话不存在返回 session.ErrNotFound；存储故障返回 session.ErrStoreUnavailable；
// ctx 取消或模型推理失败时原样返回，且会话不被修改。
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID string, req model.TurnRequest) (*model.TurnResponse, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	speaker := req.Character
	if speaker == "" {
		speaker = o.opts.DefaultSpeaker
	}
	if _, ok := o.personas.Character(speaker); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSpeaker, speaker)
	}

	unlock, err := o.locks.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	live, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return nil, storeError(ctx, "load session", err)
	}
	shadow := live.Clone()
	turnID := o.opts.NewID()
	logger := o.logger.With("session_id", sessionID, "turn_id", turnID)

	messages := o.buildContext(shadow, speaker, text)
	loop, err := o.runLoop(ctx, shadow, messages, logger)
	if errors.Is(err, ErrIterationCapExceeded) {
		logger.Warn("tool loop reached iteration cap", "max_iterations", o.opts.MaxIterations)
	} else if err != nil {
		logger.Warn("turn abandoned", "error", err)
		return nil, err
	}

	// 循环成功结束：推进交互计数、检查截止类关卡、判定结局。
	forced := o.engine.Story.AddInteraction(shadow)
	for _, res := range o.engine.Tracker.Sweep(shadow) {
		logger.Info("gate satisfied at end of turn", "stage", res.Stage, "reason", res.Reason)
	}
	snapshot := o.engine.Affinity.Snapshot(shadow)
	firstEnding := shadow.Ending == nil
	outcome := o.engine.Endings.Resolve(shadow, snapshot)
	newEnding := firstEnding && outcome != nil

	reply := loop.reply
	if reply == "" {
		reply = o.opts.FallbackReply
	}

	now := o.opts.Now()
	events := []model.Event{{Type: model.EventUserMessage, Text: text}}
	for i := range loop.trace {
		events = append(events, model.Event{Type: model.EventToolCall, Tool: &loop.trace[i]})
	}
	forcedIDs := make([]string, 0, len(forced))
	for _, ev := range forced {
		forcedIDs = append(forcedIDs, ev.ID)
		events = append(events, model.Event{Type: model.EventStoryEvent, StoryEventID: ev.ID, Text: ev.Narrative})
	}
	events = append(events, model.Event{Type: model.EventAssistantText, Text: reply, Character: speaker})
	if newEnding {
		events = append(events, model.Event{Type: model.EventEnding, Ending: outcome, Text: outcome.Narrative})
	}
	for i := range events {
		events[i].TurnID = turnID
		events[i].EventID = o.opts.NewID()
		events[i].ServerTS = now
		Reduce(shadow, events[i], now)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := o.store.Save(ctx, shadow); err != nil {
		return nil, storeError(ctx, "save session", err)
	}

	if newEnding {
		logger.Info("ending resolved", "ending", outcome.Tag, "interaction", shadow.InteractionCount)
		if o.opts.Memory != nil {
			if err := o.opts.Memory.Remember(ctx, shadow, snapshot, now); err != nil {
				logger.Warn("remember player failed", "error", err)
			}
		}
	}
	o.appendTimeline(ctx, sessionID, events, now)

	logger.Info("turn completed",
		"interaction", shadow.InteractionCount,
		"act", shadow.Act,
		"tool_calls", len(loop.trace),
		"forced_events", forcedIDs,
		"cap_reached", loop.capReached,
	)
	return &model.TurnResponse{
		Reply:            reply,
		Character:        speaker,
		ToolTrace:        loop.trace,
		ForcedEvents:     forcedIDs,
		CapReached:       loop.capReached,
		InteractionCount: shadow.InteractionCount,
		Act:              shadow.Act,
		Ending:           shadow.Ending,
	}, nil
}

func (o *Orchestrator) appendTimeline(ctx context.Context, sessionID string, events []model.Event, now time.Time) {
	if o.opts.Timeline == nil {
		return
	}
	for i := range events {
		if events[i].ServerTS.IsZero() {
			events[i].ServerTS = now
		}
	}
	if err := timeline.AppendAll(ctx, o.opts.Timeline, sessionID, events); err != nil {
		o.logger.Warn("append timeline failed", "session_id", sessionID, "error", err)
	}
}

// storeError 把存储层错误归类：不存在与取消原样返回，其余一律视为存储不可用。
func storeError(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrStoreUnavailable):
		return err
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return err
	default:
		return fmt.Errorf("%s: %w: %w", op, session.ErrStoreUnavailable, err)
	}
}

func decodeArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return map[string]any{"_raw": string(raw)}
	}
	return args
}
