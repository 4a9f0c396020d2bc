package model

import (
	"slices"
	"time"
)

// Turn 表示对话中的一个轮次。
type Turn struct {
	Role string `json:"role"`
	// Character 为 assistant 轮次的发言角色，user 轮次为空。
	Character string    `json:"character,omitempty"`
	Text      string    `json:"text"`
	TS        time.Time `json:"ts"`
}

// GateState 记录某个关卡（stage）的解谜进度。
// 约定：Satisfied 一旦为 true 就不会再回到 false。
type GateState struct {
	Stage string `json:"stage"`
	// Evidence 按首次观察顺序记录已见过的线索，去重。
	Evidence []string `json:"evidence,omitempty"`
	// Attempts 记录答题/判定尝试次数，仅用于提示与调试。
	Attempts int `json:"attempts,omitempty"`
	// BestConfidence 是语义判定中见过的最高置信度。
	BestConfidence float64 `json:"best_confidence,omitempty"`
	Satisfied      bool    `json:"satisfied"`
	// SatisfiedAt 是满足时的交互计数。
	SatisfiedAt int `json:"satisfied_at,omitempty"`
}

// HasEvidence 判断某条线索是否已被记录。
func (g *GateState) HasEvidence(id string) bool {
	return slices.Contains(g.Evidence, id)
}

// EndingOutcome 是会话的终局结果，设置后不可变。
type EndingOutcome struct {
	Tag       string `json:"tag"`
	Title     string `json:"title"`
	Narrative string `json:"narrative"`
	// ResolvedAt 是结局判定时的交互计数。
	ResolvedAt int `json:"resolved_at"`
}

// Session 保存了一次游玩（playthrough）的全部叙事状态。
//
// 所有权：一轮对话期间只由编排器持有；轮与轮之间通过 session.Store 持久化。
type Session struct {
	// 唯一标识一个会话。
	SessionID string `json:"session_id"`
	// 玩家标识，用于跨会话记忆。
	ParticipantID string `json:"participant_id"`

	// 单调递增的交互计数，每个用户轮次 +1。
	InteractionCount int `json:"interaction_count"`
	// 当前幕，由交互计数推导。
	Act string `json:"act"`

	// 每个角色的好感度，范围 [-1, 1]。
	Affinity map[string]float64 `json:"affinity"`
	// 关键选择，按记录顺序追加，允许重复。
	Choices []string `json:"choices"`

	// 当前所在关卡。
	CurrentStage string `json:"current_stage"`
	// 每个关卡的解谜状态。
	Gates map[string]*GateState `json:"gates"`
	// 已揭示的记忆碎片 ID。
	Fragments []string `json:"fragments,omitempty"`

	// 已触发的剧情事件 ID，按触发顺序。
	TriggeredEvents []string `json:"triggered_events"`

	// 终局结果，最多设置一次。
	Ending *EndingOutcome `json:"ending,omitempty"`

	// 对话的历史轮次。
	Turns []Turn `json:"turns"`

	CreatedAt  time.Time `json:"created_at"`
	LastTurnAt time.Time `json:"last_turn_at"`
}

// NewSession 创建一个空白会话，所有 map 都已初始化。
func NewSession(sessionID, participantID string, now time.Time) *Session {
	return &Session{
		SessionID:     sessionID,
		ParticipantID: participantID,
		Affinity:      make(map[string]float64),
		Gates:         make(map[string]*GateState),
		CreatedAt:     now,
		LastTurnAt:    now,
	}
}

// HasTriggered 判断事件是否已触发。
func (s *Session) HasTriggered(eventID string) bool {
	return slices.Contains(s.TriggeredEvents, eventID)
}

// HasChoice 判断某个选择 token 是否出现过。
func (s *Session) HasChoice(token string) bool {
	return slices.Contains(s.Choices, token)
}

// Gate 返回关卡状态，不存在时惰性创建。
func (s *Session) Gate(stage string) *GateState {
	if s.Gates == nil {
		s.Gates = make(map[string]*GateState)
	}
	g, ok := s.Gates[stage]
	if !ok {
		g = &GateState{Stage: stage}
		s.Gates[stage] = g
	}
	return g
}

// Clone 返回深拷贝。编排器在影子副本上执行一整轮，成功后才提交。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Affinity != nil {
		out.Affinity = make(map[string]float64, len(s.Affinity))
		for k, v := range s.Affinity {
			out.Affinity[k] = v
		}
	}
	out.Choices = slices.Clone(s.Choices)
	out.Fragments = slices.Clone(s.Fragments)
	out.TriggeredEvents = slices.Clone(s.TriggeredEvents)
	out.Turns = slices.Clone(s.Turns)
	if s.Gates != nil {
		out.Gates = make(map[string]*GateState, len(s.Gates))
		for k, g := range s.Gates {
			gc := *g
			gc.Evidence = slices.Clone(g.Evidence)
			out.Gates[k] = &gc
		}
	}
	if s.Ending != nil {
		e := *s.Ending
		out.Ending = &e
	}
	return &out
}

// ToolTraceEntry 记录一次工具调用，用于可观测性。只存在于当轮，不持久化到 Session。
type ToolTraceEntry struct {
	Round     int            `json:"round"`
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    any            `json:"result"`
	IsError   bool           `json:"is_error,omitempty"`
}

// Event 表示时间线中的一个事件。
type Event struct {
	// Seq 由后端分配的单调序号，用于回放与幂等。
	Seq int64 `json:"seq,omitempty"`
	// SessionID 由编排器补齐，客户端可不传。
	SessionID string `json:"session_id,omitempty"`
	// EventID 用于去重与重试幂等。
	EventID string `json:"event_id,omitempty"`
	// TurnID 关联一次用户轮次，便于回放与审计。
	TurnID string `json:"turn_id,omitempty"`

	// Type 表示事件类型（user_message/tool_call/assistant_text/story_event/ending）。
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Character string `json:"character,omitempty"`
	// Tool 承载 tool_call 事件。
	Tool *ToolTraceEntry `json:"tool,omitempty"`
	// StoryEventID 承载 story_event 事件。
	StoryEventID string `json:"story_event_id,omitempty"`
	// Ending 承载 ending 事件。
	Ending *EndingOutcome `json:"ending,omitempty"`

	ServerTS time.Time `json:"server_ts,omitempty"`
}

// 时间线事件类型。
const (
	EventUserMessage   = "user_message"
	EventToolCall      = "tool_call"
	EventAssistantText = "assistant_text"
	EventStoryEvent    = "story_event"
	EventEnding        = "ending"
)
