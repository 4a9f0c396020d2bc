package model

// CreateSessionRequest 是创建会话的请求体。
type CreateSessionRequest struct {
	ParticipantID string `json:"participant_id"`
}

// CreateSessionResponse 是创建会话的响应结构体。
type CreateSessionResponse struct {
	SessionID string  `json:"session_id"`
	State     Session `json:"state"`
	// Returning 表示该玩家带着跨会话记忆回来。
	Returning bool `json:"returning"`
}

// TurnRequest 是一次用户轮次的输入。
type TurnRequest struct {
	Text string `json:"text"`
	// Character 指定由哪个角色回应，为空则用默认角色。
	Character string `json:"character,omitempty"`
}

// TurnResponse 是一次用户轮次的输出。
type TurnResponse struct {
	Reply     string           `json:"reply"`
	Character string           `json:"character"`
	ToolTrace []ToolTraceEntry `json:"tool_trace"`
	// ForcedEvents 是本轮因硬截止而被强制触发的剧情事件。
	ForcedEvents []string `json:"forced_events,omitempty"`
	// CapReached 表示工具循环因迭代上限而收束。
	CapReached       bool           `json:"cap_reached,omitempty"`
	InteractionCount int            `json:"interaction_count"`
	Act              string         `json:"act"`
	Ending           *EndingOutcome `json:"ending,omitempty"`
}
