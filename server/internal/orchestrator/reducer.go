package orchestrator

import (
	"time"

	"echo-rooms/server/internal/model"
)

// RoleNarrator 是剧情事件与结局在对话历史里的角色。
const RoleNarrator = "narrator"

// Reduce 只做“事实归约”：把时间线事件折叠进会话的对话历史，不触发外部调用。
// tool_call 事件只进时间线，不进入历史。
func Reduce(sess *model.Session, evt model.Event, now time.Time) *model.Session {
	if sess == nil {
		return nil
	}

	switch evt.Type {
	case model.EventUserMessage:
		if evt.Text != "" {
			sess.Turns = append(sess.Turns, model.Turn{Role: "user", Text: evt.Text, TS: now})
			sess.LastTurnAt = now
		}
	case model.EventAssistantText:
		if evt.Text != "" {
			sess.Turns = append(sess.Turns, model.Turn{Role: "assistant", Character: evt.Character, Text: evt.Text, TS: now})
			sess.LastTurnAt = now
		}
	case model.EventStoryEvent, model.EventEnding:
		// 叙述类事件作为旁白进入历史，让模型在下一轮看到剧情推进。
		if evt.Text != "" {
			sess.Turns = append(sess.Turns, model.Turn{Role: RoleNarrator, Text: evt.Text, TS: now})
		}
	}

	return sess
}
