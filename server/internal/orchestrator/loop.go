package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"echo-rooms/server/internal/affinity"
	"echo-rooms/server/internal/llm"
	"echo-rooms/server/internal/model"
	"echo-rooms/server/internal/persona"
)

type loopResult struct {
	reply      string
	trace      []model.ToolTraceEntry
	capReached bool
}

// runLoop 执行工具调用循环。
//
// 每一轮：模型若请求工具，则按请求顺序逐个执行并把结果回填，再次推理；
// 同时返回文本与工具调用时以工具为准，文本只作为到达上限时的备用回复。
// 执行满 MaxIterations 轮工具后返回 ErrIterationCapExceeded，结果仍然有效。
func (o *Orchestrator) runLoop(ctx context.Context, sess *model.Session, messages []llm.Message, logger *slog.Logger) (loopResult, error) {
	specs := o.toolSpecs()
	var res loopResult
	var capFallback string

	for round := 1; round <= o.opts.MaxIterations; round++ {
		resp, err := o.client.Chat(ctx, llm.ChatRequest{Messages: messages, Tools: specs, ToolChoice: "auto"})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			return res, fmt.Errorf("model inference: %w", err)
		}
		if !resp.HasToolCalls() {
			res.reply = resp.Content
			return res, nil
		}
		if resp.Content != "" {
			capFallback = resp.Content
		}

		calls := resp.ToolCalls
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = o.opts.NewID()
			}
		}
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: calls})

		for _, call := range calls {
			entry := o.executeCall(ctx, sess, round, call)
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if entry.IsError {
				logger.Info("tool call failed", "round", round, "tool", call.Name, "result", entry.Result)
			} else {
				logger.Debug("tool call", "round", round, "tool", call.Name)
			}
			res.trace = append(res.trace, entry)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    encodeResult(entry.Result),
				ToolCallID: call.ID,
				IsError:    entry.IsError,
			})
		}
	}

	res.capReached = true
	res.reply = capFallback
	return res, ErrIterationCapExceeded
}

// executeCall 执行单个工具调用；任何工具错误都转成错误结果，不向上抛。
func (o *Orchestrator) executeCall(ctx context.Context, sess *model.Session, round int, call llm.ToolCall) model.ToolTraceEntry {
	entry := model.ToolTraceEntry{
		Round:     round,
		CallID:    call.ID,
		Name:      call.Name,
		Arguments: decodeArgs(call.Arguments),
	}
	result, err := o.tools.ExecuteJSON(ctx, sess, call.Name, call.Arguments)
	if err != nil {
		entry.IsError = true
		entry.Result = map[string]any{"error": err.Error()}
		return entry
	}
	entry.Result = result
	return entry
}

func (o *Orchestrator) toolSpecs() []llm.ToolSpec {
	defs := o.tools.DescribeAll()
	specs := make([]llm.ToolSpec, 0, len(defs))
	for _, d := range defs {
		specs = append(specs, llm.ToolSpec{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return specs
}

func encodeResult(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, "unencodable tool result: "+err.Error())
	}
	return string(b)
}

// buildContext 组装本轮上下文：系统人设与状态快照、最近的历史窗口、本轮用户输入。
func (o *Orchestrator) buildContext(sess *model.Session, speaker, text string) []llm.Message {
	req := o.promptRequest(sess, speaker, text)
	prompt, err := o.personas.BuildPrompt(req)
	if err == nil {
		err = persona.Validate(prompt)
	}
	if err != nil {
		o.logger.Warn("persona prompt fallback", "session_id", sess.SessionID, "speaker", speaker, "error", err)
		prompt = persona.BuildFallbackPrompt(req)
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: prompt.Instructions}}
	history := sess.Turns
	if len(history) > o.opts.HistoryWindow {
		history = history[len(history)-o.opts.HistoryWindow:]
	}
	for _, t := range history {
		messages = append(messages, o.historyMessage(t))
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: text})
}

func (o *Orchestrator) historyMessage(t model.Turn) llm.Message {
	switch t.Role {
	case "user":
		return llm.Message{Role: llm.RoleUser, Content: t.Text}
	case "assistant":
		content := t.Text
		if c, ok := o.personas.Character(t.Character); ok {
			content = c.Name + ": " + t.Text
		}
		return llm.Message{Role: llm.RoleAssistant, Content: content}
	default:
		return llm.Message{Role: llm.RoleSystem, Content: "[Story] " + t.Text}
	}
}

func (o *Orchestrator) promptRequest(sess *model.Session, speaker, text string) persona.Request {
	e := o.engine
	status := e.Story.Status(sess)
	req := persona.Request{
		SessionID:        sess.SessionID,
		Speaker:          speaker,
		Act:              status.Act,
		InteractionCount: status.InteractionCount,
		Remaining:        status.Remaining,
		AvailableEvents:  status.Available,
		Fragments:        e.FragmentTitles(sess),
		LastUserText:     text,
	}
	if st, err := e.Tracker.Stage(e.Tracker.Current(sess)); err == nil {
		req.StageTitle, req.Objective = st.Title, st.Objective
	}
	snapshot := e.Affinity.Snapshot(sess)
	hasMemory := false
	for _, id := range e.Affinity.Characters() {
		score := snapshot[id]
		name := id
		if c, ok := o.personas.Character(id); ok {
			name = c.Name
		}
		if score != 0 {
			hasMemory = true
		}
		req.Affinity = append(req.Affinity, persona.AffinityLine{
			Character: name,
			Score:     score,
			Label:     affinity.Label(score),
			Advice:    affinity.Advice(score),
		})
	}
	req.Returning = len(sess.Turns) == 0 && hasMemory
	for _, ev := range e.Story.Events() {
		if !sess.HasTriggered(ev.ID) && sess.InteractionCount < ev.Soft {
			req.PendingEvents = append(req.PendingEvents, ev.ID)
		}
	}
	if sess.Ending != nil {
		req.Ending = sess.Ending.Title
	}
	return req
}
