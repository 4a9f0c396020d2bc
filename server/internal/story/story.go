// Package story 实现剧情推进状态机：幕（act）由交互计数纯函数推导，
// 剧情事件有软阈值（最早允许自主触发）与硬截止（到点强制触发）。
package story

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"echo-rooms/server/internal/model"
)

var (
	ErrUnknownEvent     = errors.New("unknown story event")
	ErrTooEarly         = errors.New("story event not yet available")
	ErrAlreadyTriggered = errors.New("story event already triggered")
)

// Act 是交互计数上的一个连续区间，从 Start（含）到下一幕的 Start（不含）。
type Act struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
	Start int    `json:"start" yaml:"start"`
}

// Event 是不可变的剧情事件定义。是否已触发是会话状态，不在这里。
type Event struct {
	ID        string `json:"id" yaml:"id"`
	Title     string `json:"title" yaml:"title"`
	Soft      int    `json:"soft" yaml:"soft"`
	Hard      int    `json:"hard" yaml:"hard"`
	Narrative string `json:"narrative" yaml:"narrative"`
}

// Options 剧情配置。零值字段使用默认内容。
type Options struct {
	Acts   []Act
	Events []Event
	// TerminalThreshold 是结局判定的交互数。
	TerminalThreshold int
	// SessionLength 是一局的总交互数，只用于展示剩余轮次。
	SessionLength int
	// MinAffinity 低于该平均好感度时建议不要主动推进剧情。
	MinAffinity float64
}

// Progression 剧情推进状态机。自身不可变，状态都在 model.Session 上。
type Progression struct {
	acts        []Act
	events      []Event
	terminal    int
	length      int
	minAffinity float64
}

// New 创建剧情推进状态机。
func New(opts Options) (*Progression, error) {
	p := &Progression{
		acts:        slices.Clone(opts.Acts),
		events:      slices.Clone(opts.Events),
		terminal:    opts.TerminalThreshold,
		length:      opts.SessionLength,
		minAffinity: opts.MinAffinity,
	}
	if len(p.acts) == 0 {
		p.acts = DefaultActs()
	}
	if len(p.events) == 0 {
		p.events = DefaultEvents()
	}
	if p.terminal <= 0 {
		p.terminal = 18
	}
	if p.length <= 0 {
		p.length = 20
	}
	if p.minAffinity == 0 {
		p.minAffinity = -0.2
	}

	sort.SliceStable(p.acts, func(i, j int) bool { return p.acts[i].Start < p.acts[j].Start })
	if p.acts[0].Start != 0 {
		return nil, fmt.Errorf("first act must start at 0, got %d", p.acts[0].Start)
	}
	for i := 1; i < len(p.acts); i++ {
		if p.acts[i].Start == p.acts[i-1].Start {
			return nil, fmt.Errorf("acts %q and %q share start %d", p.acts[i-1].ID, p.acts[i].ID, p.acts[i].Start)
		}
	}
	seen := make(map[string]bool, len(p.events))
	for _, e := range p.events {
		if e.ID == "" {
			return nil, errors.New("story event with empty id")
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("duplicate story event %q", e.ID)
		}
		seen[e.ID] = true
		if e.Soft < 0 || e.Hard < e.Soft {
			return nil, fmt.Errorf("story event %q: need 0 <= soft <= hard, got %d/%d", e.ID, e.Soft, e.Hard)
		}
	}
	return p, nil
}

// Acts 返回幕定义。
func (p *Progression) Acts() []Act { return slices.Clone(p.acts) }

// Events 返回事件目录（按目录顺序）。
func (p *Progression) Events() []Event { return slices.Clone(p.events) }

// TerminalThreshold 返回结局判定的交互数。
func (p *Progression) TerminalThreshold() int { return p.terminal }

// SessionLength 返回一局的总交互数。
func (p *Progression) SessionLength() int { return p.length }

// ActFor 是交互计数到幕的纯函数。
func (p *Progression) ActFor(count int) string {
	act := p.acts[0].ID
	for _, a := range p.acts {
		if count < a.Start {
			break
		}
		act = a.ID
	}
	return act
}

// Event 按 ID 查找事件。
func (p *Progression) Event(id string) (Event, error) {
	for _, e := range p.events {
		if e.ID == id {
			return e, nil
		}
	}
	return Event{}, fmt.Errorf("%w: %s", ErrUnknownEvent, id)
}

// Init 为新会话设置初始幕。
func (p *Progression) Init(sess *model.Session) {
	sess.Act = p.ActFor(sess.InteractionCount)
}

// AddInteraction 交互计数 +1，重算幕，并强制触发所有已到硬截止且未触发的事件。
// 同时到期的多个事件在同一次调用里按目录顺序全部返回。
func (p *Progression) AddInteraction(sess *model.Session) []Event {
	sess.InteractionCount++
	sess.Act = p.ActFor(sess.InteractionCount)

	var forced []Event
	for _, e := range p.events {
		if sess.InteractionCount >= e.Hard && !sess.HasTriggered(e.ID) {
			sess.TriggeredEvents = append(sess.TriggeredEvents, e.ID)
			forced = append(forced, e)
		}
	}
	return forced
}

// TriggerEvent 自主触发事件，只允许在软阈值之后、且尚未触发时。
func (p *Progression) TriggerEvent(sess *model.Session, id string) (Event, error) {
	e, err := p.Event(id)
	if err != nil {
		return Event{}, err
	}
	if sess.HasTriggered(id) {
		return Event{}, fmt.Errorf("%w: %s", ErrAlreadyTriggered, id)
	}
	if sess.InteractionCount < e.Soft {
		return Event{}, fmt.Errorf("%w: %s opens at interaction %d, now %d", ErrTooEarly, id, e.Soft, sess.InteractionCount)
	}
	sess.TriggeredEvents = append(sess.TriggeredEvents, id)
	return e, nil
}

// Advice 是 ShouldTrigger 的只读建议。
type Advice struct {
	EventID string `json:"event_id"`
	Should  bool   `json:"should_trigger"`
	Reason  string `json:"reason"`
	// Forced 表示硬截止已到或即将在下一轮到达。
	Forced bool `json:"forced,omitempty"`
}

// ShouldTrigger 判断现在是否适合主动触发事件，不修改会话。
func (p *Progression) ShouldTrigger(sess *model.Session, id string, avgAffinity float64) (Advice, error) {
	e, err := p.Event(id)
	if err != nil {
		return Advice{}, err
	}
	adv := Advice{EventID: id}
	switch {
	case sess.HasTriggered(id):
		adv.Reason = "already triggered"
	case sess.InteractionCount < e.Soft:
		adv.Reason = fmt.Sprintf("too early: opens at interaction %d", e.Soft)
	case sess.InteractionCount+1 >= e.Hard:
		adv.Should, adv.Forced = true, true
		adv.Reason = "hard deadline reached on the next interaction"
	case avgAffinity < p.minAffinity:
		adv.Reason = "relationship too negative"
	default:
		adv.Should = true
		adv.Reason = "ready"
	}
	return adv, nil
}

// Pending 返回已过软阈值但尚未触发的事件。
func (p *Progression) Pending(sess *model.Session) []Event {
	var out []Event
	for _, e := range p.events {
		if !sess.HasTriggered(e.ID) && sess.InteractionCount >= e.Soft {
			out = append(out, e)
		}
	}
	return out
}

// Status 是剧情进度摘要。
type Status struct {
	InteractionCount int      `json:"interaction_count"`
	Act              string   `json:"act"`
	Remaining        int      `json:"remaining"`
	Triggered        []string `json:"triggered_events"`
	Available        []string `json:"available_events,omitempty"`
	EndingReady      bool     `json:"ending_ready"`
}

// Status 返回会话的剧情进度。
func (p *Progression) Status(sess *model.Session) Status {
	st := Status{
		InteractionCount: sess.InteractionCount,
		Act:              p.ActFor(sess.InteractionCount),
		Remaining:        max(0, p.length-sess.InteractionCount),
		Triggered:        slices.Clone(sess.TriggeredEvents),
		EndingReady:      sess.InteractionCount >= p.terminal,
	}
	for _, e := range p.Pending(sess) {
		st.Available = append(st.Available, e.ID)
	}
	return st
}
