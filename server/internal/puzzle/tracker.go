// Package puzzle 跟踪每个关卡的 gate 状态。
//
// gate 只有 unsatisfied → satisfied 一个方向。四种要求都是对会话内已存证据、
// 选择与交互计数的确定性判定；语义判定只消费外部给出的置信度。
package puzzle

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"echo-rooms/server/internal/model"
)

var ErrUnknownStage = errors.New("unknown stage")

// Result 是一次 gate 判定的结果。
type Result struct {
	Stage     string `json:"stage"`
	Satisfied bool   `json:"satisfied"`
	// Newly 表示本次调用让 gate 从未满足变为满足。
	Newly bool `json:"newly_satisfied,omitempty"`
	// Missing 是尚未观察到的线索。
	Missing  []string  `json:"missing,omitempty"`
	Fragment *Fragment `json:"fragment,omitempty"`
	// NextStage 是推进后的当前关卡。
	NextStage string `json:"next_stage,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Tracker 关卡跟踪器。自身无状态，所有状态都在 model.Session 上。
type Tracker struct {
	stages  []Stage
	index   map[string]int
	matcher Matcher
}

// NewTracker 按顺序创建跟踪器，stages 为空时使用 DefaultStages。
func NewTracker(stages []Stage, matcher Matcher) (*Tracker, error) {
	if len(stages) == 0 {
		stages = DefaultStages()
	}
	t := &Tracker{stages: slices.Clone(stages), index: make(map[string]int, len(stages)), matcher: matcher}
	for i, st := range t.stages {
		if st.ID == "" {
			return nil, fmt.Errorf("stage %d: empty id", i)
		}
		if _, dup := t.index[st.ID]; dup {
			return nil, fmt.Errorf("duplicate stage %q", st.ID)
		}
		switch st.Kind {
		case KindSingleAnswer:
			if len(st.Answers) == 0 {
				return nil, fmt.Errorf("stage %q: no accepted answers", st.ID)
			}
		case KindEvidenceSet:
			if len(st.Evidence) == 0 {
				return nil, fmt.Errorf("stage %q: empty evidence set", st.ID)
			}
		case KindSemantic:
			if st.Threshold <= 0 || st.Threshold > 1 {
				return nil, fmt.Errorf("stage %q: threshold must be in (0,1]", st.ID)
			}
		case KindDeadlineOrChoice:
			if len(st.Choices) == 0 && st.Deadline <= 0 {
				return nil, fmt.Errorf("stage %q: needs choices or a deadline", st.ID)
			}
		default:
			return nil, fmt.Errorf("stage %q: unknown kind %q", st.ID, st.Kind)
		}
		t.index[st.ID] = i
	}
	return t, nil
}

// Stages 返回关卡定义副本。
func (t *Tracker) Stages() []Stage {
	return slices.Clone(t.stages)
}

// Stage 按 ID 查找关卡。
func (t *Tracker) Stage(id string) (Stage, error) {
	i, ok := t.index[id]
	if !ok {
		return Stage{}, fmt.Errorf("%w: %s", ErrUnknownStage, id)
	}
	return t.stages[i], nil
}

// First 返回第一个关卡 ID。
func (t *Tracker) First() string {
	return t.stages[0].ID
}

// Current 返回会话当前关卡，未设置时为第一个关卡。
func (t *Tracker) Current(sess *model.Session) string {
	if sess.CurrentStage == "" {
		return t.First()
	}
	return sess.CurrentStage
}

// resolve 把空 stage 解析为当前关卡。
func (t *Tracker) resolve(sess *model.Session, stage string) (Stage, error) {
	if strings.TrimSpace(stage) == "" {
		stage = t.Current(sess)
	}
	return t.Stage(stage)
}

// RecordObservation 记录一条线索。幂等：重复记录不产生额外效果。
// 证据集合类 gate 会在记录后立即重新判定。
func (t *Tracker) RecordObservation(sess *model.Session, stage, evidenceID string) (Result, error) {
	st, err := t.resolve(sess, stage)
	if err != nil {
		return Result{}, err
	}
	evidenceID = strings.TrimSpace(evidenceID)
	if evidenceID == "" {
		return Result{}, errors.New("evidence id is required")
	}
	g := sess.Gate(st.ID)
	if !g.HasEvidence(evidenceID) {
		g.Evidence = append(g.Evidence, evidenceID)
	}
	return t.Check(sess, st.ID)
}

// Check 用已存的证据、选择与交互计数评估 gate。
// 单一答案与语义两类需要外部输入，这里只返回缓存结果与缺失线索。
func (t *Tracker) Check(sess *model.Session, stage string) (Result, error) {
	st, err := t.resolve(sess, stage)
	if err != nil {
		return Result{}, err
	}
	g := sess.Gate(st.ID)
	res := Result{Stage: st.ID, Satisfied: g.Satisfied, Missing: missing(st.Evidence, g)}
	if g.Satisfied {
		return t.finish(sess, res), nil
	}

	switch st.Kind {
	case KindEvidenceSet:
		if len(res.Missing) == 0 {
			return t.satisfy(sess, st, res), nil
		}
		res.Reason = fmt.Sprintf("%d of %d clues observed", len(st.Evidence)-len(res.Missing), len(st.Evidence))
	case KindDeadlineOrChoice:
		for _, c := range st.Choices {
			if sess.HasChoice(c) {
				res.Reason = "choice recorded: " + c
				return t.satisfy(sess, st, res), nil
			}
		}
		if st.Deadline > 0 && sess.InteractionCount >= st.Deadline {
			res.Reason = "deadline reached"
			return t.satisfy(sess, st, res), nil
		}
		res.Reason = "waiting for a choice"
	case KindSingleAnswer:
		res.Reason = "waiting for an answer"
	case KindSemantic:
		if len(res.Missing) > 0 {
			res.Reason = "evidence not yet reviewed"
		} else {
			res.Reason = "waiting for acceptance"
		}
	}
	return res, nil
}

// SubmitAnswer 对单一答案 gate 做模糊匹配。
func (t *Tracker) SubmitAnswer(sess *model.Session, stage, answer string) (Result, error) {
	st, err := t.resolve(sess, stage)
	if err != nil {
		return Result{}, err
	}
	if st.Kind != KindSingleAnswer {
		return Result{}, fmt.Errorf("stage %q does not take answers", st.ID)
	}
	g := sess.Gate(st.ID)
	res := Result{Stage: st.ID, Satisfied: g.Satisfied}
	if g.Satisfied {
		return t.finish(sess, res), nil
	}
	g.Attempts++
	if t.matcher.Match(answer, st.Answers) {
		return t.satisfy(sess, st, res), nil
	}
	res.Reason = "answer not accepted"
	return res, nil
}

// SubmitConfidence 消费外部语义置信度，与关卡阈值比较。
// 带前置线索的关卡在线索不齐时不接受置信度。
func (t *Tracker) SubmitConfidence(sess *model.Session, stage string, confidence float64) (Result, error) {
	st, err := t.resolve(sess, stage)
	if err != nil {
		return Result{}, err
	}
	if st.Kind != KindSemantic {
		return Result{}, fmt.Errorf("stage %q is not a semantic gate", st.ID)
	}
	g := sess.Gate(st.ID)
	res := Result{Stage: st.ID, Satisfied: g.Satisfied, Missing: missing(st.Evidence, g)}
	if g.Satisfied {
		return t.finish(sess, res), nil
	}
	g.Attempts++
	if confidence > g.BestConfidence {
		g.BestConfidence = confidence
	}
	if len(res.Missing) > 0 {
		res.Reason = "evidence not yet reviewed"
		return res, nil
	}
	if confidence >= st.Threshold {
		return t.satisfy(sess, st, res), nil
	}
	res.Reason = fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, st.Threshold)
	return res, nil
}

// IsSatisfied 返回缓存的满足状态，只会由 false 变 true。
func (t *Tracker) IsSatisfied(sess *model.Session, stage string) bool {
	g, ok := sess.Gates[stage]
	return ok && g.Satisfied
}

// Sweep 对当前关卡执行一次无输入判定，用于每轮结束时检查截止类 gate。
// 截止类关卡不论是否为当前关卡都会被检查，截止数到达即满足。
func (t *Tracker) Sweep(sess *model.Session) []Result {
	var out []Result
	for {
		res, err := t.Check(sess, t.Current(sess))
		if err != nil || !res.Newly {
			break
		}
		out = append(out, res)
	}
	for _, st := range t.stages {
		if st.Kind != KindDeadlineOrChoice || t.IsSatisfied(sess, st.ID) {
			continue
		}
		if res, err := t.Check(sess, st.ID); err == nil && res.Newly {
			out = append(out, res)
		}
	}
	return out
}

// Progress 返回关卡进度摘要。
func (t *Tracker) Progress(sess *model.Session) []Result {
	out := make([]Result, 0, len(t.stages))
	for _, st := range t.stages {
		g, ok := sess.Gates[st.ID]
		r := Result{Stage: st.ID}
		if ok {
			r.Satisfied = g.Satisfied
			r.Missing = missing(st.Evidence, g)
		} else {
			r.Missing = slices.Clone(st.Evidence)
		}
		out = append(out, r)
	}
	return out
}

func (t *Tracker) satisfy(sess *model.Session, st Stage, res Result) Result {
	g := sess.Gate(st.ID)
	g.Satisfied = true
	g.SatisfiedAt = sess.InteractionCount
	res.Satisfied = true
	res.Newly = true
	if st.Fragment.ID != "" && !slices.Contains(sess.Fragments, st.Fragment.ID) {
		sess.Fragments = append(sess.Fragments, st.Fragment.ID)
		f := st.Fragment
		res.Fragment = &f
	}
	if t.Current(sess) == st.ID {
		sess.CurrentStage = t.next(sess, st.ID)
	}
	return t.finish(sess, res)
}

func (t *Tracker) finish(sess *model.Session, res Result) Result {
	res.NextStage = t.Current(sess)
	return res
}

// next 返回 id 之后第一个未满足的关卡；全部满足时停在最后一个。
func (t *Tracker) next(sess *model.Session, id string) string {
	for i := t.index[id] + 1; i < len(t.stages); i++ {
		if !t.IsSatisfied(sess, t.stages[i].ID) {
			return t.stages[i].ID
		}
	}
	return t.stages[len(t.stages)-1].ID
}

func missing(required []string, g *model.GateState) []string {
	var out []string
	for _, id := range required {
		if !g.HasEvidence(id) {
			out = append(out, id)
		}
	}
	return out
}
