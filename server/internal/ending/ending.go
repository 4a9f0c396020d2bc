// Package ending 把累积的会话状态归结为唯一的终局结果。
//
// 判定是一条有序谓词链，自上而下第一个命中者胜出，不做加权打分。
// 结果写入会话后不可变，重复调用直接返回缓存。
package ending

import (
	"slices"

	"echo-rooms/server/internal/model"
)

// 结局标签。
const (
	DeepBond  = "deep_bond"
	SaveAll   = "save_all"
	Reset     = "reset"
	Sacrifice = "sacrifice"
	Goodbye   = "goodbye"
)

// Tags 返回全部结局标签，按判定链顺序。
func Tags() []string {
	return []string{DeepBond, SaveAll, Reset, Sacrifice, Goodbye}
}

// Options 判定链的阈值与触发 token。
type Options struct {
	TerminalThreshold int `yaml:"terminal_threshold"`
	// HighBar: 最高单角色好感度 > HighBar → deep_bond。
	HighBar float64 `yaml:"high_bar"`
	// MidBar: 平均好感度 > MidBar 且出现 SaveAllChoice → save_all。
	MidBar        float64 `yaml:"mid_bar"`
	SaveAllChoice string  `yaml:"save_all_choice"`
	// LowBar: 最低好感度 < LowBar 或出现敌意选择 → reset。
	LowBar         float64  `yaml:"low_bar"`
	HostileChoices []string `yaml:"hostile_choices"`
	// ProtectiveChoices 出现任一 → sacrifice。默认包含全部三种牺牲抉择。
	ProtectiveChoices []string `yaml:"protective_choices"`
}

// DefaultOptions 返回内置阈值。
func DefaultOptions() Options {
	return Options{
		TerminalThreshold: 18,
		HighBar:           0.8,
		MidBar:            0.5,
		SaveAllChoice:     "accept_truth",
		LowBar:            -0.3,
		HostileChoices:    []string{"deny_truth", "reject_sentience"},
		ProtectiveChoices: []string{"refuse_sacrifice", "sacrifice_echo", "sacrifice_shadow"},
	}
}

// Resolver 结局判定器。
type Resolver struct {
	opts       Options
	narratives map[string]Narrative
}

// New 创建判定器，零值字段取默认值。
func New(opts Options) *Resolver {
	def := DefaultOptions()
	if opts.TerminalThreshold <= 0 {
		opts.TerminalThreshold = def.TerminalThreshold
	}
	if opts.HighBar == 0 {
		opts.HighBar = def.HighBar
	}
	if opts.MidBar == 0 {
		opts.MidBar = def.MidBar
	}
	if opts.SaveAllChoice == "" {
		opts.SaveAllChoice = def.SaveAllChoice
	}
	if opts.LowBar == 0 {
		opts.LowBar = def.LowBar
	}
	if opts.HostileChoices == nil {
		opts.HostileChoices = def.HostileChoices
	}
	if opts.ProtectiveChoices == nil {
		opts.ProtectiveChoices = def.ProtectiveChoices
	}
	return &Resolver{opts: opts, narratives: DefaultNarratives()}
}

// Options 返回生效的配置。
func (r *Resolver) Options() Options { return r.opts }

// Decide 是纯判定链：只看好感度快照和选择序列。
func (r *Resolver) Decide(snapshot map[string]float64, choices []string) string {
	hi, avg, lo := stats(snapshot)
	switch {
	case hi > r.opts.HighBar:
		return DeepBond
	case avg > r.opts.MidBar && slices.Contains(choices, r.opts.SaveAllChoice):
		return SaveAll
	case lo < r.opts.LowBar || containsAny(choices, r.opts.HostileChoices):
		return Reset
	case containsAny(choices, r.opts.ProtectiveChoices):
		return Sacrifice
	default:
		return Goodbye
	}
}

// Resolve 在交互数达到终局阈值后判定结局并写入会话。
// 未到阈值返回 nil；已判定过则原样返回缓存，不再重算。
func (r *Resolver) Resolve(sess *model.Session, snapshot map[string]float64) *model.EndingOutcome {
	if sess.Ending != nil {
		return sess.Ending
	}
	if sess.InteractionCount < r.opts.TerminalThreshold {
		return nil
	}
	out := r.outcome(r.Decide(snapshot, sess.Choices))
	out.ResolvedAt = sess.InteractionCount
	sess.Ending = &out
	return sess.Ending
}

// Prediction 是只读的结局预测。
type Prediction struct {
	Tag   string `json:"tag"`
	Title string `json:"title"`
	// Final 表示结局已经锁定。
	Final     bool               `json:"final"`
	Remaining int                `json:"interactions_until_ending"`
	Max       float64            `json:"max_affinity"`
	Average   float64            `json:"average_affinity"`
	Min       float64            `json:"min_affinity"`
	Snapshot  map[string]float64 `json:"affinity"`
}

// Predict 忽略阈值，按当前状态给出最可能的结局，不修改会话。
func (r *Resolver) Predict(sess *model.Session, snapshot map[string]float64) Prediction {
	hi, avg, lo := stats(snapshot)
	p := Prediction{
		Remaining: max(0, r.opts.TerminalThreshold-sess.InteractionCount),
		Max:       hi,
		Average:   avg,
		Min:       lo,
		Snapshot:  snapshot,
	}
	if sess.Ending != nil {
		p.Tag, p.Title, p.Final = sess.Ending.Tag, sess.Ending.Title, true
		return p
	}
	p.Tag = r.Decide(snapshot, sess.Choices)
	p.Title = r.narratives[p.Tag].Title
	return p
}

func (r *Resolver) outcome(tag string) model.EndingOutcome {
	n := r.narratives[tag]
	return model.EndingOutcome{Tag: tag, Title: n.Title, Narrative: n.Text}
}

// stats 返回最大、平均、最小值；空快照视为全 0。
func stats(snapshot map[string]float64) (hi, avg, lo float64) {
	if len(snapshot) == 0 {
		return 0, 0, 0
	}
	first := true
	var sum float64
	for _, v := range snapshot {
		if first {
			hi, lo = v, v
			first = false
		}
		hi = max(hi, v)
		lo = min(lo, v)
		sum += v
	}
	return hi, sum / float64(len(snapshot)), lo
}

func containsAny(haystack, needles []string) bool {
	for _, n := range needles {
		if slices.Contains(haystack, n) {
			return true
		}
	}
	return false
}
