// Package affinity 维护玩家与每个角色之间的好感度。
//
// 好感度是 [-1, 1] 区间内的实数。唯一的写入口是 ApplyDelta（以及跨会话的 Decay），
// 模型只能通过工具调用请求一个增量，不能直接设置绝对值。
package affinity

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"echo-rooms/server/internal/model"
)

const (
	Min = -1.0
	Max = 1.0
)

var ErrUnknownCharacter = errors.New("unknown character")

// Model 好感度模型。角色名单是配置项，不在名单里的角色一律拒绝。
type Model struct {
	characters []string
	// maxDelta 限制单次增量的绝对值，0 表示不限制（仍然会 clamp 总值）。
	maxDelta float64
	// decayPerHour 是跨会话衰减速率：每小时向 0 靠近的幅度。
	decayPerHour float64
}

// Options 好感度模型配置。
type Options struct {
	Characters   []string
	MaxDelta     float64
	DecayPerHour float64
}

// New 创建好感度模型。
func New(opts Options) *Model {
	chars := slices.Clone(opts.Characters)
	if len(chars) == 0 {
		chars = []string{"echo", "shadow"}
	}
	return &Model{
		characters:   chars,
		maxDelta:     math.Abs(opts.MaxDelta),
		decayPerHour: math.Abs(opts.DecayPerHour),
	}
}

// Characters 返回角色名单。
func (m *Model) Characters() []string {
	return slices.Clone(m.characters)
}

// Known 判断角色是否在名单内。
func (m *Model) Known(character string) bool {
	return slices.Contains(m.characters, character)
}

// Get 返回好感度，未出现过的角色默认为 0。
func (m *Model) Get(sess *model.Session, character string) (float64, error) {
	if !m.Known(character) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCharacter, character)
	}
	return sess.Affinity[character], nil
}

// ApplyDelta 将增量 clamp 到合法区间后写回，返回更新后的值。
func (m *Model) ApplyDelta(sess *model.Session, character string, delta float64) (float64, error) {
	if !m.Known(character) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCharacter, character)
	}
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return 0, fmt.Errorf("delta must be finite, got %v", delta)
	}
	if m.maxDelta > 0 {
		delta = Clamp(delta, -m.maxDelta, m.maxDelta)
	}
	if sess.Affinity == nil {
		sess.Affinity = make(map[string]float64)
	}
	next := Clamp(round(sess.Affinity[character]+delta), Min, Max)
	sess.Affinity[character] = next
	return next, nil
}

// Snapshot 返回全部角色的好感度副本（包含默认 0）。
func (m *Model) Snapshot(sess *model.Session) map[string]float64 {
	out := make(map[string]float64, len(m.characters))
	for _, c := range m.characters {
		out[c] = sess.Affinity[c]
	}
	return out
}

// Decay 按经过的时间让所有好感度单调地向 0 靠近，不会越过 0。
// 只用于跨会话记忆，单轮对话内不调用。
func (m *Model) Decay(sess *model.Session, elapsed time.Duration) {
	DecayMap(sess.Affinity, elapsed, m.decayPerHour)
}

// DecayMap 对任意好感度表执行衰减。
func DecayMap(scores map[string]float64, elapsed time.Duration, perHour float64) {
	if elapsed <= 0 || perHour <= 0 {
		return
	}
	amount := perHour * elapsed.Hours()
	for k, v := range scores {
		scores[k] = towardZero(v, amount)
	}
}

func towardZero(v, amount float64) float64 {
	switch {
	case v > 0:
		return round(math.Max(0, v-amount))
	case v < 0:
		return round(math.Min(0, v+amount))
	default:
		return 0
	}
}

// Clamp 将 v 限制在 [lo, hi]。
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// round 保留 6 位小数，消除 0.1+0.2 之类的浮点尾差，保证可复现。
func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// Label 把好感度转换成描述性标签。
func Label(score float64) string {
	switch {
	case score >= 0.8:
		return "Very Close"
	case score >= 0.5:
		return "Friends"
	case score >= 0.2:
		return "Friendly"
	case score >= -0.2:
		return "Neutral"
	case score >= -0.5:
		return "Tense"
	case score >= -0.8:
		return "Hostile"
	default:
		return "Enemies"
	}
}

// Advice 给模型的相处建议。
func Advice(score float64) string {
	switch {
	case score >= 0.5:
		return "Deep trust. You can be open and vulnerable."
	case score >= 0.2:
		return "Warming up. Share a little more of yourself."
	case score >= -0.2:
		return "Still guarded. Build trust before big reveals."
	default:
		return "The relationship is strained. Acknowledge their feelings first."
	}
}
