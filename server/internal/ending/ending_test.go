package ending

import (
	"testing"
	"time"

	"echo-rooms/server/internal/model"
)

func newSession(count int, choices ...string) *model.Session {
	s := model.NewSession("s1", "p1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.InteractionCount = count
	s.Choices = choices
	return s
}

// TestDeepBondWinsOverSaveAll 验证最高好感度谓词先于平均好感度谓词。
// 场景：交互数 18，{echo: 0.85, shadow: 0.4}，无选择 → deep_bond。
func TestDeepBondWinsOverSaveAll(t *testing.T) {
	r := New(Options{})
	sess := newSession(18)
	got := r.Resolve(sess, map[string]float64{"echo": 0.85, "shadow": 0.4})
	if got == nil || got.Tag != DeepBond {
		t.Fatalf("expected deep_bond, got %+v", got)
	}
	if got.ResolvedAt != 18 || got.Narrative == "" {
		t.Fatalf("unexpected outcome %+v", got)
	}
}

// TestResolveReturnsNilBeforeThreshold 验证阈值前不判定。
func TestResolveReturnsNilBeforeThreshold(t *testing.T) {
	r := New(Options{})
	sess := newSession(17)
	if got := r.Resolve(sess, map[string]float64{"echo": 1}); got != nil {
		t.Fatalf("expected nil before threshold, got %+v", got)
	}
	if sess.Ending != nil {
		t.Fatal("session must not be marked")
	}
}

// TestResolveIsIdempotent 验证结局一旦判定，后续调用即使快照变化也返回缓存结果。
func TestResolveIsIdempotent(t *testing.T) {
	r := New(Options{})
	sess := newSession(18)
	snap := map[string]float64{"echo": 0.1, "shadow": 0.1}
	first := r.Resolve(sess, snap)
	again := r.Resolve(sess, snap)
	if first.Tag != Goodbye || again.Tag != first.Tag {
		t.Fatalf("expected stable goodbye, got %s then %s", first.Tag, again.Tag)
	}
	sess.InteractionCount = 20
	later := r.Resolve(sess, map[string]float64{"echo": 1, "shadow": 1})
	if later.Tag != Goodbye || later.ResolvedAt != 18 {
		t.Fatalf("ending must never be recomputed, got %+v", later)
	}
}

func TestDecideChain(t *testing.T) {
	r := New(Options{})
	cases := []struct {
		name    string
		snap    map[string]float64
		choices []string
		want    string
	}{
		{"deep bond", map[string]float64{"echo": 0.81, "shadow": -0.9}, []string{"deny_truth"}, DeepBond},
		{"save all", map[string]float64{"echo": 0.6, "shadow": 0.6}, []string{"accept_truth"}, SaveAll},
		{"save all needs choice", map[string]float64{"echo": 0.6, "shadow": 0.6}, nil, Goodbye},
		{"reset by low score", map[string]float64{"echo": 0.5, "shadow": -0.31}, nil, Reset},
		{"reset by hostility", map[string]float64{"echo": 0.2, "shadow": 0.2}, []string{"reject_sentience", "refuse_sacrifice"}, Reset},
		{"sacrifice", map[string]float64{"echo": 0.2, "shadow": 0.2}, []string{"refuse_sacrifice"}, Sacrifice},
		{"sacrifice echo", map[string]float64{"echo": 0.2, "shadow": 0.2}, []string{"sacrifice_echo"}, Sacrifice},
		{"sacrifice shadow", map[string]float64{"echo": 0.2, "shadow": 0.2}, []string{"sacrifice_shadow"}, Sacrifice},
		{"hostility beats sacrifice", map[string]float64{"echo": 0.2, "shadow": 0.2}, []string{"sacrifice_shadow", "deny_truth"}, Reset},
		{"neutral", map[string]float64{"echo": 0, "shadow": 0}, nil, Goodbye},
		{"empty snapshot", nil, nil, Goodbye},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := r.Decide(tc.snap, tc.choices); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

// TestPredictIsReadOnly 验证预测不写入会话，且结局锁定后返回最终结果。
func TestPredictIsReadOnly(t *testing.T) {
	r := New(Options{})
	sess := newSession(3)
	p := r.Predict(sess, map[string]float64{"echo": 0.9})
	if p.Tag != DeepBond || p.Final || p.Remaining != 15 {
		t.Fatalf("unexpected prediction %+v", p)
	}
	if sess.Ending != nil {
		t.Fatal("predict must not set the ending")
	}

	sess.Ending = &model.EndingOutcome{Tag: Reset, Title: "One More Time"}
	p = r.Predict(sess, map[string]float64{"echo": 0.9})
	if p.Tag != Reset || !p.Final {
		t.Fatalf("expected locked reset, got %+v", p)
	}
}
