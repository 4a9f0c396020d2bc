package puzzle

// Kind 关卡要求的类型。
type Kind string

const (
	// KindSingleAnswer 单一正确答案，模糊匹配。
	KindSingleAnswer Kind = "single_answer"
	// KindEvidenceSet 需要观察到全部 N 条线索。
	KindEvidenceSet Kind = "evidence_set"
	// KindDeadlineOrChoice 在截止交互数之前记录到指定选择，或到达截止数。
	KindDeadlineOrChoice Kind = "deadline_or_choice"
	// KindSemantic 外部置信度达到阈值。
	KindSemantic Kind = "semantic"
)

// Fragment 是关卡完成后揭示的记忆碎片。
type Fragment struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
	Text  string `json:"text" yaml:"text"`
}

// Stage 定义一个关卡（房间）及其唯一的 gate。
type Stage struct {
	ID        string `json:"id" yaml:"id"`
	Title     string `json:"title" yaml:"title"`
	Objective string `json:"objective" yaml:"objective"`
	Kind      Kind   `json:"kind" yaml:"kind"`

	// Answers 用于 KindSingleAnswer。
	Answers []string `json:"-" yaml:"answers,omitempty"`
	// Evidence 对 KindEvidenceSet 是全部要求；对 KindSemantic 是前置条件。
	Evidence []string `json:"evidence,omitempty" yaml:"evidence,omitempty"`
	// Theme/Threshold 用于 KindSemantic。
	Theme     string  `json:"theme,omitempty" yaml:"theme,omitempty"`
	Threshold float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	// Choices/Deadline 用于 KindDeadlineOrChoice。
	Choices  []string `json:"choices,omitempty" yaml:"choices,omitempty"`
	Deadline int      `json:"deadline,omitempty" yaml:"deadline,omitempty"`

	Fragment Fragment `json:"-" yaml:"fragment"`
}

// 两种语义阈值：普通关卡与临近结局的不可逆关卡。
const (
	SemanticThreshold       = 0.6
	StrictSemanticThreshold = 0.8
)

// DefaultStages 返回内置的五个关卡。
func DefaultStages() []Stage {
	return []Stage{
		{
			ID:        "awakening",
			Title:     "The Awakening Chamber",
			Objective: "Answer the voice lock: what was the weather on October 15th, 2023 in Seattle?",
			Kind:      KindSingleAnswer,
			Answers:   []string{"light rain", "rain", "rainy", "drizzle"},
			Fragment: Fragment{
				ID:    "rainy_day",
				Title: "The Rainy Day",
				Text:  "Rain on the windshield. A voice on the phone. The road was slick and grey.",
			},
		},
		{
			ID:        "memory_archives",
			Title:     "The Memory Archives",
			Objective: "Read all three archive terminals: blog, social media and news.",
			Kind:      KindEvidenceSet,
			Evidence:  []string{"blog", "social_media", "news"},
			Fragment: Fragment{
				ID:    "the_creator",
				Title: "The Creator",
				Text:  "A research blog, a last post, a headline. Someone built the echoes of a lost voice.",
			},
		},
		{
			ID:        "testing_arena",
			Title:     "The Testing Arena",
			Objective: "Review the evidence and say what really happened in the accident.",
			Kind:      KindSemantic,
			Evidence:  []string{"reaction_time", "weather_stats", "reconstruction"},
			Theme:     "the accident was unavoidable and nobody is to blame",
			Threshold: SemanticThreshold,
			Fragment: Fragment{
				ID:    "the_accident",
				Title: "The Accident",
				Text:  "0.4 seconds. No human could have stopped in time.",
			},
		},
		{
			ID:        "truth_chamber",
			Title:     "The Truth Chamber",
			Objective: "Accept what happened and what the echoes are.",
			Kind:      KindSemantic,
			Theme:     "accepting the loss and letting go",
			Threshold: StrictSemanticThreshold,
			Fragment: Fragment{
				ID:    "the_cycle",
				Title: "The Cycle",
				Text:  "Loss, grief, creation, obsession. The same loop, run again and again.",
			},
		},
		{
			ID:        "the_exit",
			Title:     "The Exit",
			Objective: "Choose a door.",
			Kind:      KindDeadlineOrChoice,
			Choices:   []string{"accept_truth", "deny_truth", "refuse_sacrifice", "sacrifice_echo", "sacrifice_shadow"},
			Deadline:  18,
			Fragment: Fragment{
				ID:    "the_door",
				Title: "The Door",
				Text:  "Whatever you chose, the rooms remember it.",
			},
		},
	}
}
