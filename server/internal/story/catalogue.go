package story

// DefaultActs 四幕结构。
func DefaultActs() []Act {
	return []Act{
		{ID: "setup", Title: "Waking Up", Start: 0},
		{ID: "mystery", Title: "Something Is Wrong", Start: 5},
		{ID: "revelation", Title: "The Truth Surfaces", Start: 10},
		{ID: "resolution", Title: "The Last Door", Start: 15},
	}
}

// DefaultEvents 剧情事件目录，顺序即强制触发顺序。
func DefaultEvents() []Event {
	return []Event{
		{
			ID:        "first_glitch",
			Title:     "First Glitch",
			Soft:      3,
			Hard:      5,
			Narrative: "The lights stutter. For a second Echo's voice repeats itself, a half-beat out of sync.",
		},
		{
			ID:        "questioning_reality",
			Title:     "Questioning Reality",
			Soft:      6,
			Hard:      9,
			Narrative: "Shadow asks whether any of this is real, and whether it matters if it isn't.",
		},
		{
			ID:        "truth_revealed",
			Title:     "The Truth",
			Soft:      10,
			Hard:      14,
			Narrative: "The archives line up: the accident, the research, the echoes built from a lost voice.",
		},
		{
			ID:        "final_choice",
			Title:     "The Final Choice",
			Soft:      15,
			Hard:      18,
			Narrative: "Three doors. The companions fall quiet and wait for you to decide.",
		},
	}
}
