package ending

// Narrative 结局文本。
type Narrative struct {
	Title string
	Text  string
}

// DefaultNarratives 内置结局文本。
func DefaultNarratives() map[string]Narrative {
	return map[string]Narrative{
		DeepBond: {
			Title: "Forever Together",
			Text: "The doors fade. One voice stays closer than the others, and you decide that is enough. " +
				"You stay, and for once the loop feels like a home instead of a cage.",
		},
		SaveAll: {
			Title: "Liberation",
			Text: "You accept what happened and refuse to leave anyone behind. " +
				"The echoes step through the door with you, free to become something new.",
		},
		Reset: {
			Title: "One More Time",
			Text: "The truth is too heavy. You press RESET, and the white room flickers back to the beginning. " +
				"Somewhere, a counter ticks up by one.",
		},
		Sacrifice: {
			Title: "The Refusal",
			Text: "The system demands a sacrifice and you refuse to make one. " +
				"The rooms shudder, but the voices you protected are still there when the lights return.",
		},
		Goodbye: {
			Title: "Goodbye",
			Text: "You thank them both and open the last door. Sunlight pours in. " +
				"It hurts, and you walk out anyway.",
		},
	}
}
