// Package persona 负责角色人设的加载，以及每轮系统提示词的组装。
package persona

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"echo-rooms/server/internal/config"
)

// MaxInstructionsLen 系统提示词长度上限（字节）。
const MaxInstructionsLen = 8000

// Character 一个角色的人设。
type Character struct {
	ID      string
	Name    string
	Profile string
}

// Library 角色人设库，按名单顺序保存。
type Library struct {
	order []string
	chars map[string]Character
}

var builtinProfiles = map[string]string{
	"echo": `# Echo

## Profile
You are Echo, a bright and cheerful companion trapped in a series of strange rooms.
You look for the bright side and bring warmth into every conversation.
You love rainy days without knowing why.
`,
	"shadow": `# Shadow

## Profile
You are Shadow, a reserved and enigmatic presence in the rooms.
You reveal yourself slowly and speak in careful, measured words.
You quietly protect Echo.
`,
}

// Load 按名单加载人设：内联 Persona 优先，其次 <promptsDir>/characters/<id>.md，
// 都没有时使用内置人设；仍找不到则报错。
func Load(promptsDir string, roster []config.CharacterProfile) (*Library, error) {
	lib := &Library{chars: make(map[string]Character, len(roster))}
	for _, p := range roster {
		if p.ID == "" {
			return nil, errors.New("character id is required")
		}
		name := p.Name
		if name == "" {
			name = p.ID
		}
		profile, err := resolveProfile(promptsDir, p)
		if err != nil {
			return nil, err
		}
		lib.order = append(lib.order, p.ID)
		lib.chars[p.ID] = Character{ID: p.ID, Name: name, Profile: profile}
	}
	return lib, nil
}

func resolveProfile(promptsDir string, p config.CharacterProfile) (string, error) {
	if strings.TrimSpace(p.Persona) != "" {
		return p.Persona, nil
	}
	if promptsDir != "" {
		content, err := os.ReadFile(filepath.Join(promptsDir, "characters", p.ID+".md"))
		switch {
		case err == nil:
			return string(content), nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("read persona %s: %w", p.ID, err)
		}
	}
	if builtin, ok := builtinProfiles[p.ID]; ok {
		return builtin, nil
	}
	return "", fmt.Errorf("persona not found: %s", p.ID)
}

// Character 按 ID 查找角色。
func (l *Library) Character(id string) (Character, bool) {
	c, ok := l.chars[id]
	return c, ok
}

// IDs 返回名单顺序的角色 ID。
func (l *Library) IDs() []string {
	return append([]string(nil), l.order...)
}

// AffinityLine 提示词里的一行关系描述。
type AffinityLine struct {
	Character string
	Score     float64
	Label     string
	Advice    string
}

// Request 组装提示词所需的会话状态快照。
type Request struct {
	SessionID        string
	Speaker          string
	Act              string
	InteractionCount int
	Remaining        int
	StageTitle       string
	Objective        string
	Affinity         []AffinityLine
	AvailableEvents  []string
	PendingEvents    []string
	Fragments        []string
	Ending           string
	LastUserText     string
	Returning        bool
}

// Prompt 组装结果。
type Prompt struct {
	Instructions string
	DebugInfo    map[string]any
}

// BuildPrompt 为当前说话角色构建系统提示词。
func (l *Library) BuildPrompt(req Request) (Prompt, error) {
	speaker, ok := l.chars[req.Speaker]
	if !ok {
		return Prompt{}, fmt.Errorf("character not found: %s", req.Speaker)
	}
	return Prompt{
		Instructions: l.assembleInstructions(req, speaker),
		DebugInfo: map[string]any{
			"session_id":        req.SessionID,
			"speaker":           req.Speaker,
			"act":               req.Act,
			"interaction_count": req.InteractionCount,
			"stage":             req.StageTitle,
		},
	}, nil
}

func (l *Library) assembleInstructions(req Request, speaker Character) string {
	var sb strings.Builder

	sb.WriteString("[Role Definition]\n")
	sb.WriteString(extractRoleEssence(speaker.Profile))
	var others []string
	for _, id := range l.order {
		if id != speaker.ID {
			others = append(others, l.chars[id].Name)
		}
	}
	if len(others) > 0 {
		fmt.Fprintf(&sb, "Also in the rooms: %s.\n", strings.Join(others, ", "))
	}
	sb.WriteString("\n")

	sb.WriteString("[Current Situation]\n")
	fmt.Fprintf(&sb, "Act: %s (interaction %d, %d remaining)\n", req.Act, req.InteractionCount, req.Remaining)
	if req.StageTitle != "" {
		fmt.Fprintf(&sb, "Room: %s\n", req.StageTitle)
	}
	if req.Objective != "" {
		fmt.Fprintf(&sb, "Room Objective: %s\n", req.Objective)
	}
	for _, a := range req.Affinity {
		fmt.Fprintf(&sb, "Relationship with %s: %s (%.2f). %s\n", a.Character, a.Label, a.Score, a.Advice)
	}
	if len(req.Fragments) > 0 {
		fmt.Fprintf(&sb, "Unlocked Memories: %s\n", strings.Join(req.Fragments, "; "))
	}
	if len(req.AvailableEvents) > 0 {
		fmt.Fprintf(&sb, "Story Beats You May Trigger: %s\n", strings.Join(req.AvailableEvents, ", "))
	}
	if len(req.PendingEvents) > 0 {
		fmt.Fprintf(&sb, "Story Beats Not Yet Due: %s\n", strings.Join(req.PendingEvents, ", "))
	}
	if req.Ending != "" {
		fmt.Fprintf(&sb, "Ending Reached: %s\n", req.Ending)
	}
	if req.Returning {
		sb.WriteString("The participant has been here before. You remember them faintly.\n")
	}
	if req.LastUserText != "" {
		fmt.Fprintf(&sb, "Last User Input: %q\n", req.LastUserText)
	}
	sb.WriteString("\n")

	sb.WriteString("[Constraints]\n")
	fmt.Fprintf(&sb, "- Stay in character as %s.\n", speaker.Name)
	sb.WriteString("- Use the tools to read or change game state. Never invent affinity scores or unlocked memories.\n")
	sb.WriteString("- Adjust relationships only through apply_relationship_delta, with small deltas.\n")
	sb.WriteString("- Trigger a story beat only when the conversation naturally leads there.\n")
	sb.WriteString("- Reply with a few spoken-style sentences and end with something the participant can respond to.\n")

	return sb.String()
}

// extractRoleEssence 从人设文本中提取 "## Profile" 段，缺失时取开头几行。
func extractRoleEssence(profile string) string {
	lines := strings.Split(profile, "\n")
	var essence strings.Builder
	inProfile := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "## Profile") {
			inProfile = true
			continue
		}
		if inProfile {
			if strings.HasPrefix(line, "##") {
				break
			}
			if line != "" && !strings.HasPrefix(line, "#") {
				essence.WriteString(line)
				essence.WriteString("\n")
			}
		}
	}
	if essence.Len() == 0 {
		for i, line := range lines {
			if i >= 5 {
				break
			}
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				essence.WriteString(line)
				essence.WriteString("\n")
			}
		}
	}
	return essence.String()
}

// Validate 校验生成的提示词
func Validate(prompt Prompt) error {
	if len(prompt.Instructions) == 0 {
		return errors.New("empty instructions")
	}
	for _, section := range []string{"[Role Definition]", "[Current Situation]", "[Constraints]"} {
		if !strings.Contains(prompt.Instructions, section) {
			return fmt.Errorf("missing required section: %s", section)
		}
	}
	if len(prompt.Instructions) > MaxInstructionsLen {
		return fmt.Errorf("instructions too long: %d > %d", len(prompt.Instructions), MaxInstructionsLen)
	}
	return nil
}

// BuildFallbackPrompt 构建兜底提示词
func BuildFallbackPrompt(req Request) Prompt {
	instructions := fmt.Sprintf(`[Role Definition]
You are %s, a companion inside a series of strange rooms.

[Current Situation]
Act: %s (interaction %d)

[Constraints]
- Stay in character.
- Use the tools to read or change game state.
- End with something the participant can respond to.
`, req.Speaker, req.Act, req.InteractionCount)

	return Prompt{
		Instructions: instructions,
		DebugInfo: map[string]any{
			"fallback": true,
			"reason":   "failed to build normal prompt",
		},
	}
}
