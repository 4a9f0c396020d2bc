// Package narrative 把好感度、关卡、剧情与结局组件绑定为模型可调用的工具集。
//
// 所有 handler 都只修改传入的会话对象；会话的加锁与提交由调用方负责。
package narrative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"echo-rooms/server/internal/affinity"
	"echo-rooms/server/internal/archive"
	"echo-rooms/server/internal/ending"
	"echo-rooms/server/internal/llm"
	"echo-rooms/server/internal/model"
	"echo-rooms/server/internal/puzzle"
	"echo-rooms/server/internal/story"
	"echo-rooms/server/internal/tool"
)

// 工具名。
const (
	ToolGetAffinity          = "get_affinity"
	ToolApplyDelta           = "apply_relationship_delta"
	ToolCheckProgress        = "check_story_progress"
	ToolRecordEvidence       = "record_evidence"
	ToolSubmitAnswer         = "submit_answer"
	ToolCheckSemanticTrigger = "check_semantic_trigger"
	ToolTriggerStoryEvent    = "trigger_story_event"
	ToolRecordChoice         = "record_choice"
	ToolPredictEnding        = "predict_ending"
	ToolShouldTriggerEvent   = "should_trigger_event"
	ToolAnalyzeSentiment     = "analyze_sentiment"
	ToolReadArchive          = "read_archive"
)

// Archive 是 read_archive 使用的按键查询能力。
type Archive interface {
	Lookup(ctx context.Context, source, key string) (*archive.Record, error)
}

// Engine 持有全部叙事组件，本身无会话状态。
type Engine struct {
	Affinity   *affinity.Model
	Tracker    *puzzle.Tracker
	Story      *story.Progression
	Endings    *ending.Resolver
	Classifier llm.Classifier
	// Archive 为空时不注册 read_archive。
	Archive Archive

	// SentimentMin/SentimentMax 是 analyze_sentiment 建议增量的区间。
	SentimentMin float64
	SentimentMax float64

	Logger *slog.Logger
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// NewRegistry 创建注册了全部工具的注册表。
func (e *Engine) NewRegistry() (*tool.ToolRegistry, error) {
	reg := tool.NewToolRegistry()
	if err := e.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// Register 把工具注册到 reg。重名时返回 tool.ErrDuplicateTool。
func (e *Engine) Register(reg *tool.ToolRegistry) error {
	if e.Affinity == nil || e.Tracker == nil || e.Story == nil || e.Endings == nil {
		return errors.New("narrative engine is missing a component")
	}
	roster := strings.Join(e.Affinity.Characters(), ", ")
	eventIDs := make([]string, 0, len(e.Story.Events()))
	for _, ev := range e.Story.Events() {
		eventIDs = append(eventIDs, ev.ID)
	}
	stageIDs := make([]string, 0, len(e.Tracker.Stages()))
	for _, st := range e.Tracker.Stages() {
		stageIDs = append(stageIDs, st.ID)
	}
	stageProp := tool.Prop("string", "Stage id ("+strings.Join(stageIDs, ", ")+"). Defaults to the current stage.")
	characterProp := tool.Prop("string", "Character id: "+roster)

	tools := []struct {
		def     tool.ToolDefinition
		handler tool.Handler
	}{
		{
			def: tool.ToolDefinition{
				Name:        ToolGetAffinity,
				Description: "Get the current relationship score (-1 to 1) with a character, with a label and advice.",
				Parameters:  tool.Object([]string{"character"}, map[string]any{"character": characterProp}),
			},
			handler: e.getAffinity,
		},
		{
			def: tool.ToolDefinition{
				Name:        ToolApplyDelta,
				Description: "Change the relationship with a character by a small delta based on how the participant treated them.",
				Parameters: tool.Object([]string{"character", "delta"}, map[string]any{
					"character": characterProp,
					"delta": map[string]any{
						"type":        "number",
						"description": "Relationship change, typically between -0.1 and 0.1.",
						"minimum":     -0.3,
						"maximum":     0.3,
					},
					"reason": tool.Prop("string", "Short reason for the change."),
				}),
			},
			handler: e.applyDelta,
		},
		{
			def: tool.ToolDefinition{
				Name:        ToolCheckProgress,
				Description: "Get the current act, interaction count, triggered and available story events, and puzzle progress.",
				Parameters:  tool.Object(nil, map[string]any{}),
			},
			handler: e.checkProgress,
		},
		{
			def: tool.ToolDefinition{
				Name:        ToolRecordEvidence,
				Description: "Record that the participant has observed a clue. Recording the same clue twice has no extra effect.",
				Parameters: tool.Object([]string{"evidence_id"}, map[string]any{
					"evidence_id": tool.Prop("string", "Clue id, such as blog, social_media or news."),
					"stage":       stageProp,
				}),
			},
			handler: e.recordEvidence,
		},
		{
			def: tool.ToolDefinition{
				Name:        ToolSubmitAnswer,
				Description: "Check the participant's answer to the current room's puzzle. Matching is forgiving of wording and typos.",
				Parameters: tool.Object([]string{"answer"}, map[string]any{
					"answer": tool.Prop("string", "The participant's answer, verbatim."),
					"stage":  stageProp,
				}),
			},
			handler: e.submitAnswer,
		},
		{
			def: tool.ToolDefinition{
				Name:        ToolCheckSemanticTrigger,
				Description: "Check whether the participant's latest message expresses a theme. Returns matched and a confidence between 0 and 1.",
				Parameters: tool.Object([]string{"text"}, map[string]any{
					"text":  tool.Prop("string", "The participant's latest message."),
					"theme": tool.Prop("string", "Theme to test. Defaults to the current room's theme."),
					"stage": stageProp,
				}),
			},
			handler: e.checkSemanticTrigger,
		},
		{
			def: tool.ToolDefinition{
				Name:        ToolTriggerStoryEvent,
				Description: "Trigger a story beat now. Only allowed once the beat is available.",
				Parameters: tool.Object([]string{"event_id"}, map[string]any{
					"event_id": tool.Prop("string", "Story event id: "+strings.Join(eventIDs, ", ")),
				}),
			},
			handler: e.triggerStoryEvent,
		},
		{
			def: tool.ToolDefinition{
				Name:        ToolRecordChoice,
				Description: "Record a key decision the participant made, such as accept_truth or refuse_sacrifice.",
				Parameters: tool.Object([]string{"choice"}, map[string]any{
					"choice": map[string]any{"type": "string", "description": "Choice token.", "minLength": 1},
				}),
			},
			handler: e.recordChoice,
		},
		{
			def: tool.ToolDefinition{
				Name:        ToolPredictEnding,
				Description: "Predict the most likely ending from the current relationships and choices. Read-only.",
				Parameters:  tool.Object(nil, map[string]any{}),
			},
			handler: e.predictEnding,
		},
		{
			def: tool.ToolDefinition{
				Name:        ToolShouldTriggerEvent,
				Description: "Ask whether now is a good moment to trigger a story beat. Read-only.",
				Parameters: tool.Object([]string{"event_id"}, map[string]any{
					"event_id": tool.Prop("string", "Story event id: "+strings.Join(eventIDs, ", ")),
				}),
			},
			handler: e.shouldTriggerEvent,
		},
		{
			def: tool.ToolDefinition{
				Name:        ToolAnalyzeSentiment,
				Description: "Estimate how warmly the participant is treating a character and recommend a relationship delta. Does not change anything.",
				Parameters: tool.Object([]string{"text", "character"}, map[string]any{
					"text":      tool.Prop("string", "The participant's message."),
					"character": characterProp,
				}),
			},
			handler: e.analyzeSentiment,
		},
	}
	if e.Archive != nil {
		tools = append(tools, struct {
			def     tool.ToolDefinition
			handler tool.Handler
		}{
			def: tool.ToolDefinition{
				Name:        ToolReadArchive,
				Description: "Look up an archived record, such as historical weather or a web page, and mark its clue as observed.",
				Parameters: tool.Object([]string{"source", "key"}, map[string]any{
					"source": tool.Prop("string", "Archive source: weather, blog, social_media, news or lab."),
					"key":    tool.Prop("string", `Record key, for example "2023-10-15 seattle".`),
				}),
			},
			handler: e.readArchive,
		})
	}

	for _, t := range tools {
		if err := reg.Register(t.def, t.handler); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) getAffinity(_ context.Context, sess *model.Session, args map[string]any) (any, error) {
	character := tool.String(args, "character")
	score, err := e.Affinity.Get(sess, character)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"character": character,
		"score":     score,
		"label":     affinity.Label(score),
		"advice":    affinity.Advice(score),
	}, nil
}

func (e *Engine) applyDelta(_ context.Context, sess *model.Session, args map[string]any) (any, error) {
	character := tool.String(args, "character")
	delta, _ := tool.Float(args, "delta")
	before, err := e.Affinity.Get(sess, character)
	if err != nil {
		return nil, err
	}
	after, err := e.Affinity.ApplyDelta(sess, character, delta)
	if err != nil {
		return nil, err
	}
	e.logger().Debug("affinity changed",
		"session_id", sess.SessionID,
		"character", character,
		"before", before,
		"after", after,
		"reason", tool.String(args, "reason"),
	)
	return map[string]any{
		"character": character,
		"previous":  before,
		"score":     after,
		"label":     affinity.Label(after),
	}, nil
}

// Progress 是 check_story_progress 的返回值。
type Progress struct {
	Story        story.Status    `json:"story"`
	CurrentStage string          `json:"current_stage"`
	Objective    string          `json:"objective,omitempty"`
	Stages       []puzzle.Result `json:"stages"`
	Fragments    []string        `json:"fragments,omitempty"`
	Choices      []string        `json:"choices,omitempty"`
	Ending       string          `json:"ending,omitempty"`
}

// CheckProgress 汇总会话进度。
func (e *Engine) CheckProgress(sess *model.Session) Progress {
	current := e.Tracker.Current(sess)
	p := Progress{
		Story:        e.Story.Status(sess),
		CurrentStage: current,
		Stages:       e.Tracker.Progress(sess),
		Fragments:    e.FragmentTitles(sess),
		Choices:      slices.Clone(sess.Choices),
	}
	if st, err := e.Tracker.Stage(current); err == nil {
		p.Objective = st.Objective
	}
	if sess.Ending != nil {
		p.Ending = sess.Ending.Tag
	}
	return p
}

func (e *Engine) checkProgress(_ context.Context, sess *model.Session, _ map[string]any) (any, error) {
	return e.CheckProgress(sess), nil
}

// FragmentTitles 把已揭示的碎片 ID 转为标题。
func (e *Engine) FragmentTitles(sess *model.Session) []string {
	titles := make(map[string]string)
	for _, st := range e.Tracker.Stages() {
		if st.Fragment.ID != "" {
			titles[st.Fragment.ID] = st.Fragment.Title
		}
	}
	out := make([]string, 0, len(sess.Fragments))
	for _, id := range sess.Fragments {
		if t, ok := titles[id]; ok && t != "" {
			out = append(out, t)
		} else {
			out = append(out, id)
		}
	}
	return out
}

func (e *Engine) recordEvidence(_ context.Context, sess *model.Session, args map[string]any) (any, error) {
	return e.Tracker.RecordObservation(sess, tool.String(args, "stage"), tool.String(args, "evidence_id"))
}

func (e *Engine) submitAnswer(_ context.Context, sess *model.Session, args map[string]any) (any, error) {
	return e.Tracker.SubmitAnswer(sess, tool.String(args, "stage"), tool.String(args, "answer"))
}

// SemanticResult 是 check_semantic_trigger 的返回值。
type SemanticResult struct {
	Theme      string         `json:"theme"`
	Matched    bool           `json:"matched"`
	Confidence float64        `json:"confidence"`
	Threshold  float64        `json:"threshold"`
	Gate       *puzzle.Result `json:"gate,omitempty"`
}

func (e *Engine) checkSemanticTrigger(ctx context.Context, sess *model.Session, args map[string]any) (any, error) {
	if e.Classifier == nil {
		return nil, errors.New("semantic classifier is not configured")
	}
	stageID := tool.String(args, "stage")
	st, err := e.Tracker.Stage(e.stageOrCurrent(sess, stageID))
	if err != nil {
		return nil, err
	}
	theme := strings.TrimSpace(tool.String(args, "theme"))
	gateTheme := st.Kind == puzzle.KindSemantic && (theme == "" || strings.EqualFold(theme, st.Theme))
	if theme == "" {
		if st.Kind != puzzle.KindSemantic {
			return nil, tool.InvalidArgs("stage %q has no theme; pass theme explicitly", st.ID)
		}
		theme = st.Theme
	}

	confidence, err := e.Classifier.Classify(ctx, tool.String(args, "text"), theme)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	confidence = affinity.Clamp(confidence, 0, 1)

	res := SemanticResult{Theme: theme, Confidence: confidence, Threshold: puzzle.SemanticThreshold}
	if gateTheme {
		res.Threshold = st.Threshold
		gate, err := e.Tracker.SubmitConfidence(sess, st.ID, confidence)
		if err != nil {
			return nil, err
		}
		res.Gate = &gate
	}
	res.Matched = confidence >= res.Threshold
	return res, nil
}

func (e *Engine) stageOrCurrent(sess *model.Session, stage string) string {
	if strings.TrimSpace(stage) == "" {
		return e.Tracker.Current(sess)
	}
	return stage
}

func (e *Engine) triggerStoryEvent(_ context.Context, sess *model.Session, args map[string]any) (any, error) {
	ev, err := e.Story.TriggerEvent(sess, tool.String(args, "event_id"))
	if err != nil {
		return nil, err
	}
	e.logger().Info("story event triggered", "session_id", sess.SessionID, "event_id", ev.ID, "interaction", sess.InteractionCount)
	return map[string]any{
		"event_id":  ev.ID,
		"title":     ev.Title,
		"narrative": ev.Narrative,
		"triggered": true,
	}, nil
}

func (e *Engine) recordChoice(_ context.Context, sess *model.Session, args map[string]any) (any, error) {
	choice := strings.TrimSpace(tool.String(args, "choice"))
	if choice == "" {
		return nil, tool.InvalidArgs("choice must not be blank")
	}
	sess.Choices = append(sess.Choices, choice)
	gate, err := e.Tracker.Check(sess, "")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"choice":  choice,
		"choices": slices.Clone(sess.Choices),
		"gate":    gate,
	}, nil
}

func (e *Engine) predictEnding(_ context.Context, sess *model.Session, _ map[string]any) (any, error) {
	return e.Endings.Predict(sess, e.Affinity.Snapshot(sess)), nil
}

func (e *Engine) shouldTriggerEvent(_ context.Context, sess *model.Session, args map[string]any) (any, error) {
	return e.Story.ShouldTrigger(sess, tool.String(args, "event_id"), AverageAffinity(e.Affinity.Snapshot(sess)))
}

// AverageAffinity 返回快照平均值，空快照为 0。
func AverageAffinity(snapshot map[string]float64) float64 {
	if len(snapshot) == 0 {
		return 0
	}
	var sum float64
	for _, v := range snapshot {
		sum += v
	}
	return sum / float64(len(snapshot))
}

// SentimentResult 是 analyze_sentiment 的返回值。
type SentimentResult struct {
	Character        string  `json:"character"`
	Positivity       float64 `json:"positivity"`
	RecommendedDelta float64 `json:"recommended_delta"`
	Current          float64 `json:"current"`
	Label            string  `json:"label"`
}

func (e *Engine) analyzeSentiment(ctx context.Context, sess *model.Session, args map[string]any) (any, error) {
	if e.Classifier == nil {
		return nil, errors.New("semantic classifier is not configured")
	}
	character := tool.String(args, "character")
	current, err := e.Affinity.Get(sess, character)
	if err != nil {
		return nil, err
	}
	theme := fmt.Sprintf("the participant is warm, kind and positive toward %s", character)
	positivity, err := e.Classifier.Classify(ctx, tool.String(args, "text"), theme)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	positivity = affinity.Clamp(positivity, 0, 1)
	return SentimentResult{
		Character:        character,
		Positivity:       positivity,
		RecommendedDelta: e.SentimentDelta(positivity),
		Current:          current,
		Label:            affinity.Label(current),
	}, nil
}

// SentimentDelta 把 [0,1] 的正面程度线性映射到 [SentimentMin, SentimentMax]。
func (e *Engine) SentimentDelta(positivity float64) float64 {
	lo, hi := e.SentimentMin, e.SentimentMax
	if lo == 0 && hi == 0 {
		lo, hi = -0.08, 0.05
	}
	d := lo + affinity.Clamp(positivity, 0, 1)*(hi-lo)
	return math.Round(d*1000) / 1000
}

// ArchiveResult 是 read_archive 的返回值。
type ArchiveResult struct {
	Record *archive.Record `json:"record"`
	Gate   *puzzle.Result  `json:"gate,omitempty"`
}

func (e *Engine) readArchive(ctx context.Context, sess *model.Session, args map[string]any) (any, error) {
	rec, err := e.Archive.Lookup(ctx, tool.String(args, "source"), tool.String(args, "key"))
	if err != nil {
		return nil, err
	}
	out := ArchiveResult{Record: rec}
	if rec.Evidence == "" {
		return out, nil
	}
	gate, err := e.Tracker.RecordObservation(sess, e.stageForEvidence(sess, rec.Evidence), rec.Evidence)
	if err != nil {
		return nil, err
	}
	out.Gate = &gate
	return out, nil
}

// stageForEvidence 返回第一个需要该线索且未满足的关卡，没有则为当前关卡。
func (e *Engine) stageForEvidence(sess *model.Session, evidenceID string) string {
	for _, st := range e.Tracker.Stages() {
		if slices.Contains(st.Evidence, evidenceID) && !e.Tracker.IsSatisfied(sess, st.ID) {
			return st.ID
		}
	}
	return e.Tracker.Current(sess)
}
