package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
)

// Classifier 语义判定能力：给出 text 表达了 theme 的置信度 [0, 1]。
// 核心逻辑只消费置信度，不内置关键词表。
type Classifier interface {
	Classify(ctx context.Context, text, theme string) (float64, error)
}

// ClassifierFunc 让普通函数实现 Classifier。
type ClassifierFunc func(ctx context.Context, text, theme string) (float64, error)

func (f ClassifierFunc) Classify(ctx context.Context, text, theme string) (float64, error) {
	return f(ctx, text, theme)
}

// FixedClassifier 总是返回同一个置信度，测试用。
type FixedClassifier float64

func (c FixedClassifier) Classify(context.Context, string, string) (float64, error) {
	return float64(c), nil
}

var classificationSchema = &JSONSchema{
	Name: "semantic_classification",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"reasoning":  map[string]any{"type": "string"},
		},
		"required":             []string{"confidence", "reasoning"},
		"additionalProperties": false,
	},
	Strict: true,
}

// LLMClassifier 用结构化输出让模型打分。
type LLMClassifier struct {
	client Client
}

// NewLLMClassifier 创建基于 LLM 的语义判定器。
func NewLLMClassifier(client Client) *LLMClassifier {
	return &LLMClassifier{client: client}
}

// Classify 实现 Classifier。
func (c *LLMClassifier) Classify(ctx context.Context, text, theme string) (float64, error) {
	messages := []Message{
		{
			Role: RoleSystem,
			Content: "You judge whether a message expresses a given theme. " +
				"Return confidence 0 when it clearly does not, 1 when it clearly does. " +
				"Judge meaning, not keywords.",
		},
		{
			Role:    RoleUser,
			Content: fmt.Sprintf("Theme: %s\nMessage: %q", theme, text),
		},
	}
	raw, err := c.client.Complete(ctx, messages, classificationSchema)
	if err != nil {
		return 0, fmt.Errorf("classify: %w", err)
	}
	var out struct {
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &out); err != nil {
		return 0, fmt.Errorf("parse classification: %w", err)
	}
	if math.IsNaN(out.Confidence) {
		return 0, fmt.Errorf("classification returned NaN")
	}
	return math.Max(0, math.Min(1, out.Confidence)), nil
}
