package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"echo-rooms/server/internal/ending"
	"echo-rooms/server/internal/puzzle"
	"echo-rooms/server/internal/story"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	LLM          LLMConfig          `yaml:"llm"`
	Characters   []CharacterProfile `yaml:"characters"`
	Story        StoryConfig        `yaml:"story"`
	Puzzle       PuzzleConfig       `yaml:"puzzle"`
	Ending       ending.Options     `yaml:"ending"`
	Affinity     AffinityConfig     `yaml:"affinity"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Session      SessionConfig      `yaml:"session"`
	Memory       MemoryConfig       `yaml:"memory"`
	Logging      LoggingConfig      `yaml:"logging"`
	Paths        PathsConfig        `yaml:"paths"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// TurnTimeout 是单轮对话（含所有模型调用）的最长时间。
	TurnTimeout time.Duration `yaml:"turn_timeout"`
	// AllowedOrigins 是 CORS 与 WebSocket 允许的来源。
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr 返回监听地址。
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig 模型推理配置
type LLMConfig struct {
	Provider  string            `yaml:"provider"` // "openai" or "anthropic"
	OpenAI    LLMProviderConfig `yaml:"openai"`
	Anthropic LLMProviderConfig `yaml:"anthropic"`
}

// LLMProviderConfig LLM 提供商配置
type LLMProviderConfig struct {
	APIKey      string        `yaml:"api_key"`
	APIURL      string        `yaml:"api_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Active 返回当前 provider 的配置。
func (l LLMConfig) Active() LLMProviderConfig {
	if l.Provider == "anthropic" {
		return l.Anthropic
	}
	return l.OpenAI
}

// CharacterProfile 角色名单中的一项。
type CharacterProfile struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// Persona 内联人设，为空时从 Paths.Prompts 加载。
	Persona string `yaml:"persona"`
}

type StoryConfig struct {
	SessionLength     int           `yaml:"session_length"`
	TerminalThreshold int           `yaml:"terminal_threshold"`
	MinAffinity       float64       `yaml:"min_affinity"`
	Acts              []story.Act   `yaml:"acts"`
	Events            []story.Event `yaml:"events"`
}

type PuzzleConfig struct {
	MinSimilarity float64        `yaml:"min_similarity"`
	Stages        []puzzle.Stage `yaml:"stages"`
}

type AffinityConfig struct {
	MaxDelta     float64 `yaml:"max_delta"`
	DecayPerHour float64 `yaml:"decay_per_hour"`
	// SentimentMin/SentimentMax 是情感分析建议增量的区间。
	SentimentMin float64 `yaml:"sentiment_min"`
	SentimentMax float64 `yaml:"sentiment_max"`
}

type OrchestratorConfig struct {
	MaxIterations  int    `yaml:"max_iterations"`
	HistoryWindow  int    `yaml:"history_window"`
	FallbackReply  string `yaml:"fallback_reply"`
	DefaultSpeaker string `yaml:"default_speaker"`
}

type SessionConfig struct {
	// Driver: "memory" | "sqlite"
	Driver   string        `yaml:"driver"`
	DSN      string        `yaml:"dsn"`
	MaxIdle  time.Duration `yaml:"max_idle"`
	Timeline bool          `yaml:"timeline"`
}

type MemoryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Windows 是各结局对应的记忆保留时长。
	Windows map[string]time.Duration `yaml:"windows"`
	// DefaultWindow 用于未结束的会话。
	DefaultWindow time.Duration `yaml:"default_window"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type PathsConfig struct {
	Prompts string `yaml:"prompts"`
	Archive string `yaml:"archive"`
}

// EnvOverrides 环境变量覆盖项，优先级高于配置文件。
type EnvOverrides struct {
	LLMProvider     string `env:"ECHO_ROOMS_LLM_PROVIDER"`
	LLMModel        string `env:"ECHO_ROOMS_LLM_MODEL"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	SessionDriver   string `env:"ECHO_ROOMS_SESSION_DRIVER"`
	SessionDSN      string `env:"ECHO_ROOMS_SESSION_DSN"`
	LogLevel        string `env:"ECHO_ROOMS_LOG_LEVEL"`
	LogFile         string `env:"ECHO_ROOMS_LOG_FILE"`
	Port            int    `env:"ECHO_ROOMS_PORT"`
}

// ParseEnv 从环境变量读取覆盖项。
func ParseEnv() (EnvOverrides, error) {
	var o EnvOverrides
	if err := env.Parse(&o); err != nil {
		return EnvOverrides{}, fmt.Errorf("parse env: %w", err)
	}
	return o, nil
}

// Apply 把非空覆盖项写入配置。
func (o EnvOverrides) Apply(cfg *Config) {
	if o.LLMProvider != "" {
		cfg.LLM.Provider = o.LLMProvider
	}
	if o.LLMModel != "" {
		switch cfg.LLM.Provider {
		case "anthropic":
			cfg.LLM.Anthropic.Model = o.LLMModel
		default:
			cfg.LLM.OpenAI.Model = o.LLMModel
		}
	}
	if o.OpenAIAPIKey != "" {
		cfg.LLM.OpenAI.APIKey = o.OpenAIAPIKey
	}
	if o.AnthropicAPIKey != "" {
		cfg.LLM.Anthropic.APIKey = o.AnthropicAPIKey
	}
	if o.SessionDriver != "" {
		cfg.Session.Driver = o.SessionDriver
	}
	if o.SessionDSN != "" {
		cfg.Session.DSN = o.SessionDSN
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.LogFile != "" {
		cfg.Logging.File = o.LogFile
	}
	if o.Port != 0 {
		cfg.Server.Port = o.Port
	}
}

// Load 从文件加载配置。path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	overrides, err := ParseEnv()
	if err != nil {
		return nil, err
	}
	overrides.Apply(&cfg)

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Default 返回只含默认值的配置。
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults 为未设置的字段填默认值。
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 120 * time.Second
	}
	if c.Server.TurnTimeout == 0 {
		c.Server.TurnTimeout = 90 * time.Second
	}
	if c.Server.AllowedOrigins == nil {
		c.Server.AllowedOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIURL == "" {
		c.LLM.OpenAI.APIURL = "https://api.openai.com/v1"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.Anthropic.APIURL == "" {
		c.LLM.Anthropic.APIURL = "https://api.anthropic.com/v1"
	}
	if c.LLM.Anthropic.Model == "" {
		c.LLM.Anthropic.Model = "claude-3-5-haiku-latest"
	}
	for _, p := range []*LLMProviderConfig{&c.LLM.OpenAI, &c.LLM.Anthropic} {
		if p.MaxTokens == 0 {
			p.MaxTokens = 1024
		}
		if p.Temperature == 0 {
			p.Temperature = 0.8
		}
		if p.Timeout == 0 {
			p.Timeout = 30 * time.Second
		}
	}

	if len(c.Characters) == 0 {
		c.Characters = []CharacterProfile{
			{ID: "echo", Name: "Echo"},
			{ID: "shadow", Name: "Shadow"},
		}
	}

	if c.Story.SessionLength == 0 {
		c.Story.SessionLength = 20
	}
	if c.Story.TerminalThreshold == 0 {
		c.Story.TerminalThreshold = 18
	}
	if c.Story.MinAffinity == 0 {
		c.Story.MinAffinity = -0.2
	}
	if c.Ending.TerminalThreshold == 0 {
		c.Ending.TerminalThreshold = c.Story.TerminalThreshold
	}

	if c.Puzzle.MinSimilarity == 0 {
		c.Puzzle.MinSimilarity = puzzle.DefaultMinSimilarity
	}

	if c.Affinity.MaxDelta == 0 {
		c.Affinity.MaxDelta = 0.3
	}
	if c.Affinity.DecayPerHour == 0 {
		c.Affinity.DecayPerHour = 0.1
	}
	if c.Affinity.SentimentMin == 0 {
		c.Affinity.SentimentMin = -0.08
	}
	if c.Affinity.SentimentMax == 0 {
		c.Affinity.SentimentMax = 0.05
	}

	if c.Orchestrator.MaxIterations == 0 {
		c.Orchestrator.MaxIterations = 5
	}
	if c.Orchestrator.HistoryWindow == 0 {
		c.Orchestrator.HistoryWindow = 12
	}
	if c.Orchestrator.FallbackReply == "" {
		c.Orchestrator.FallbackReply = "...the lights flicker. Say that again?"
	}
	if c.Orchestrator.DefaultSpeaker == "" {
		c.Orchestrator.DefaultSpeaker = c.Characters[0].ID
	}

	if c.Session.Driver == "" {
		c.Session.Driver = "memory"
	}
	if c.Session.Driver == "sqlite" && c.Session.DSN == "" {
		c.Session.DSN = "echo-rooms.db"
	}

	if c.Memory.Windows == nil {
		c.Memory.Windows = map[string]time.Duration{
			ending.DeepBond:  60 * time.Minute,
			ending.SaveAll:   120 * time.Minute,
			ending.Reset:     10 * time.Minute,
			ending.Sacrifice: 30 * time.Minute,
			ending.Goodbye:   15 * time.Minute,
		}
	}
	if c.Memory.DefaultWindow == 0 {
		c.Memory.DefaultWindow = 30 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("unsupported LLM provider: %s", c.LLM.Provider))
	}
	seen := make(map[string]bool, len(c.Characters))
	for _, ch := range c.Characters {
		if ch.ID == "" {
			errs = append(errs, errors.New("character id is required"))
		}
		if seen[ch.ID] {
			errs = append(errs, fmt.Errorf("duplicate character %q", ch.ID))
		}
		seen[ch.ID] = true
	}
	if !seen[c.Orchestrator.DefaultSpeaker] {
		errs = append(errs, fmt.Errorf("default speaker %q is not in the roster", c.Orchestrator.DefaultSpeaker))
	}
	if c.Orchestrator.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.max_iterations must be >= 1, got %d", c.Orchestrator.MaxIterations))
	}
	if c.Story.TerminalThreshold < 1 {
		errs = append(errs, fmt.Errorf("story.terminal_threshold must be >= 1, got %d", c.Story.TerminalThreshold))
	}
	for name, v := range map[string]float64{
		"ending.high_bar":        c.Ending.HighBar,
		"ending.mid_bar":         c.Ending.MidBar,
		"ending.low_bar":         c.Ending.LowBar,
		"story.min_affinity":     c.Story.MinAffinity,
		"affinity.sentiment_min": c.Affinity.SentimentMin,
		"affinity.sentiment_max": c.Affinity.SentimentMax,
	} {
		if v < -1 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [-1, 1], got %v", name, v))
		}
	}
	if c.Affinity.SentimentMin > c.Affinity.SentimentMax {
		errs = append(errs, errors.New("affinity.sentiment_min must not exceed sentiment_max"))
	}
	switch c.Session.Driver {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown session driver: %s", c.Session.Driver))
	}
	return errors.Join(errs...)
}

// CharacterIDs 返回角色 ID 列表。
func (c *Config) CharacterIDs() []string {
	ids := make([]string, 0, len(c.Characters))
	for _, ch := range c.Characters {
		ids = append(ids, ch.ID)
	}
	return ids
}
