package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"draftline/internal/domain"
)

// Config models draftline.yml.
type Config struct {
	Server     ServerConfig        `yaml:"server"`
	Limits     LimitsConfig        `yaml:"limits"`
	Dispatch   DispatchConfig      `yaml:"dispatch"`
	Completion CompletionConfig    `yaml:"completion"`
	Agents     []AgentConfig       `yaml:"agents"`
	Routing    []RoutingRuleConfig `yaml:"routing"`
	Logging    LoggingConfig       `yaml:"logging"`
}

type ServerConfig struct {
	Addr                  string          `yaml:"addr"`
	JWTSecret             string          `yaml:"jwt_secret"`
	AllowLegacyUserHeader bool            `yaml:"allow_legacy_user_header"`
	Webhooks              []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type LimitsConfig struct {
	MaxConcurrent     int     `yaml:"max_concurrent"`
	RateWindowSeconds int     `yaml:"rate_window_seconds"`
	RateMaxRequests   int     `yaml:"rate_max_requests"`
	DailyBudgetUSD    float64 `yaml:"daily_budget_usd"`
	TrustBonusMax     int     `yaml:"trust_bonus_max"`
	IdleExpiryMinutes int     `yaml:"idle_expiry_minutes"`
}

type DispatchConfig struct {
	TimeoutSeconds      int `yaml:"timeout_seconds"`
	HistoryWindow       int `yaml:"history_window"`
	ContentExcerptChars int `yaml:"content_excerpt_chars"`
}

type CompletionConfig struct {
	BaseURL             string  `yaml:"base_url"`
	APIKeyEnv           string  `yaml:"api_key_env"`
	Model               string  `yaml:"model"`
	FallbackModel       string  `yaml:"fallback_model"`
	PromptRatePer1K     float64 `yaml:"prompt_rate_per_1k"`
	CompletionRatePer1K float64 `yaml:"completion_rate_per_1k"`
	TimeoutSeconds      int     `yaml:"timeout_seconds"`
	Stub                bool    `yaml:"stub"`
}

type AgentConfig struct {
	Variant          string   `yaml:"variant"`
	Phases           []string `yaml:"phases"`
	ContentTypes     []string `yaml:"content_types"`
	MaxContextLength int      `yaml:"max_context_length"`
	EstimatedCostUSD float64  `yaml:"estimated_cost_usd"`
	Languages        []string `yaml:"languages"`
	Model            string   `yaml:"model"`
}

type RoutingRuleConfig struct {
	Priority    int         `yaml:"priority"`
	Description string      `yaml:"description"`
	Agent       string      `yaml:"agent"`
	When        RoutingWhen `yaml:"when"`
}

type RoutingWhen struct {
	Phase            string `yaml:"phase"`
	ProjectStatus    string `yaml:"project_status"`
	Kind             string `yaml:"kind"`
	MinContentLength int    `yaml:"min_content_length"`
	MaxContentLength int    `yaml:"max_content_length"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Limits.MaxConcurrent <= 0 {
		return fmt.Errorf("config.limits.max_concurrent must be positive")
	}
	if c.Limits.RateWindowSeconds <= 0 {
		return fmt.Errorf("config.limits.rate_window_seconds must be positive")
	}
	if c.Limits.RateMaxRequests <= 0 {
		return fmt.Errorf("config.limits.rate_max_requests must be positive")
	}
	if c.Limits.DailyBudgetUSD < 0 {
		return fmt.Errorf("config.limits.daily_budget_usd cannot be negative")
	}
	if c.Limits.TrustBonusMax < 0 {
		return fmt.Errorf("config.limits.trust_bonus_max cannot be negative")
	}
	if c.Dispatch.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.dispatch.timeout_seconds must be positive")
	}
	if c.Dispatch.HistoryWindow <= 0 {
		return fmt.Errorf("config.dispatch.history_window must be positive")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("config.agents must define at least one agent")
	}
	variants := make(map[string]bool, len(c.Agents))
	covered := make(map[string]bool)
	for _, a := range c.Agents {
		if a.Variant == "" {
			return fmt.Errorf("config.agents contains an entry without a variant name")
		}
		if variants[a.Variant] {
			return fmt.Errorf("agent variant %s defined twice", a.Variant)
		}
		variants[a.Variant] = true
		if len(a.Phases) == 0 {
			return fmt.Errorf("agent %s handles no phases", a.Variant)
		}
		for _, p := range a.Phases {
			if !domain.ValidPhaseType(p) {
				return fmt.Errorf("agent %s references unknown phase %s", a.Variant, p)
			}
			covered[p] = true
		}
		if a.MaxContextLength <= 0 {
			return fmt.Errorf("agent %s needs a positive max_context_length", a.Variant)
		}
		if a.EstimatedCostUSD < 0 {
			return fmt.Errorf("agent %s has a negative estimated_cost_usd", a.Variant)
		}
	}
	for _, p := range domain.PhaseOrder {
		if !covered[p] {
			return fmt.Errorf("no agent covers phase %s", p)
		}
	}
	for i, rule := range c.Routing {
		if rule.Agent == "" {
			return fmt.Errorf("routing rule %d has no target agent", i)
		}
		if !variants[rule.Agent] {
			return fmt.Errorf("routing rule %d targets unknown agent %s", i, rule.Agent)
		}
		if rule.When.Phase != "" && !domain.ValidPhaseType(rule.When.Phase) {
			return fmt.Errorf("routing rule %d matches unknown phase %s", i, rule.When.Phase)
		}
	}
	for i, hook := range c.Server.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has no url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "draftline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8484
  jwt_secret: ""
  allow_legacy_user_header: true

limits:
  max_concurrent: 10
  rate_window_seconds: 60
  rate_max_requests: 30
  daily_budget_usd: 5.00
  trust_bonus_max: 10
  idle_expiry_minutes: 120

dispatch:
  timeout_seconds: 45
  history_window: 10
  content_excerpt_chars: 2000

completion:
  base_url: https://api.openai.com/v1/chat/completions
  api_key_env: DRAFTLINE_COMPLETION_KEY
  model: gpt-4o-mini
  fallback_model: gpt-4o-mini
  prompt_rate_per_1k: 0.00015
  completion_rate_per_1k: 0.0006
  timeout_seconds: 40
  stub: false

agents:
  - variant: ideation
    phases: [IDEATION]
    content_types: [text, markdown]
    max_context_length: 16000
    estimated_cost_usd: 0.02
    languages: [en]
  - variant: refiner
    phases: [REFINEMENT]
    content_types: [text, markdown]
    max_context_length: 24000
    estimated_cost_usd: 0.03
    languages: [en]
  - variant: media
    phases: [MEDIA]
    content_types: [text, markdown]
    max_context_length: 12000
    estimated_cost_usd: 0.02
    languages: [en]
  - variant: factchecker
    phases: [FACTCHECK, REFINEMENT]
    content_types: [text, markdown]
    max_context_length: 32000
    estimated_cost_usd: 0.04
    languages: [en]

routing:
  - priority: 50
    description: long refinement drafts go to the fact checker first
    agent: factchecker
    when:
      phase: REFINEMENT
      min_content_length: 8000

logging:
  level: info
`
