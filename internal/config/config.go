// Package config handles parley configuration loading. It is also the
// store agents read their definitions from.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Load] when a value is omitted.
const (
	DefaultPort              = 8080
	DefaultMaxToolIterations = 25
	DefaultMaxCallDepth      = 5
	DefaultCallTimeout       = 5 * time.Minute
	DefaultSessionMaxAge     = 24 * time.Hour
	DefaultSweepInterval     = 10 * time.Minute
	DefaultSendQueue         = 256
	DefaultRefineIterations  = 3
	DefaultTopicPrefix       = "parley"
	DefaultInputRateLimit    = 60
)

// Providers a model can be served by.
const (
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/parley/config.yaml,
// /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all parley configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
	DataDir   string          `yaml:"data_dir"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Agents    []AgentConfig   `yaml:"agents"`
	Limits    LimitsConfig    `yaml:"limits"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// ListenConfig is the HTTP/WebSocket gateway bind address.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the host:port to listen on.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// AnthropicConfig holds Anthropic credentials.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig holds OpenAI credentials. BaseURL points at an
// OpenAI-compatible gateway when set.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ModelsConfig lists the models agents may use.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig describes one model.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"`       // ollama, anthropic, openai
	ContextWindow int    `yaml:"context_window"` // tokens; 0 = unknown
}

// AgentConfig defines one agent.
type AgentConfig struct {
	ID           string       `yaml:"id"`
	Name         string       `yaml:"name"`
	Model        string       `yaml:"model"`
	SystemPrompt string       `yaml:"system_prompt"`
	SeedPrompts  []SeedPrompt `yaml:"seed_prompts"`
	// Tools is the agent's tool allow list. Empty allows every tool.
	Tools  []string      `yaml:"tools"`
	Refine *RefineConfig `yaml:"refine"`
}

// SeedPrompt is one message placed between the system prompt and the
// session log in every prompt.
type SeedPrompt struct {
	Role    string `yaml:"role"` // system, user or assistant
	Content string `yaml:"content"`
}

// RefineConfig turns on self-review for an agent: a REFINEMENT_RESPONSE
// with done "no" is resubmitted with its new plan until done, the score
// reaches ScoreThreshold, or MaxIterations turns have run.
type RefineConfig struct {
	MaxIterations  int `yaml:"max_iterations"`
	ScoreThreshold int `yaml:"score_threshold"` // 0-100; 0 disables the score stop
}

// LimitsConfig bounds turn execution and session lifetime.
type LimitsConfig struct {
	MaxToolIterations int           `yaml:"max_tool_iterations"`
	MaxCallDepth      int           `yaml:"max_call_depth"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	SessionMaxAge     time.Duration `yaml:"session_max_age"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	SendQueue         int           `yaml:"send_queue"` // per-observer envelope buffer
}

// MQTTConfig enables the envelope mirror when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	// AcceptInput subscribes to <prefix>/+/input and feeds payloads to
	// the named agent as chat messages.
	AcceptInput bool `yaml:"accept_input"`
	// InputRateLimit caps inbound messages per minute (default 60).
	InputRateLimit int `yaml:"input_rate_limit"`
}

// Configured reports whether the mirror should run.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file, expands ${ENV} references,
// applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes configuration from YAML bytes the same way [Load] does.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a runnable configuration with one local agent.
func Default() *Config {
	cfg := &Config{
		Models: ModelsConfig{
			Default: "qwen3:4b",
			Available: []ModelConfig{
				{Name: "qwen3:4b", Provider: ProviderOllama, ContextWindow: 32768},
			},
		},
		Agents: []AgentConfig{
			{
				ID:           "coordinator",
				Name:         "Coordinator",
				SystemPrompt: "You are a helpful coordinator. Answer briefly.",
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Models.Default == "" && len(c.Models.Available) > 0 {
		c.Models.Default = c.Models.Available[0].Name
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = ProviderOllama
		}
	}
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.Name == "" {
			a.Name = a.ID
		}
		if a.Model == "" {
			a.Model = c.Models.Default
		}
		if a.Refine != nil && a.Refine.MaxIterations <= 0 {
			a.Refine.MaxIterations = DefaultRefineIterations
		}
	}

	l := &c.Limits
	if l.MaxToolIterations <= 0 {
		l.MaxToolIterations = DefaultMaxToolIterations
	}
	if l.MaxCallDepth <= 0 {
		l.MaxCallDepth = DefaultMaxCallDepth
	}
	if l.CallTimeout <= 0 {
		l.CallTimeout = DefaultCallTimeout
	}
	if l.SessionMaxAge <= 0 {
		l.SessionMaxAge = DefaultSessionMaxAge
	}
	if l.SweepInterval <= 0 {
		l.SweepInterval = DefaultSweepInterval
	}
	if l.SendQueue <= 0 {
		l.SendQueue = DefaultSendQueue
	}
	if c.MQTT.InputRateLimit <= 0 {
		c.MQTT.InputRateLimit = DefaultInputRateLimit
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case ProviderOllama, ProviderAnthropic, ProviderOpenAI:
		default:
			errs = append(errs, fmt.Errorf("model %s: unknown provider %q", m.Name, m.Provider))
		}
	}

	if len(c.Agents) == 0 {
		errs = append(errs, errors.New("at least one agent must be configured"))
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if strings.TrimSpace(a.ID) == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("agent %s: duplicate id", a.ID))
		}
		seen[a.ID] = true
		if a.Model == "" {
			errs = append(errs, fmt.Errorf("agent %s: no model and no models.default", a.ID))
		}
		for j, s := range a.SeedPrompts {
			switch s.Role {
			case "system", "user", "assistant":
			default:
				errs = append(errs, fmt.Errorf("agent %s: seed_prompts[%d]: unknown role %q", a.ID, j, s.Role))
			}
		}
		if a.Refine != nil && (a.Refine.ScoreThreshold < 0 || a.Refine.ScoreThreshold > 100) {
			errs = append(errs, fmt.Errorf("agent %s: refine.score_threshold %d out of range 0-100", a.ID, a.Refine.ScoreThreshold))
		}
	}
	return errors.Join(errs...)
}

// Agent returns the definition of the agent with the given ID.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// AgentIDs returns every configured agent ID in file order.
func (c *Config) AgentIDs() []string {
	ids := make([]string, len(c.Agents))
	for i, a := range c.Agents {
		ids[i] = a.ID
	}
	return ids
}

// Model returns the configuration of a named model.
func (c *Config) Model(name string) (ModelConfig, bool) {
	for _, m := range c.Models.Available {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// ContextWindow returns the configured context window of a model. It
// reports false when the model is unknown or has no window set.
func (c *Config) ContextWindow(model string) (int, bool) {
	m, ok := c.Model(model)
	if !ok || m.ContextWindow <= 0 {
		return 0, false
	}
	return m.ContextWindow, true
}

// DataPath returns a path inside the data directory.
func (c *Config) DataPath(name string) string {
	return filepath.Join(c.DataDir, name)
}
