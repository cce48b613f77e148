package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Generation Generation `yaml:"generation"`
	Pipeline   Pipeline   `yaml:"pipeline"`
	Automation Automation `yaml:"automation"`
	Ingest     Ingest     `yaml:"ingest"`
	Lock       Lock       `yaml:"lock"`
	Output     Output     `yaml:"output"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
}

// Generation configures the single generation backend and its price table.
type Generation struct {
	Backend           string  `yaml:"backend"`
	Model             string  `yaml:"model"`
	BaseURL           string  `yaml:"base_url"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	MaxAttempts       int     `yaml:"max_attempts"`
	BackoffBaseMS     int     `yaml:"backoff_base_ms"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	Pricing           Pricing `yaml:"pricing"`
	MaxTokens         Tokens  `yaml:"max_tokens"`
}

// Pricing is expressed in USD per million tokens.
type Pricing struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

type Tokens struct {
	Curriculum int `yaml:"curriculum"`
	Content    int `yaml:"content"`
	QuizMin    int `yaml:"quiz_min"`
	QuizMax    int `yaml:"quiz_max"`
	Analysis   int `yaml:"analysis"`
}

type Pipeline struct {
	MinSections       int     `yaml:"min_sections"`
	MaxSections       int     `yaml:"max_sections"`
	CurriculumRetries int     `yaml:"curriculum_retries"`
	StageAttempts     int     `yaml:"stage_attempts"`
	BudgetUSD         float64 `yaml:"budget_usd"`
	Concurrency       int     `yaml:"concurrency"`
	Language          string  `yaml:"language"`
	Audience          string  `yaml:"audience"`
	StaleAfterMinutes int     `yaml:"stale_after_minutes"`
	CategoryID        *int64  `yaml:"category_id"`
	ProviderID        *int64  `yaml:"provider_id"`
}

type Automation struct {
	WebhookURL     string `yaml:"webhook_url"`
	SecretEnv      string `yaml:"secret_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Ingest struct {
	Feeds               []Feed  `yaml:"feeds"`
	MinRelevance        float64 `yaml:"min_relevance"`
	WebhookSecretEnv    string  `yaml:"webhook_secret_env"`
	FetchTimeoutSeconds int     `yaml:"fetch_timeout_seconds"`
	DaysBack            int     `yaml:"days_back"`
}

type Feed struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type Lock struct {
	Backend    string `yaml:"backend"`
	RedisAddr  string `yaml:"redis_addr"`
	TTLMinutes int    `yaml:"ttl_minutes"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Mode  string `yaml:"mode"`
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for courseforge.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "courseforge")
}

// DataDir returns the XDG data directory for courseforge.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "courseforge")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/courseforge/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'courseforge init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the configuration used when no file overrides anything.
func Default() *Config {
	return &Config{
		Generation: Generation{
			Backend:        "anthropic",
			Model:          "claude-sonnet-4-20250514",
			BaseURL:        "https://api.anthropic.com",
			APIKeyEnv:      "ANTHROPIC_API_KEY",
			TimeoutSeconds: 60,
			MaxAttempts:    3,
			BackoffBaseMS:  1000,
			Pricing: Pricing{
				InputPerMillion:  3.0,
				OutputPerMillion: 15.0,
			},
			MaxTokens: Tokens{
				Curriculum: 4000,
				Content:    4000,
				QuizMin:    800,
				QuizMax:    2000,
				Analysis:   800,
			},
		},
		Pipeline: Pipeline{
			MinSections:       3,
			MaxSections:       20,
			CurriculumRetries: 2,
			StageAttempts:     2,
			BudgetUSD:         1.0,
			Concurrency:       2,
			Language:          "English",
			Audience:          "software developers and IT professionals",
			StaleAfterMinutes: 120,
		},
		Automation: Automation{
			SecretEnv:      "AUTOMATION_WEBHOOK_SECRET",
			TimeoutSeconds: 10,
		},
		Ingest: Ingest{
			MinRelevance:        0.6,
			WebhookSecretEnv:    "TREND_WEBHOOK_SECRET",
			FetchTimeoutSeconds: 15,
			DaysBack:            2,
		},
		Lock: Lock{
			Backend:    "memory",
			RedisAddr:  "localhost:6379",
			TTLMinutes: 90,
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Mode: "dev", Level: "info"},
	}
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Generation.Backend) {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("invalid config: unknown generation backend %q", c.Generation.Backend)
	}
	p := c.Pipeline
	if p.MinSections < 1 || p.MaxSections < p.MinSections {
		return fmt.Errorf("invalid config: section bounds %d..%d", p.MinSections, p.MaxSections)
	}
	if p.StageAttempts < 1 {
		return fmt.Errorf("invalid config: stage_attempts must be at least 1")
	}
	if p.CurriculumRetries < 0 {
		return fmt.Errorf("invalid config: curriculum_retries must not be negative")
	}
	if p.BudgetUSD <= 0 {
		return fmt.Errorf("invalid config: budget_usd must be positive")
	}
	switch strings.ToLower(c.Lock.Backend) {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid config: unknown lock backend %q", c.Lock.Backend)
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// Timeout is the hard per-call timeout for the generation endpoint.
func (g Generation) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// StaleAfter is how long a proposal may sit in GENERATING before it is reaped.
func (p Pipeline) StaleAfter() time.Duration {
	return time.Duration(p.StaleAfterMinutes) * time.Minute
}

// TTL is the lease length for the per-proposal lock.
func (l Lock) TTL() time.Duration {
	return time.Duration(l.TTLMinutes) * time.Minute
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
