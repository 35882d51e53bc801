// Package config layers application configuration: compiled defaults,
// then the JSON config file, then STENO_* environment variables, then
// command-line flags.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/stenohq/steno/internal/errkind"
)

// Config holds all application configuration.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	HomeDir  string `json:"home_dir"`
	DBPath   string `json:"-"`
	LogLevel string `json:"log_level"`

	CursorSecret string `json:"cursor_secret,omitempty"`

	// ParserPlugins lists external parser modules loaded at startup.
	// Load failures log a warning and do not abort.
	ParserPlugins []string `json:"parser_plugins,omitempty"`

	// Canonicalizer knobs.
	TaggingBudgetTokens         int     `json:"tagging_budget_tokens"`
	InsightsBudgetTokens        int     `json:"insights_budget_tokens"`
	ExportBudgetTokens          int     `json:"export_budget_tokens"`
	RegenerationThresholdTokens int     `json:"regeneration_threshold_tokens"`
	ChildBudgetFraction         float64 `json:"child_budget_fraction"`
	ContentTruncateLen          int     `json:"content_truncate_len"`

	// Hierarchy linkage.
	MaxLinkingAttempts int `json:"max_linking_attempts"`

	// Watch daemon defaults.
	WatchDebounce  time.Duration `json:"-"`
	RetryBase      time.Duration `json:"-"`
	MaxRetries     int           `json:"max_retries"`
	WatchDebounceS int           `json:"watch_debounce_seconds"`
	RetryBaseS     int           `json:"retry_base_seconds"`

	// Background workers.
	WorkerCount         int     `json:"worker_count"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`

	// LLM provider. API keys come from the environment only
	// (STENO_ANTHROPIC_API_KEY, STENO_OPENAI_API_KEY).
	LLMProvider     string  `json:"llm_provider"`
	LLMModel        string  `json:"llm_model"`
	LLMBaseURL      string  `json:"llm_base_url,omitempty"`
	LLMCLICommand   string  `json:"llm_cli_command,omitempty"`
	LLMRatePerMin   float64 `json:"llm_rate_per_minute"`
	AnthropicAPIKey string  `json:"-"`
	OpenAIAPIKey    string  `json:"-"`

	WriteTimeout time.Duration `json:"-"`
	LLMTimeout   time.Duration `json:"-"`
	DaemonOpTimeout time.Duration `json:"-"`
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf("determining home directory: %w", err)
	}
	homeDir := filepath.Join(home, ".steno")
	if v := os.Getenv("STENO_HOME"); v != "" {
		homeDir = v
	}
	return Config{
		Host:     "127.0.0.1",
		Port:     8080,
		HomeDir:  homeDir,
		DBPath:   filepath.Join(homeDir, "steno.db"),
		LogLevel: "info",

		TaggingBudgetTokens:         8000,
		InsightsBudgetTokens:        12000,
		ExportBudgetTokens:          20000,
		RegenerationThresholdTokens: 2000,
		ChildBudgetFraction:         0.30,
		ContentTruncateLen:          500,

		MaxLinkingAttempts: 10,

		WatchDebounce: time.Second,
		RetryBase:     5 * time.Minute,
		MaxRetries:    3,

		WorkerCount:         4,
		ConfidenceThreshold: 0.5,

		LLMProvider:   "anthropic",
		LLMModel:      "claude-sonnet-4-5",
		LLMRatePerMin: 30,

		WriteTimeout:    30 * time.Second,
		LLMTimeout:      60 * time.Second,
		DaemonOpTimeout: 10 * time.Second,
	}, nil
}

// Load builds a Config by layering: defaults < config file < env < the
// overrides map built from parsed flags. Only explicitly set flags should
// appear in overrides.
func Load(configPath string, overrides map[string]string) (Config, error) {
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}

	if err := cfg.loadFile(configPath); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	cfg.loadEnv()
	cfg.applyOverrides(overrides)

	cfg.DBPath = filepath.Join(cfg.HomeDir, "steno.db")
	if err := cfg.ensureCursorSecret(); err != nil {
		return cfg, fmt.Errorf("ensuring cursor secret: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) configPath() string {
	return filepath.Join(c.HomeDir, "config.json")
}

func (c *Config) loadFile(path string) error {
	if path == "" {
		path = c.configPath()
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if c.WatchDebounceS > 0 {
		c.WatchDebounce = time.Duration(c.WatchDebounceS) * time.Second
	}
	if c.RetryBaseS > 0 {
		c.RetryBase = time.Duration(c.RetryBaseS) * time.Second
	}
	return nil
}

func (c *Config) loadEnv() {
	if v := os.Getenv("STENO_HOME"); v != "" {
		c.HomeDir = v
	}
	if v := os.Getenv("STENO_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("STENO_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("STENO_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("STENO_LLM_PROVIDER"); v != "" {
		c.LLMProvider = v
	}
	if v := os.Getenv("STENO_LLM_MODEL"); v != "" {
		c.LLMModel = v
	}
	if v := os.Getenv("STENO_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkerCount = n
		}
	}
	c.AnthropicAPIKey = os.Getenv("STENO_ANTHROPIC_API_KEY")
	c.OpenAIAPIKey = os.Getenv("STENO_OPENAI_API_KEY")
}

// applyOverrides installs explicitly set flag values, the highest layer.
func (c *Config) applyOverrides(overrides map[string]string) {
	for key, v := range overrides {
		switch key {
		case "host":
			c.Host = v
		case "port":
			if port, err := strconv.Atoi(v); err == nil {
				c.Port = port
			}
		case "home":
			c.HomeDir = v
		case "log-level":
			c.LogLevel = v
		case "workers":
			if n, err := strconv.Atoi(v); err == nil {
				c.WorkerCount = n
			}
		}
	}
}

// Validate rejects configurations no component can run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errkind.Newf(errkind.InvalidArgument, "unknown log level %q", c.LogLevel)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errkind.Newf(errkind.InvalidArgument, "port %d out of range", c.Port)
	}
	for _, budget := range []int{
		c.TaggingBudgetTokens, c.InsightsBudgetTokens, c.ExportBudgetTokens,
	} {
		if budget <= 0 {
			return errkind.New(errkind.InvalidArgument, "token budgets must be positive")
		}
	}
	if c.RegenerationThresholdTokens < 0 {
		return errkind.New(errkind.InvalidArgument, "regeneration threshold must not be negative")
	}
	if c.ChildBudgetFraction < 0 || c.ChildBudgetFraction > 1 {
		return errkind.Newf(errkind.InvalidArgument,
			"child budget fraction %v outside [0,1]", c.ChildBudgetFraction)
	}
	if c.WorkerCount <= 0 {
		return errkind.New(errkind.InvalidArgument, "worker count must be positive")
	}
	if c.MaxRetries < 0 {
		return errkind.New(errkind.InvalidArgument, "max retries must not be negative")
	}
	return nil
}

// BudgetFor maps a canonical type to its configured token budget.
func (c *Config) BudgetFor(canonicalType string) (int, bool) {
	switch canonicalType {
	case "tagging":
		return c.TaggingBudgetTokens, true
	case "insights":
		return c.InsightsBudgetTokens, true
	case "export":
		return c.ExportBudgetTokens, true
	}
	return 0, false
}

// ensureCursorSecret generates and persists a pagination-cursor signing
// secret on first run so cursors stay valid across restarts.
func (c *Config) ensureCursorSecret() error {
	if c.CursorSecret != "" {
		return nil
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("generating secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(b)
	c.CursorSecret = secret

	if err := os.MkdirAll(c.HomeDir, 0o700); err != nil {
		return fmt.Errorf("creating home dir: %w", err)
	}

	existing := make(map[string]any)
	data, err := os.ReadFile(c.configPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("existing config invalid: %w", err)
		}
	}

	existing["cursor_secret"] = secret
	out, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(c.configPath(), out, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
