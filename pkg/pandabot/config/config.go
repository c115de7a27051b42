// Package config loads the pandabot YAML configuration: bot definitions,
// AI backend settings, tool services, storage and metrics.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Backend names accepted in bots[].ai.backend.
const (
	BackendAnthropic  = "anthropic"
	BackendClaudeCode = "claude_code"
)

// Tool names accepted in bots[].ai.tools.
const (
	ToolFilesystem = "filesystem"
	ToolExecutor   = "executor"
	ToolBrowser    = "browser"
	ToolScheduler  = "scheduler"
)

// KnownTools lists every tool a bot can enable.
var KnownTools = []string{ToolFilesystem, ToolExecutor, ToolBrowser, ToolScheduler}

// DefaultMaxToolRounds is the per-bot iteration budget when unset.
const DefaultMaxToolRounds = 10

// Config is the root configuration.
type Config struct {
	// LogLevel is a shorthand for logging.level.
	LogLevel string        `yaml:"log_level,omitempty"`
	Logging  LoggingConfig `yaml:"logging"`

	// DataDir holds the database, the vault and the chat history file.
	DataDir string `yaml:"data_dir"`

	Bots       []BotConfig      `yaml:"bots"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	ClaudeCode ClaudeCodeConfig `yaml:"claude_code"`
	Services   ServicesConfig   `yaml:"services"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// BotConfig defines one bot: where it listens and how it thinks.
type BotConfig struct {
	ID       string `yaml:"id"`
	Platform string `yaml:"platform"`

	// Token is the platform credential. It may be a literal, an env
	// reference, or keyring:<name> / vault:<name>.
	Token string `yaml:"token"`

	// GuildIDs restricts discord bots to these guilds.
	GuildIDs []string `yaml:"guild_ids,omitempty"`

	// AllowedChats restricts the chats a bot answers in. Empty allows all.
	AllowedChats []string `yaml:"allowed_chats,omitempty"`

	AI AIConfig `yaml:"ai"`
}

// AIConfig selects the backend and prompt for a bot.
type AIConfig struct {
	Backend      string   `yaml:"backend"`
	Model        string   `yaml:"model,omitempty"`
	MaxTokens    int64    `yaml:"max_tokens,omitempty"`
	SystemPrompt string   `yaml:"system_prompt,omitempty"`
	Temperature  *float64 `yaml:"temperature,omitempty"`

	// Tools lists enabled tool names. Omitted means all tools; an empty
	// list means none.
	Tools []string `yaml:"tools"`

	MaxToolRounds int `yaml:"max_tool_rounds,omitempty"`
}

// AnthropicConfig configures the Messages API backend.
type AnthropicConfig struct {
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url,omitempty"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ClaudeCodeConfig configures the CLI subprocess backend.
type ClaudeCodeConfig struct {
	CLIPath        string        `yaml:"cli_path"`
	Model          string        `yaml:"model,omitempty"`
	Timeout        time.Duration `yaml:"timeout"`
	AllowedTools   []string      `yaml:"allowed_tools,omitempty"`
	APIKey         string        `yaml:"api_key,omitempty"`
	PermissionMode string        `yaml:"permission_mode,omitempty"`
}

// ServicesConfig configures the built-in tools.
type ServicesConfig struct {
	Browser   BrowserConfig   `yaml:"browser"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// BrowserConfig configures the browser tool.
type BrowserConfig struct {
	TimeoutMS int    `yaml:"timeout_ms"`
	UserAgent string `yaml:"user_agent,omitempty"`
}

// ExecutorConfig configures the executor tool.
type ExecutorConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
}

// SchedulerConfig configures the job scheduler.
type SchedulerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Timezone          string        `yaml:"timezone"`
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	DBPath     string `yaml:"db_path,omitempty"`
	FTSEnabled bool   `yaml:"fts_enabled"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a config with every section populated and no bots.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		DataDir: "./data",
		Anthropic: AnthropicConfig{
			MaxRetries: 3,
			Timeout:    120 * time.Second,
		},
		ClaudeCode: ClaudeCodeConfig{
			CLIPath:        "claude",
			Timeout:        300 * time.Second,
			PermissionMode: "bypassPermissions",
		},
		Services: ServicesConfig{
			Browser: BrowserConfig{TimeoutMS: 30000},
			Executor: ExecutorConfig{
				DefaultTimeout: 30 * time.Second,
				MaxTimeout:     300 * time.Second,
			},
			Scheduler: SchedulerConfig{
				Enabled:           true,
				MaxConcurrentJobs: 5,
				JobTimeout:        5 * time.Minute,
			},
		},
		Storage: StorageConfig{FTSEnabled: true},
		Metrics: MetricsConfig{Address: "127.0.0.1:9090"},
	}
}

// DefaultBot returns a bot entry with the AI defaults applied.
func DefaultBot(id, platform string) BotConfig {
	b := BotConfig{ID: id, Platform: platform}
	b.applyDefaults()
	return b
}

func (b *BotConfig) applyDefaults() {
	if b.AI.Backend == "" {
		b.AI.Backend = BackendAnthropic
	}
	if b.AI.Tools == nil {
		b.AI.Tools = append([]string(nil), KnownTools...)
	}
	if b.AI.MaxToolRounds <= 0 {
		b.AI.MaxToolRounds = DefaultMaxToolRounds
	}
	b.Platform = strings.ToLower(strings.TrimSpace(b.Platform))
}

// Bot returns the bot with the given id.
func (c *Config) Bot(id string) (BotConfig, bool) {
	for _, b := range c.Bots {
		if b.ID == id {
			return b, true
		}
	}
	return BotConfig{}, false
}

// DBPath returns the SQLite path, defaulting to <data_dir>/pandabot.db.
func (c *Config) DBPath() string {
	if c.Storage.DBPath != "" {
		return c.Storage.DBPath
	}
	return filepath.Join(c.DataDir, "pandabot.db")
}

// VaultPath returns the vault file location inside the data dir.
func (c *Config) VaultPath(name string) string {
	return filepath.Join(c.DataDir, name)
}

// SlogLevel maps log_level / logging.level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	level := c.Logging.Level
	if c.LogLevel != "" {
		level = c.LogLevel
	}
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Location returns the scheduler timezone, falling back to local time.
func (c *Config) Location() (*time.Location, error) {
	tz := c.Services.Scheduler.Timezone
	if tz == "" {
		tz = os.Getenv("TZ")
	}
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}
