// Package config loads and validates the courier configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for courier.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Queue     QueueConfig     `json:"queue"`
	Ledger    LedgerConfig    `json:"ledger"`
	Inference InferenceConfig `json:"inference"`
	Channels  ChannelsConfig  `json:"channels"`
	API       APIConfig       `json:"api"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// QueueConfig tunes the processor loop.
type QueueConfig struct {
	PollIntervalSeconds int `json:"pollIntervalSeconds"`
	MaxAttempts         int `json:"maxAttempts"`
	MaxResponseChars    int `json:"maxResponseChars"`
}

type LedgerConfig struct {
	DBPath string `json:"dbPath"`
}

// InferenceConfig configures the OpenAI-compatible backend.
type InferenceConfig struct {
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	Model        string `json:"model,omitempty"`
	Agent        string `json:"agent,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

type ChannelsConfig struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Discord   DiscordConfig   `json:"discord,omitempty"`
	Heartbeat HeartbeatConfig `json:"heartbeat,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
	ParseMode string         `json:"parseMode"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	GuildID string `json:"guildId,omitempty"` // optional: restrict to specific guild
}

type HeartbeatConfig struct {
	Enabled         bool   `json:"enabled"`
	IntervalMinutes int    `json:"intervalMinutes"`
	Message         string `json:"message,omitempty"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	APIKey  string `json:"apiKey,omitempty"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.courier).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".courier"
	}
	return filepath.Join(home, ".courier")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Ledger.DBPath = ExpandPath(cfg.Ledger.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.DataDir == "" {
		errs = append(errs, "general.dataDir is required")
	}
	if cfg.Queue.PollIntervalSeconds < 1 {
		errs = append(errs, "queue.pollIntervalSeconds must be >= 1")
	}
	if cfg.Queue.MaxAttempts < 1 || cfg.Queue.MaxAttempts > 20 {
		errs = append(errs, "queue.maxAttempts must be between 1 and 20")
	}
	if cfg.Queue.MaxResponseChars < 200 {
		errs = append(errs, "queue.maxResponseChars must be >= 200")
	}
	if cfg.Ledger.DBPath == "" {
		errs = append(errs, "ledger.dbPath is required")
	}
	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord.token is required when discord is enabled")
	}
	if cfg.Channels.Heartbeat.Enabled && cfg.Channels.Heartbeat.IntervalMinutes < 1 {
		errs = append(errs, "channels.heartbeat.intervalMinutes must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
