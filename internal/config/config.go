// Package config loads and validates the orchestrator's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Telegram   TelegramConfig   `yaml:"telegram"`
	Assistant  AssistantConfig  `yaml:"assistant"`
	Session    SessionConfig    `yaml:"session"`
	Queue      QueueConfig      `yaml:"queue"`
	Workspaces WorkspacesConfig `yaml:"workspaces"`
	History    HistoryConfig    `yaml:"history"`
	MCP        MCPConfig        `yaml:"mcp"`
}

// TelegramConfig holds the transport credentials and allow-list.
type TelegramConfig struct {
	BotToken       string  `yaml:"bot_token"`
	AllowedUserIDs []int64 `yaml:"allowed_user_ids"`
}

// AssistantConfig describes how to invoke the external assistant CLI.
type AssistantConfig struct {
	BinaryPath string   `yaml:"binary_path"`
	Model      string   `yaml:"model"`
	ExtraArgs  []string `yaml:"extra_args"`
}

// SessionConfig governs Session behavior: response formatting, timeouts,
// respawn policy, and the default session name.
type SessionConfig struct {
	DefaultName       string        `yaml:"default_name"`
	MaxInlineReplyLen int           `yaml:"max_inline_reply_len"`
	EditInterval      time.Duration `yaml:"edit_interval"`
	AskTimeout        time.Duration `yaml:"ask_timeout"`
	GracefulClose     time.Duration `yaml:"graceful_close_timeout"`
	ForceCloseTimeout time.Duration `yaml:"force_close_timeout"`
	RespawnWindow     time.Duration `yaml:"respawn_window"`
	RespawnThreshold  int           `yaml:"respawn_threshold"`
	MaxSessions       int           `yaml:"max_sessions"`
}

// QueueConfig governs MessageQueue admission and dispatch.
type QueueConfig struct {
	Workers        int           `yaml:"workers"`
	DepthLimit     int           `yaml:"depth_limit"`
	RetainFinished time.Duration `yaml:"retain_finished"`
}

// WorkspacesConfig governs SessionDirectoryAllocator.
type WorkspacesConfig struct {
	BasePath string `yaml:"base_path"`
}

// HistoryConfig governs HistoryStore's in-memory ring and durable backend.
type HistoryConfig struct {
	DBPath   string `yaml:"db_path"`
	RingSize int    `yaml:"ring_size"`
}

// MCPConfig governs MCPConfigInjector.
type MCPConfig struct {
	NotionToken         string   `yaml:"notion_token"`
	LauncherCommand     string   `yaml:"launcher_command"`
	LauncherArgs        []string `yaml:"launcher_args"`
	TokenEnvVar         string   `yaml:"token_env_var"`
	AssistantConfigPath string   `yaml:"assistant_config_path"`
}

// Load reads, expands, parses and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables in the YAML
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if len(c.Telegram.AllowedUserIDs) == 0 {
		return fmt.Errorf("telegram.allowed_user_ids must have at least one entry")
	}
	if c.Workspaces.BasePath == "" {
		return fmt.Errorf("workspaces.base_path is required")
	}

	// Apply defaults
	if c.Assistant.BinaryPath == "" {
		c.Assistant.BinaryPath = "claude"
	}
	if c.Assistant.Model == "" {
		c.Assistant.Model = "sonnet"
	}
	if c.Session.DefaultName == "" {
		// "default" itself is a reserved session name (spec §4.3) — it
		// names the command-grammar keyword, not an actual session — so
		// the startup default session is called "main" instead.
		c.Session.DefaultName = "main"
	}
	if c.Session.MaxInlineReplyLen == 0 {
		c.Session.MaxInlineReplyLen = 3000
	}
	if c.Session.EditInterval == 0 {
		c.Session.EditInterval = 2 * time.Second
	}
	if c.Session.AskTimeout == 0 {
		c.Session.AskTimeout = 5 * time.Minute
	}
	if c.Session.GracefulClose == 0 {
		c.Session.GracefulClose = 5 * time.Second
	}
	if c.Session.ForceCloseTimeout == 0 {
		c.Session.ForceCloseTimeout = 2 * time.Second
	}
	if c.Session.RespawnWindow == 0 {
		c.Session.RespawnWindow = 60 * time.Second
	}
	if c.Session.RespawnThreshold == 0 {
		c.Session.RespawnThreshold = 2
	}
	if c.Session.MaxSessions == 0 {
		c.Session.MaxSessions = 32
	}

	if c.Queue.Workers == 0 {
		c.Queue.Workers = 5
	}
	if c.Queue.DepthLimit == 0 {
		c.Queue.DepthLimit = 1024
	}
	if c.Queue.RetainFinished == 0 {
		c.Queue.RetainFinished = 10 * time.Minute
	}

	if c.History.RingSize == 0 {
		c.History.RingSize = 100
	}
	if c.History.DBPath == "" {
		c.History.DBPath = "history.db"
	}

	if c.MCP.TokenEnvVar == "" {
		c.MCP.TokenEnvVar = "NOTION_TOKEN"
	}
	if c.MCP.LauncherCommand == "" {
		c.MCP.LauncherCommand = "npx"
	}
	if len(c.MCP.LauncherArgs) == 0 {
		c.MCP.LauncherArgs = []string{"-y", "@notionhq/notion-mcp-server"}
	}

	return nil
}
