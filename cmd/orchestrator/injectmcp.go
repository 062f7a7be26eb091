package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zette-dev/natron/internal/config"
	"github.com/zette-dev/natron/internal/logging"
	"github.com/zette-dev/natron/internal/mcpconfig"
)

func newInjectMCPCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "inject-mcp",
		Short: "Merge the Notion MCP server entry into the assistant's config, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInjectMCP(configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	return cmd
}

func runInjectMCP(configPath string) error {
	log, err := logging.New(false)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := mcpconfig.Inject(log, mcpconfig.Config{
		NotionToken:     cfg.MCP.NotionToken,
		LauncherCommand: cfg.MCP.LauncherCommand,
		LauncherArgs:    cfg.MCP.LauncherArgs,
		TokenEnvVar:     cfg.MCP.TokenEnvVar,
		ConfigPath:      cfg.MCP.AssistantConfigPath,
	}); err != nil {
		return fmt.Errorf("inject mcp config: %w", err)
	}

	log.Infow("mcp config injected", "path", cfg.MCP.AssistantConfigPath)
	return nil
}
