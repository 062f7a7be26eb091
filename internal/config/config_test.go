package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
telegram:
  bot_token: "abc"
  allowed_user_ids: [1]
workspaces:
  base_path: /tmp/ws
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "claude", cfg.Assistant.BinaryPath)
	assert.Equal(t, "sonnet", cfg.Assistant.Model)
	assert.Equal(t, "main", cfg.Session.DefaultName)
	assert.Equal(t, 3000, cfg.Session.MaxInlineReplyLen)
	assert.Equal(t, 5, cfg.Queue.Workers)
	assert.Equal(t, 1024, cfg.Queue.DepthLimit)
	assert.Equal(t, 100, cfg.History.RingSize)
	assert.Equal(t, 2, cfg.Session.RespawnThreshold)
}

func TestLoad_MissingBotToken(t *testing.T) {
	path := writeConfig(t, `
workspaces:
  base_path: /tmp/ws
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "secret-token")
	path := writeConfig(t, `
telegram:
  bot_token: "${TEST_BOT_TOKEN}"
  allowed_user_ids: [42]
workspaces:
  base_path: /tmp/ws
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.Telegram.BotToken)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	require.Error(t, err)
}
