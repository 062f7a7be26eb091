// Package mcpconfig implements MCPConfigInjector: a one-shot, idempotent
// merge of an `mcpServers.notion` block into the assistant's per-user JSON
// configuration file (spec §4.7).
//
// Grounded on the pack's tidwall/gjson+sjson usage for surgical JSON
// patching (preserving unrelated keys and formatting, unlike a full
// unmarshal/remarshal round trip) and the standard
// write-temp-then-rename idiom for an atomic file replace.
package mcpconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

// Config bundles the injector's inputs (spec §4.7 and SPEC_FULL's config
// expansion).
type Config struct {
	NotionToken     string
	LauncherCommand string
	LauncherArgs    []string
	TokenEnvVar     string
	ConfigPath      string
}

// Inject merges the `mcpServers.notion` entry into the assistant's
// per-user config file at cfg.ConfigPath, creating the file if absent.
// A no-op if cfg.NotionToken is empty, or if the file already has an
// identical entry (idempotence, spec §4.7). Errors are always returned
// to the caller; per spec they're non-fatal for the system as a whole,
// so callers should log-and-continue rather than abort startup.
func Inject(log *zap.SugaredLogger, cfg Config) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.NotionToken == "" {
		log.Debugw("mcpconfig: no notion token configured, skipping injection")
		return nil
	}
	if cfg.ConfigPath == "" {
		return fmt.Errorf("mcpconfig: config path is empty")
	}

	existing, err := readOrEmpty(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("mcpconfig: read %s: %w", cfg.ConfigPath, err)
	}

	desired, err := buildEntry(cfg)
	if err != nil {
		return fmt.Errorf("mcpconfig: build entry: %w", err)
	}

	current := gjson.GetBytes(existing, "mcpServers.notion")
	if current.Exists() && entriesEqual(current.Raw, desired) {
		log.Debugw("mcpconfig: notion entry already present and identical, skipping write")
		return nil
	}

	merged, err := sjson.SetRawBytes(existing, "mcpServers.notion", []byte(desired))
	if err != nil {
		return fmt.Errorf("mcpconfig: merge entry: %w", err)
	}

	if err := writeAtomic(cfg.ConfigPath, merged); err != nil {
		return fmt.Errorf("mcpconfig: write %s: %w", cfg.ConfigPath, err)
	}
	log.Infow("mcpconfig: injected notion mcp server entry", "path", cfg.ConfigPath)
	return nil
}

func readOrEmpty(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []byte(`{}`), nil
	}
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("existing config is not valid JSON")
	}
	return data, nil
}

func buildEntry(cfg Config) (string, error) {
	args := cfg.LauncherArgs
	if len(args) == 0 {
		args = []string{"-y", "@notionhq/notion-mcp-server"}
	}

	raw := `{"command":"","args":[],"env":{}}`
	raw, err := sjson.Set(raw, "command", cfg.LauncherCommand)
	if err != nil {
		return "", err
	}
	raw, err = sjson.Set(raw, "args", args)
	if err != nil {
		return "", err
	}
	envVar := cfg.TokenEnvVar
	if envVar == "" {
		envVar = "NOTION_TOKEN"
	}
	raw, err = sjson.Set(raw, "env."+envVar, cfg.NotionToken)
	if err != nil {
		return "", err
	}
	return raw, nil
}

// entriesEqual compares two JSON object fragments structurally, so key
// order or incidental whitespace in the existing file never triggers a
// spurious rewrite (spec §4.7's idempotence requirement).
func entriesEqual(a, b string) bool {
	ra, rb := gjson.Parse(a), gjson.Parse(b)
	if ra.Type != rb.Type || ra.IsArray() != rb.IsArray() || ra.IsObject() != rb.IsObject() {
		return false
	}
	if ra.IsArray() {
		aa, ba := ra.Array(), rb.Array()
		if len(aa) != len(ba) {
			return false
		}
		for i := range aa {
			if !entriesEqual(aa[i].Raw, ba[i].Raw) {
				return false
			}
		}
		return true
	}
	if !ra.IsObject() {
		return ra.Raw == rb.Raw
	}
	am := ra.Map()
	bm := rb.Map()
	if len(am) != len(bm) {
		return false
	}
	for k, v := range am {
		bv, ok := bm[k]
		if !ok {
			return false
		}
		if !entriesEqual(v.Raw, bv.Raw) {
			return false
		}
	}
	return true
}

// writeAtomic writes data to a temp file in the same directory as path
// and renames it into place, so a crash mid-write never leaves a
// truncated config behind (spec §4.7's "write-temp-then-rename").
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".mcpconfig-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
