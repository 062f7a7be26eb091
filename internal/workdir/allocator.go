// Package workdir implements SessionDirectoryAllocator: a deterministic
// mapping from session name to a filesystem path under a configured
// root, with creation-on-demand and collision avoidance (spec §4.6).
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrWorkdirInvalid is returned when the resolved path exists but is not
// a directory, or when an override path is missing or not a directory.
var ErrWorkdirInvalid = fmt.Errorf("workdir: invalid working directory")

// Allocator resolves session names to workdirs under Root.
type Allocator struct {
	Root string
}

// New creates an Allocator rooted at root.
func New(root string) *Allocator {
	return &Allocator{Root: root}
}

// Allocate returns root/<sanitized-name>, creating it (mode 0o755) if it
// does not exist. If override is non-empty, it bypasses sanitization but
// must already exist as a directory.
func (a *Allocator) Allocate(name, override string) (string, error) {
	if override != "" {
		info, err := os.Stat(override)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrWorkdirInvalid, override, err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("%w: %s", ErrWorkdirInvalid, override)
		}
		return override, nil
	}

	path := filepath.Join(a.Root, sanitize(name))

	info, err := os.Stat(path)
	switch {
	case err == nil:
		if !info.IsDir() {
			return "", fmt.Errorf("%w: %s", ErrWorkdirInvalid, path)
		}
		return path, nil
	case os.IsNotExist(err):
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", fmt.Errorf("create workdir %s: %w", path, err)
		}
		return path, nil
	default:
		return "", fmt.Errorf("stat workdir %s: %w", path, err)
	}
}

// sanitize replaces path separators and non-portable characters so an
// arbitrary session name can never escape Root or collide with special
// filesystem entries.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == 0:
			b.WriteByte('_')
		case r == '.' && b.Len() == 0:
			// Avoid a leading "." or ".." component.
			b.WriteByte('_')
		case r < 0x20:
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	sanitized := b.String()
	if sanitized == "" {
		sanitized = "_"
	}
	return sanitized
}
