package workdir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate_CreatesOnDemand(t *testing.T) {
	root := t.TempDir()
	a := New(root)

	path, err := a.Allocate("alpha", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "alpha"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestAllocate_SanitizesTraversal(t *testing.T) {
	root := t.TempDir()
	a := New(root)

	path, err := a.Allocate("../../etc", "")
	require.NoError(t, err)

	rel, err := filepath.Rel(root, path)
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(rel, ".."))
}

func TestAllocate_ExistingFileIsInvalid(t *testing.T) {
	root := t.TempDir()
	filePath := filepath.Join(root, "taken")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0o644))

	a := New(root)
	_, err := a.Allocate("taken", "")
	require.ErrorIs(t, err, ErrWorkdirInvalid)
}

func TestAllocate_OverrideMustExist(t *testing.T) {
	a := New(t.TempDir())
	_, err := a.Allocate("anything", "/nonexistent/override/path")
	require.ErrorIs(t, err, ErrWorkdirInvalid)
}

func TestAllocate_OverrideBypassesSanitization(t *testing.T) {
	override := t.TempDir()
	a := New(t.TempDir())

	path, err := a.Allocate("anything", override)
	require.NoError(t, err)
	assert.Equal(t, override, path)
}
