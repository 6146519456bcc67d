package prompts

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/docuquery/internal/apperr"
)

func TestNew_Builtin(t *testing.T) {
	m, err := New("")
	require.NoError(t, err)

	assert.Equal(t, DefaultVersion, m.Version())
	assert.Equal(t, []string{"query", "system"}, m.List(""))
	assert.Contains(t, m.Versions(), "v1")

	sys, err := m.Get("system")
	require.NoError(t, err)
	assert.NotEmpty(t, sys)
}

func TestRender_BuiltinQuery(t *testing.T) {
	m, err := New("")
	require.NoError(t, err)

	out, err := m.Render("query", map[string]any{
		"context":  "[Source 1: a.md]\nThe sky is blue.",
		"question": "What colour is the sky?",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "[Source 1: a.md]\nThe sky is blue.")
	assert.Contains(t, out, "Question: What colour is the sky?")
}

func TestRender_MissingKey(t *testing.T) {
	m, err := New("")
	require.NoError(t, err)

	_, err = m.Render("query", map[string]any{"context": "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))
}

func TestGet_NotFound(t *testing.T) {
	m, err := New("")
	require.NoError(t, err)

	_, err = m.Get("nonexistent")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))
	assert.Contains(t, err.Error(), "Prompt not found: v1/nonexistent.txt")
}

func TestLoadFS_Versions(t *testing.T) {
	fsys := fstest.MapFS{
		"v1/greeting.txt": {Data: []byte("Hello {{.name}}!")},
		"v2/greeting.txt": {Data: []byte("Hi {{.name}}.")},
		"v2/farewell.txt": {Data: []byte("Bye")},
		"README":          {Data: []byte("not a version")},
	}
	m, err := LoadFS(fsys, "v2")
	require.NoError(t, err)

	assert.Equal(t, []string{"v1", "v2"}, m.Versions())
	assert.Equal(t, []string{"farewell", "greeting"}, m.List(""))
	assert.Equal(t, []string{"greeting"}, m.List("v1"))
	assert.Empty(t, m.List("v9"))

	out, err := m.Render("greeting", map[string]any{"name": "World"})
	require.NoError(t, err)
	assert.Equal(t, "Hi World.", out)

	v1, err := m.GetVersion("greeting", "v1")
	require.NoError(t, err)
	assert.Equal(t, "Hello {{.name}}!", v1)
}

func TestLoadFS_ParseError(t *testing.T) {
	fsys := fstest.MapFS{"v1/broken.txt": {Data: []byte("{{.oops")}}
	_, err := LoadFS(fsys, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))
}

func TestLoad_CacheIsImmutable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "v1"), 0o755))
	path := filepath.Join(dir, "v1", "cached.txt")
	require.NoError(t, os.WriteFile(path, []byte("Original"), 0o644))

	m, err := Load(dir, "v1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("Modified"), 0o644))
	got, err := m.Get("cached")
	require.NoError(t, err)
	assert.Equal(t, "Original", got)

	reloaded, err := Load(dir, "v1")
	require.NoError(t, err)
	got, err = reloaded.Get("cached")
	require.NoError(t, err)
	assert.Equal(t, "Modified", got)
}

func TestLoad_MissingDir(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))
}
