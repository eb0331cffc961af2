package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validFlow = `{
  "id": "essay",
  "name": "Essay",
  "nodes": [
    {"id": "v1", "type": "variable", "position": {"x": 0, "y": 0}, "data": {"name": "topic", "type": "string"}},
    {"id": "p1", "type": "prompt", "position": {"x": 0, "y": 100}, "data": {"content": "Write about {{topic}}"}}
  ],
  "edges": [{"id": "e1", "source": "v1", "target": "p1"}]
}`

const cyclicFlow = `{
  "id": "loop",
  "name": "Loop",
  "nodes": [
    {"id": "p1", "type": "prompt", "position": {"x": 0, "y": 0}, "data": {"content": "a"}},
    {"id": "p2", "type": "prompt", "position": {"x": 0, "y": 100}, "data": {"content": "b"}}
  ],
  "edges": [
    {"id": "e1", "source": "p1", "target": "p2"},
    {"id": "e2", "source": "p2", "target": "p1"}
  ]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunValidate(t *testing.T) {
	var out bytes.Buffer
	ok, err := runValidate([]string{writeFile(t, "essay.json", validFlow)}, &out)
	require.NoError(t, err)
	assert.True(t, ok)

	var report map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, true, report["valid"])
}

func TestRunValidate_ReportsCycle(t *testing.T) {
	var out bytes.Buffer
	ok, err := runValidate([]string{writeFile(t, "loop.json", cyclicFlow)}, &out)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, out.String(), "CYCLE_DETECTED")
}

func TestRunValidate_UndecodableFile(t *testing.T) {
	var out bytes.Buffer
	ok, err := runValidate([]string{writeFile(t, "junk.json", `{"nodes": 3}`)}, &out)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, strings.Contains(out.String(), `"valid": false`))
}

func TestRunValidate_NoFiles(t *testing.T) {
	_, err := runValidate(nil, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestLoadChecker(t *testing.T) {
	discard := slog.New(slog.DiscardHandler)

	c, err := loadChecker("", discard)
	require.NoError(t, err)
	assert.Nil(t, c)

	rules := writeFile(t, "rules.yaml", "rules:\n  - source: variable\n    target: prompt\n    suggestion: Reference the variable in the prompt.\n")
	c, err = loadChecker(rules, discard)
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, err = loadChecker(filepath.Join(t.TempDir(), "missing.yaml"), discard)
	assert.Error(t, err)
}
