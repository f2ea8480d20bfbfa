package artifact

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalBackend_PutWritesFile(t *testing.T) {
	dir := t.TempDir()
	backend := NewLocalBackend(dir, zap.NewNop())

	location, err := backend.Put(context.Background(), "report_6_25_118545.csv", []byte("a,b\n1,2\n"))
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(location), "location should be absolute, got %q", location)

	content, err := os.ReadFile(location)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(content))
}

func TestLocalBackend_PutLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	backend := NewLocalBackend(dir, zap.NewNop())

	_, err := backend.Put(context.Background(), "report.csv", []byte("data"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.Contains(entry.Name(), ".tmp-"),
			"temp file %q left behind", entry.Name())
	}
}

func TestLocalBackend_PutCreatesStorageRoot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "artifacts")
	backend := NewLocalBackend(dir, zap.NewNop())

	location, err := backend.Put(context.Background(), "report.csv", []byte("data"))
	require.NoError(t, err)
	assert.FileExists(t, location)
}

func TestLocalBackend_RenameFailureCleansUpTemp(t *testing.T) {
	dir := t.TempDir()
	backend := NewLocalBackend(dir, zap.NewNop())

	// Occupy the final path with a non-empty directory so the rename fails.
	finalPath := filepath.Join(dir, "report.csv")
	require.NoError(t, os.MkdirAll(filepath.Join(finalPath, "blocker"), 0755))

	_, err := backend.Put(context.Background(), "report.csv", []byte("data"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersist)

	// The failed write must leave neither a visible artifact nor a temp file.
	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	for _, entry := range entries {
		assert.False(t, strings.Contains(entry.Name(), ".tmp-"),
			"temp file %q left behind after failed rename", entry.Name())
	}
}

func TestLocalBackend_PutOverwritesExistingArtifact(t *testing.T) {
	dir := t.TempDir()
	backend := NewLocalBackend(dir, zap.NewNop())
	ctx := context.Background()

	first, err := backend.Put(ctx, "report.csv", []byte("old"))
	require.NoError(t, err)

	second, err := backend.Put(ctx, "report.csv", []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	content, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, "new", string(content))
}
