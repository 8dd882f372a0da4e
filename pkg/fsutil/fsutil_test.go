package fsutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOwner(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    *OwnerConfig
		wantErr bool
	}{
		{name: "empty", in: ""},
		{name: "valid", in: "1000:1001", want: &OwnerConfig{UID: 1000, GID: 1001}},
		{name: "missing gid", in: "1000", wantErr: true},
		{name: "bad uid", in: "abc:1", wantErr: true},
		{name: "bad gid", in: "1:abc", wantErr: true},
		{name: "extra field", in: "1:2:3", wantErr: true},
		{name: "negative", in: "-1:2", wantErr: true},
		{name: "padded", in: " 0:0 ", want: &OwnerConfig{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOwner(tt.in)
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMkdirAll(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "Result", "Shadow", "Acceptable")

	owner := &OwnerConfig{UID: os.Getuid(), GID: os.Getgid()}

	require.NoError(t, MkdirAll(dir, 0o755, owner))
	assert.DirExists(t, dir)

	// Existing trees are accepted.
	require.NoError(t, MkdirAll(dir, 0o755, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	return string(data)
}

func TestMoveFile(t *testing.T) {
	tests := []struct {
		name     string
		existing string
		force    bool
		want     string
	}{
		{name: "fresh destination", want: "new"},
		{name: "kept destination", existing: "old", want: "old"},
		{name: "forced destination", existing: "old", force: true, want: "new"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			srcDir := filepath.Join(dir, "Compare", "Acceptable")
			dstDir := filepath.Join(dir, "Result", "Shadow", "Acceptable")

			writeFile(t, filepath.Join(srcDir, "PCF_vk.png"), "new")

			if tt.existing != "" {
				writeFile(t, filepath.Join(dstDir, "dst.png"), tt.existing)
			}

			require.NoError(t, MoveFile(srcDir, dstDir, "PCF_vk.png", "dst.png", tt.force, nil))

			assert.False(t, Exists(filepath.Join(srcDir, "PCF_vk.png")))
			assert.Equal(t, tt.want, readFile(t, filepath.Join(dstDir, "dst.png")))
		})
	}
}

func TestMoveFileMissingSource(t *testing.T) {
	dir := t.TempDir()

	err := MoveFile(dir, filepath.Join(dir, "out"), "absent.png", "absent.png", true, nil)
	require.Error(t, err)
	assert.False(t, Exists(filepath.Join(dir, "out")))
}

func TestMoveFileSamePath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.png"), "data")

	require.NoError(t, MoveFile(dir, dir, "a.png", "a.png", true, nil))
	assert.Equal(t, "data", readFile(t, filepath.Join(dir, "a.png")))
}

func TestModTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scene.cscn")

	assert.True(t, ModTime(path).IsZero())

	writeFile(t, path, "scene")

	stamp := time.Date(2024, 3, 4, 5, 6, 7, 891_000_000, time.Local)
	require.NoError(t, os.Chtimes(path, stamp, stamp))

	got := ModTime(path)
	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.Equal(stamp.Truncate(time.Second)))
}
