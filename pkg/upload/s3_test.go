package upload

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/aria/pkg/config"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func TestResolvePrefix(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		rel     string
		wantKey string
	}{
		{
			name:    "default prefix",
			rel:     "Shadow/Acceptable/20240102_030405_PCF_vk.png",
			wantKey: "aria/results/Shadow/Acceptable/20240102_030405_PCF_vk.png",
		},
		{
			name:    "custom prefix",
			prefix:  "castor/nightly",
			rel:     "summary.json",
			wantKey: "castor/nightly/summary.json",
		},
		{
			name:    "trailing slash stripped",
			prefix:  "my-prefix/",
			rel:     "/a.png",
			wantKey: "my-prefix/a.png",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &s3Uploader{
				cfg: &config.S3UploadConfig{Prefix: tt.prefix},
			}
			assert.Equal(t, tt.wantKey, u.key(tt.rel))
		})
	}
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantPrefix string
	}{
		{name: "png file", path: "Shadow/Acceptable/PCF_vk.png", wantPrefix: "image/png"},
		{name: "json file", path: "summary.json", wantPrefix: "application/json"},
		{name: "no extension", path: "Shadow/README", wantPrefix: "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, detectContentType(tt.path), tt.wantPrefix)
		})
	}
}

func TestNewS3UploaderPartSize(t *testing.T) {
	u, err := NewS3Uploader(testLogger(), &config.S3UploadConfig{Bucket: "b", PartSize: "1KiB"})
	require.NoError(t, err)
	assert.Equal(t, int64(minPartSize), u.(*s3Uploader).partSize)

	u, err = NewS3Uploader(testLogger(), &config.S3UploadConfig{Bucket: "b", PartSize: "64MiB"})
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024*1024), u.(*s3Uploader).partSize)

	_, err = NewS3Uploader(testLogger(), &config.S3UploadConfig{Bucket: "b", PartSize: "lots"})
	assert.Error(t, err)
}

func TestWalkAndPlan(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	write := func(rel, content string) {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		require.NoError(t, os.Chtimes(path, at, at))
	}

	write("Shadow/Acceptable/a.png", "aaaa")
	write("Shadow/Unacceptable/b.png", "bb")
	write("Light/Negligible/c.png", "c")
	write(".cache/skip.png", "x")

	files, err := walkLocal(dir)
	require.NoError(t, err)

	rels := make([]string, 0, len(files))
	for _, f := range files {
		rels = append(rels, f.Rel)
	}

	assert.Equal(t, []string{
		"Light/Negligible/c.png",
		"Shadow/Acceptable/a.png",
		"Shadow/Unacceptable/b.png",
	}, rels)

	remote := map[string]remoteObject{
		// Unchanged.
		"Shadow/Acceptable/a.png": {Size: 4, LastModified: at.Add(time.Minute)},
		// Size differs.
		"Shadow/Unacceptable/b.png": {Size: 3, LastModified: at.Add(time.Minute)},
		// Older remote copy.
		"Light/Negligible/c.png": {Size: 1, LastModified: at.Add(-time.Minute)},
	}

	pending := plan(files, remote)

	got := make([]string, 0, len(pending))
	for _, f := range pending {
		got = append(got, f.Rel)
	}

	assert.Equal(t, []string{"Light/Negligible/c.png", "Shadow/Unacceptable/b.png"}, got)
	assert.Len(t, plan(files, nil), 3)
}
