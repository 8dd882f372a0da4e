package watch

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/aria/pkg/model"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func TestRecord(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "srv", "tests")
	engine := filepath.Join(string(filepath.Separator), "opt", "engine", "castor")
	layout := model.Layout{TestDir: root, SceneExt: "scn"}

	w := New(testLogger(), layout, engine, 0, nil)

	tests := []struct {
		name       string
		path       string
		wantOK     bool
		wantEngine bool
		wantTest   string
	}{
		{name: "scene", path: filepath.Join(root, "Shadow", "PCF.scn"), wantOK: true, wantTest: "Shadow/PCF"},
		{name: "engine", path: engine, wantOK: true, wantEngine: true},
		{name: "engine sibling", path: engine + ".bak"},
		{name: "other extension", path: filepath.Join(root, "Shadow", "PCF.txt")},
		{name: "reference image", path: filepath.Join(root, "Shadow", "Compare", "PCF_vk.png")},
		{name: "result tree", path: filepath.Join(root, "Result", "Shadow", "PCF.scn")},
		{name: "hidden category", path: filepath.Join(root, ".git", "PCF.scn")},
		{name: "hidden scene", path: filepath.Join(root, "Shadow", ".PCF.scn")},
		{name: "bare extension", path: filepath.Join(root, "Shadow", ".scn")},
		{name: "outside root", path: filepath.Join(string(filepath.Separator), "tmp", "Shadow", "PCF.scn")},
		{name: "root level file", path: filepath.Join(root, "PCF.scn")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pending := Changes{Tests: make(map[string]struct{})}

			assert.Equal(t, tt.wantOK, w.record(&pending, tt.path))
			assert.Equal(t, tt.wantEngine, pending.Engine)

			if tt.wantTest != "" {
				assert.Equal(t, []string{tt.wantTest}, pending.Paths())
			} else {
				assert.Empty(t, pending.Tests)
			}
		})
	}
}

func TestChangesPaths(t *testing.T) {
	c := Changes{Tests: map[string]struct{}{
		"Shadow/PCF":   {},
		"Light/Spot":   {},
		"Shadow/Basic": {},
	}}

	assert.Equal(t, []string{"Light/Spot", "Shadow/Basic", "Shadow/PCF"}, c.Paths())
	assert.False(t, c.empty())
	assert.True(t, Changes{}.empty())
}

func TestRunDebouncesSceneChanges(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Shadow"), 0o755))

	batches := make(chan Changes, 4)
	w := New(testLogger(), model.Layout{TestDir: root, SceneExt: "scn"}, "", 50*time.Millisecond,
		func(_ context.Context, c Changes) error {
			batches <- c

			return nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- w.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register its directories.
	time.Sleep(100 * time.Millisecond)

	scene := filepath.Join(root, "Shadow", "PCF.scn")
	for range 3 {
		require.NoError(t, os.WriteFile(scene, []byte("scene"), 0o644))
	}

	require.NoError(t, os.WriteFile(filepath.Join(root, "Shadow", "notes.txt"), []byte("x"), 0o644))

	select {
	case c := <-batches:
		assert.False(t, c.Engine)
		assert.Equal(t, []string{"Shadow/PCF"}, c.Paths())
	case <-time.After(5 * time.Second):
		t.Fatal("no changes applied")
	}

	select {
	case c := <-batches:
		t.Fatalf("unexpected second batch: %v", c.Paths())
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRunWatchesNewCategories(t *testing.T) {
	root := t.TempDir()

	batches := make(chan Changes, 4)
	w := New(testLogger(), model.Layout{TestDir: root, SceneExt: "scn"}, "", 50*time.Millisecond,
		func(_ context.Context, c Changes) error {
			batches <- c

			return nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- w.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Light"), 0o755))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "Light", "Spot.scn"), []byte("scene"), 0o644))

	select {
	case c := <-batches:
		assert.Equal(t, []string{"Light/Spot"}, c.Paths())
	case <-time.After(5 * time.Second):
		t.Fatal("no changes applied")
	}
}
