// Package watch recomputes run staleness when scenes or the engine change
// on disk.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/aria/pkg/model"
	"github.com/ethpandaops/aria/pkg/runner"
	"github.com/ethpandaops/aria/pkg/testdb"
)

// DefaultDebounce is the quiet period before changes are applied.
const DefaultDebounce = 500 * time.Millisecond

// Changes are the modifications seen during one debounce window.
type Changes struct {
	// Engine is set when the engine binary changed; every run is affected.
	Engine bool
	// Tests holds the "<Category>/<Test>" paths of changed scenes.
	Tests map[string]struct{}
}

// Paths returns the changed test paths in order.
func (c Changes) Paths() []string {
	paths := lo.Keys(c.Tests)
	sort.Strings(paths)

	return paths
}

func (c Changes) empty() bool {
	return !c.Engine && len(c.Tests) == 0
}

// ApplyFunc consumes a batch of changes.
type ApplyFunc func(ctx context.Context, c Changes) error

// Watcher watches the test root and the engine binary.
type Watcher struct {
	log      logrus.FieldLogger
	layout   model.Layout
	engine   string
	debounce time.Duration
	apply    ApplyFunc
}

// New creates a watcher. engine may be empty.
func New(log logrus.FieldLogger, layout model.Layout, engine string, debounce time.Duration, apply ApplyFunc) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	if engine != "" {
		engine = filepath.Clean(engine)
	}

	return &Watcher{
		log:      log.WithField("component", "watch"),
		layout:   layout,
		engine:   engine,
		debounce: debounce,
		apply:    apply,
	}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	if err := w.watchTree(fw, w.layout.TestDir); err != nil {
		return fmt.Errorf("watching %s: %w", w.layout.TestDir, err)
	}

	if w.engine != "" {
		if err := fw.Add(filepath.Dir(w.engine)); err != nil {
			w.log.WithError(err).WithField("engine", w.engine).Warn("Cannot watch engine directory")
		}
	}

	w.log.WithFields(logrus.Fields{
		"dir":    w.layout.TestDir,
		"engine": w.engine,
	}).Info("Watching for changes")

	timer := time.NewTimer(w.debounce)
	timer.Stop()

	defer timer.Stop()

	pending := Changes{Tests: make(map[string]struct{})}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}

			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}

			if ev.Op&fsnotify.Create != 0 && w.isWatchableDir(ev.Name) {
				if err := w.watchTree(fw, ev.Name); err != nil {
					w.log.WithError(err).WithField("dir", ev.Name).Warn("Cannot watch new directory")
				}

				continue
			}

			if !w.record(&pending, ev.Name) {
				continue
			}

			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}

			w.log.WithError(err).Warn("Watcher error")
		case <-timer.C:
			if pending.empty() {
				continue
			}

			batch := pending
			pending = Changes{Tests: make(map[string]struct{})}

			if err := w.apply(ctx, batch); err != nil {
				w.log.WithError(err).Warn("Failed to apply changes")
			}
		}
	}
}

// record classifies a changed path into pending. It reports whether the
// path was relevant.
func (w *Watcher) record(pending *Changes, path string) bool {
	path = filepath.Clean(path)

	if w.engine != "" && path == w.engine {
		pending.Engine = true

		return true
	}

	test, ok := w.scenePath(path)
	if !ok {
		return false
	}

	pending.Tests[test] = struct{}{}

	return true
}

// scenePath maps "<TestDir>/<Category>/<Test>.<ext>" to "<Category>/<Test>".
func (w *Watcher) scenePath(path string) (string, bool) {
	rel, err := filepath.Rel(w.layout.TestDir, path)
	if err != nil {
		return "", false
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || skipDir(parts[0]) {
		return "", false
	}

	ext := "." + w.layout.SceneExt
	if !strings.HasSuffix(parts[1], ext) || strings.HasPrefix(parts[1], ".") {
		return "", false
	}

	name := strings.TrimSuffix(parts[1], ext)
	if name == "" {
		return "", false
	}

	return parts[0] + "/" + name, true
}

// isWatchableDir reports whether path is a category directory.
func (w *Watcher) isWatchableDir(path string) bool {
	rel, err := filepath.Rel(w.layout.TestDir, path)
	if err != nil || strings.Contains(filepath.ToSlash(rel), "/") || skipDir(rel) {
		return false
	}

	info, err := os.Stat(path)

	return err == nil && info.IsDir()
}

// watchTree adds dir and its category directories. Only the first level
// holds scenes.
func (w *Watcher) watchTree(fw *fsnotify.Watcher, dir string) error {
	if err := fw.Add(dir); err != nil {
		return err
	}

	if filepath.Clean(dir) != filepath.Clean(w.layout.TestDir) {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if !e.IsDir() || skipDir(e.Name()) {
			continue
		}

		if err := fw.Add(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}

	return nil
}

func skipDir(name string) bool {
	return name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") || name == "Result"
}

// Refresh returns an ApplyFunc that recomputes the staleness of the
// affected runs on the runner.
func Refresh(log logrus.FieldLogger, r runner.Runner) ApplyFunc {
	log = log.WithField("component", "watch")

	return func(ctx context.Context, c Changes) error {
		return r.Do(ctx, func(s *runner.State) error {
			runs := s.Runs.All()

			if !c.Engine {
				runs = lo.Filter(runs, func(d *testdb.DatabaseTest, _ int) bool {
					_, ok := c.Tests[d.Test().Path()]

					return ok
				})
			}

			changed := s.DB.RefreshStaleness(runs)

			log.WithFields(logrus.Fields{
				"engine":  c.Engine,
				"scenes":  len(c.Tests),
				"checked": len(runs),
				"changed": changed,
			}).Info("Staleness refreshed")

			return nil
		})
	}
}
