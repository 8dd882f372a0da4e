package testdb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/aria/pkg/fsutil"
	"github.com/ethpandaops/aria/pkg/model"
)

// Candidate is a differ output found for a test.
type Candidate struct {
	Status  model.TestStatus
	Name    string
	ModTime time.Time
}

// Path returns the file of the candidate.
func (c Candidate) Path(l model.Layout, category string) string {
	return filepath.Join(l.CompareDir(category, c.Status), c.Name)
}

// CompareCandidates lists the differ outputs of a test under a renderer
// across the four status folders. A candidate is a png starting with
// "<Test>_<Renderer>" that is not a diff image.
func CompareCandidates(l model.Layout, test *model.Test, renderer string) []Candidate {
	prefix := model.CompareName(test, renderer)

	var out []Candidate

	for _, status := range model.ResultStatuses {
		dir := l.CompareDir(test.Category.Name, status)

		for _, name := range compareFiles(dir, prefix) {
			out = append(out, Candidate{
				Status:  status,
				Name:    name,
				ModTime: fsutil.ModTime(filepath.Join(dir, name)),
			})
		}
	}

	return out
}

func compareFiles(dir, prefix string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var names []string

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !isCompareImage(name) || !strings.HasPrefix(name, prefix) {
			continue
		}

		names = append(names, name)
	}

	return names
}

func findCompare(dir, prefix string) (string, bool) {
	names := compareFiles(dir, prefix)
	if len(names) == 0 {
		return "", false
	}

	return names[0], true
}

func isCompareImage(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".png") && !model.IsDiffImage(name)
}

// fillFromFolder registers the categories and scenes found under the test
// root, then the differ outputs left in their Compare folders, which are
// archived into the Result tree. It does nothing once tests exist.
func (t *TestDatabase) fillFromFolder(ctx context.Context) error {
	existing, err := t.ListTests(ctx)
	if err != nil {
		return err
	}

	if len(existing) > 0 {
		t.log.Debug("Test store already filled, skipping folder scan")

		return nil
	}

	entries, err := os.ReadDir(t.layout.TestDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			t.log.WithField("dir", t.layout.TestDir).Warn("Test folder does not exist")

			return nil
		}

		return fmt.Errorf("reading test folder: %w", err)
	}

	var tests, runs int

	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || e.Name() == "Result" {
			continue
		}

		nt, nr, err := t.fillCategory(ctx, e.Name())
		if err != nil {
			return err
		}

		tests += nt
		runs += nr
	}

	t.log.WithFields(logrus.Fields{
		"tests": tests,
		"runs":  runs,
	}).Info("Filled test store from folder")

	return nil
}

func (t *TestDatabase) fillCategory(ctx context.Context, name string) (int, int, error) {
	dir := t.layout.CategoryDir(name)

	scenes, err := filepath.Glob(filepath.Join(dir, "*."+t.layout.SceneExt))
	if err != nil {
		return 0, 0, fmt.Errorf("listing scenes of %s: %w", name, err)
	}

	if len(scenes) == 0 {
		return 0, 0, nil
	}

	sort.Strings(scenes)

	category, err := t.CreateCategory(ctx, name)
	if err != nil {
		return 0, 0, err
	}

	tests := make(map[string]*model.Test, len(scenes))

	for _, scene := range scenes {
		test := &model.Test{
			Category: category,
			Name:     strings.TrimSuffix(filepath.Base(scene), filepath.Ext(scene)),
		}

		if err := t.InsertTest(ctx, test); err != nil {
			return 0, 0, err
		}

		tests[test.Name] = test
	}

	runs := 0

	for _, status := range model.ResultStatuses {
		compareDir := t.layout.CompareDir(name, status)

		entries, err := os.ReadDir(compareDir)
		if err != nil {
			continue
		}

		for _, e := range entries {
			testName, rendererName, ok := model.SplitCompareName(e.Name())
			if e.IsDir() || !ok {
				continue
			}

			test, known := tests[testName]
			if !known {
				t.log.WithField("file", e.Name()).Debug("Comparison output without scene")

				continue
			}

			if err := t.fillRun(ctx, test, rendererName, status, compareDir, e.Name()); err != nil {
				return 0, 0, err
			}

			runs++
		}
	}

	return len(tests), runs, nil
}

func (t *TestDatabase) fillRun(
	ctx context.Context,
	test *model.Test,
	rendererName string,
	status model.TestStatus,
	compareDir, file string,
) error {
	renderer, err := t.CreateRenderer(ctx, rendererName)
	if err != nil {
		return err
	}

	date := fsutil.ModTime(filepath.Join(compareDir, file))

	run := &model.TestRun{
		Test:       test,
		Renderer:   renderer,
		RunDate:    date,
		Status:     status,
		CastorDate: date,
		SceneDate:  date,
	}

	id, err := t.stmts.runs.create(ctx, test.ID, renderer.ID, date, status, date, date)
	if err != nil {
		return fmt.Errorf("inserting run of %s: %w", test.Path(), err)
	}

	run.ID = id

	t.moveFile(compareDir, t.layout.ResultDir(test.Category.Name, status), file, model.ResultName(run), false)

	return nil
}
