package model

import (
	"path/filepath"
	"strings"
)

// ResultDateLayout prefixes archived result names.
const ResultDateLayout = "20060102_150405"

// Layout resolves the files of a test suite:
//
//	<tests>/<Category>/<Test>.<ext>                      scene
//	<tests>/<Category>/<Test>_ref.png                    reference image
//	<tests>/<Category>/Compare/<Status>/<Test>_<R>.png   differ output
//	<work>/Result/<Category>/<Status>/<date>_<Test>_<R>.png  archive
type Layout struct {
	TestDir  string
	WorkDir  string
	SceneExt string
}

// CategoryDir returns the folder of a category.
func (l Layout) CategoryDir(category string) string {
	return filepath.Join(l.TestDir, category)
}

// ScenePath returns the scene file of a test.
func (l Layout) ScenePath(t *Test) string {
	return filepath.Join(l.TestDir, t.Category.Name, t.Name+"."+l.SceneExt)
}

// ReferencePath returns the reference image of a test.
func (l Layout) ReferencePath(t *Test) string {
	return filepath.Join(l.TestDir, t.Category.Name, t.Name+"_ref.png")
}

// CompareDir returns the differ output folder for a status.
func (l Layout) CompareDir(category string, status TestStatus) string {
	return filepath.Join(l.TestDir, category, "Compare", status.String())
}

// CompareName returns the prefix of the differ output of a run. Files
// starting with it that are not diff images are candidates.
func CompareName(t *Test, renderer string) string {
	return t.Name + "_" + renderer
}

// ResultDir returns the archive folder of a category and status.
func (l Layout) ResultDir(category string, status TestStatus) string {
	return filepath.Join(l.WorkDir, "Result", category, status.String())
}

// ResultName returns the archived file name of a run.
func ResultName(r *TestRun) string {
	return r.RunDate.UTC().Format(ResultDateLayout) + "_" + CompareName(r.Test, r.Renderer.Name) + ".png"
}

// ResultPath returns the archived file of a run in its current status.
func (l Layout) ResultPath(r *TestRun) string {
	return filepath.Join(l.ResultDir(r.Test.Category.Name, r.Status), ResultName(r))
}

// SplitCompareName parses "<Test>_<Renderer>.png" into its parts. Diff
// images and names without a renderer suffix are rejected.
func SplitCompareName(name string) (test, renderer string, ok bool) {
	if !strings.EqualFold(filepath.Ext(name), ".png") || IsDiffImage(name) {
		return "", "", false
	}

	base := strings.TrimSuffix(name, filepath.Ext(name))

	idx := strings.LastIndex(base, "_")
	if idx <= 0 || idx == len(base)-1 {
		return "", "", false
	}

	return base[:idx], base[idx+1:], true
}

// IsDiffImage reports whether name is a pixel difference image written
// next to a comparison output, e.g. "PCF_vk.diff.png".
func IsDiffImage(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), "diff.png")
}
