package testdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/aria/pkg/counts"
	"github.com/ethpandaops/aria/pkg/fsutil"
	"github.com/ethpandaops/aria/pkg/model"
)

// ErrNotResultStatus is returned when a persisted status is not one of
// the four classifications.
var ErrNotResultStatus = errors.New("status is not a result status")

// RunMap lists the DatabaseTests of one renderer by category name.
type RunMap map[string][]*DatabaseTest

// All returns every DatabaseTest ordered by category then test name.
func (m RunMap) All() []*DatabaseTest {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}

	sort.Strings(names)

	var out []*DatabaseTest
	for _, n := range names {
		out = append(out, m[n]...)
	}

	return out
}

// Find returns the DatabaseTest of a test.
func (m RunMap) Find(category, test string) (*DatabaseTest, bool) {
	for _, d := range m[category] {
		if d.run.Test.Name == test {
			return d, true
		}
	}

	return nil, false
}

// RendererRuns lists the RunMap of each renderer name.
type RendererRuns map[string]RunMap

// All returns every DatabaseTest ordered by renderer, category and test.
func (r RendererRuns) All() []*DatabaseTest {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}

	sort.Strings(names)

	var out []*DatabaseTest
	for _, n := range names {
		out = append(out, r[n].All()...)
	}

	return out
}

// Find returns the DatabaseTest of a test under a renderer.
func (r RendererRuns) Find(renderer, category, test string) (*DatabaseTest, bool) {
	runs, ok := r[renderer]
	if !ok {
		return nil, false
	}

	return runs.Find(category, test)
}

// ForTest returns the DatabaseTest of a test under every renderer, ordered
// by renderer name.
func (r RendererRuns) ForTest(category, test string) []*DatabaseTest {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}

	sort.Strings(names)

	var out []*DatabaseTest

	for _, n := range names {
		if d, ok := r[n].Find(category, test); ok {
			out = append(out, d)
		}
	}

	return out
}

// DatabaseTest is the latest run of a test under one renderer, bound to
// the counts leaf it is registered in. Every transition keeps the store,
// the archived result file and the counts in step.
type DatabaseTest struct {
	db   *TestDatabase
	run  *model.TestRun
	leaf *counts.Category
	log  logrus.FieldLogger

	// saved is the last persisted status, which names the folder holding
	// the archived result.
	saved model.TestStatus
	// ignored is the flag the leaf currently counts this run with.
	ignored bool

	outOfCastorDate bool
	outOfSceneDate  bool
	outOfDate       bool
}

// newDatabaseTest wraps run. A stored run of an ignored test reads as
// Negligible; a test that never ran stays NotRun.
func newDatabaseTest(t *TestDatabase, run *model.TestRun, leaf *counts.Category) *DatabaseTest {
	if run.Test.IgnoreResult && run.ID != 0 {
		run.Status = model.StatusNegligible
	}

	return &DatabaseTest{
		db:   t,
		run:  run,
		leaf: leaf,
		log: t.log.WithFields(logrus.Fields{
			"test":     run.Test.Path(),
			"renderer": run.Renderer.Name,
		}),
		saved:   run.Status,
		ignored: run.Test.IgnoreResult,
	}
}

// Run returns the wrapped run.
func (d *DatabaseTest) Run() *model.TestRun { return d.run }

// Test returns the test of the run.
func (d *DatabaseTest) Test() *model.Test { return d.run.Test }

// Renderer returns the renderer of the run.
func (d *DatabaseTest) Renderer() model.Renderer { return d.run.Renderer }

// Counts returns the leaf the run is counted in.
func (d *DatabaseTest) Counts() *counts.Category { return d.leaf }

// Status returns the current status, possibly a running frame.
func (d *DatabaseTest) Status() model.TestStatus { return d.run.Status }

// IgnoreResult reports whether the test result is ignored.
func (d *DatabaseTest) IgnoreResult() bool { return d.run.Test.IgnoreResult }

// IsOutOfDate reports whether the engine or the scene changed since the run.
func (d *DatabaseTest) IsOutOfDate() bool { return d.outOfDate }

// IsOutOfCastorDate reports whether the engine changed since the run.
func (d *DatabaseTest) IsOutOfCastorDate() bool { return d.outOfCastorDate }

// IsOutOfSceneDate reports whether the scene changed since the run.
func (d *DatabaseTest) IsOutOfSceneDate() bool { return d.outOfSceneDate }

// Keywords returns the keywords the test is tagged with.
func (d *DatabaseTest) Keywords() []model.Keyword {
	return d.db.testKeywords[d.run.Test.ID]
}

// ResultPath returns the archived result of the last persisted run, or
// an empty string when there is none.
func (d *DatabaseTest) ResultPath() string {
	if d.run.ID == 0 || !model.IsResult(d.saved) {
		return ""
	}

	return filepath.Join(
		d.db.layout.ResultDir(d.run.Test.Category.Name, d.saved),
		model.ResultName(d.run),
	)
}

// CreateNewRun records the first execution of the test under its renderer.
// The differ output found under the raw status is archived, and copied over
// the reference image when the result is ignored.
func (d *DatabaseTest) CreateNewRun(ctx context.Context, raw model.TestStatus, runDate time.Time) error {
	if !model.IsResult(raw) {
		return fmt.Errorf("%w: %s", ErrNotResultStatus, raw)
	}

	status := d.override(raw)
	prev := d.run.Status

	d.run.RunDate = truncate(runDate)
	d.run.CastorDate = d.db.EngineDate()
	d.run.SceneDate = d.db.SceneDate(d.run.Test)
	d.run.Status = status

	id, err := d.db.stmts.runs.create(ctx,
		d.run.Test.ID,
		d.run.Renderer.ID,
		d.run.RunDate,
		status,
		d.run.CastorDate,
		d.run.SceneDate,
	)
	if err != nil {
		d.log.WithError(err).Error("Failed to insert run")
	} else {
		d.run.ID = id
	}

	d.archiveCompare(raw, status, false)
	d.leaf.Move(prev, status)
	d.saved = status

	if d.run.Test.IgnoreResult {
		d.copyToReference()
	}

	d.refresh()

	return nil
}

// RecordRun records a later execution. The previous archive is moved to
// the new status folder under its new name, then overwritten by the
// fresh differ output.
func (d *DatabaseTest) RecordRun(ctx context.Context, raw model.TestStatus, runDate time.Time) error {
	if d.run.ID == 0 {
		return d.CreateNewRun(ctx, raw, runDate)
	}

	if !model.IsResult(raw) {
		return fmt.Errorf("%w: %s", ErrNotResultStatus, raw)
	}

	status := d.override(raw)
	prev := d.run.Status
	category := d.run.Test.Category.Name

	fromDir := d.db.layout.ResultDir(category, d.saved)
	fromName := model.ResultName(d.run)
	hadResult := model.IsResult(d.saved)

	d.run.RunDate = truncate(runDate)
	d.run.CastorDate = d.db.EngineDate()
	d.run.SceneDate = d.db.SceneDate(d.run.Test)
	d.run.Status = status

	if !d.db.stmts.updateRun.update(ctx,
		d.run.RunDate, int32(status), d.run.CastorDate, d.run.SceneDate, d.run.ID) {
		d.log.Error("Failed to persist run")
	}

	if hadResult {
		d.db.moveFile(fromDir, d.db.layout.ResultDir(category, status), fromName, model.ResultName(d.run), false)
	}

	d.archiveCompare(raw, status, true)
	d.leaf.Move(prev, status)
	d.saved = status

	if d.run.Test.IgnoreResult {
		d.copyToReference()
	}

	d.refresh()

	return nil
}

// UpdateStatus changes the result of the run, refreshing its engine date.
// The archived result follows into the new status folder and, when
// useAsReference is set, replaces the reference image.
func (d *DatabaseTest) UpdateStatus(ctx context.Context, status model.TestStatus, useAsReference bool) error {
	if !model.IsResult(status) {
		return fmt.Errorf("%w: %s", ErrNotResultStatus, status)
	}

	status = d.override(status)
	prev := d.run.Status
	from := d.saved

	if engine := d.db.EngineDate(); !engine.IsZero() {
		d.run.CastorDate = engine
	}

	d.leaf.Move(prev, status)
	d.run.Status = status

	if d.run.ID != 0 {
		if !d.db.stmts.updateStatus.update(ctx,
			int32(status), d.run.CastorDate, d.run.SceneDate, d.run.ID) {
			d.log.Error("Failed to persist status")
		}

		if model.IsResult(from) && model.IsResult(status) && from != status {
			category := d.run.Test.Category.Name
			name := model.ResultName(d.run)
			d.db.moveFile(d.db.layout.ResultDir(category, from), d.db.layout.ResultDir(category, status), name, name, false)
		}

		d.saved = status
	}

	if useAsReference {
		d.copyToReference()
	}

	d.refresh()

	return nil
}

// UpdateStatusNW changes the status in memory and in the counts only. It
// is used for the running frames, which are never persisted.
func (d *DatabaseTest) UpdateStatusNW(status model.TestStatus) {
	d.leaf.Move(d.run.Status, status)
	d.run.Status = status
}

// UpdateIgnoreResult sets the ignore flag of the test. Ignoring also
// forces a stored run to Negligible and stamps it with castorDate.
func (d *DatabaseTest) UpdateIgnoreResult(
	ctx context.Context,
	ignore bool,
	castorDate time.Time,
	useAsReference bool,
) error {
	test := d.run.Test

	if test.IgnoreResult != ignore {
		test.IgnoreResult = ignore

		if !d.db.stmts.updateIgnore.update(ctx, boolInt(ignore), test.ID) {
			d.log.Error("Failed to persist ignore flag")
		}
	}

	if d.ignored != ignore {
		d.ignored = ignore

		if ignore {
			d.leaf.AddIgnored()
		} else {
			d.leaf.RemoveIgnored()
		}
	}

	if !ignore || d.run.ID == 0 {
		return nil
	}

	if err := d.UpdateStatus(ctx, model.StatusNegligible, useAsReference); err != nil {
		return err
	}

	if castorDate = truncate(castorDate); !castorDate.IsZero() && !castorDate.Equal(d.run.CastorDate) {
		d.run.CastorDate = castorDate
		d.persistDate(ctx, d.db.stmts.updateCastorDate, castorDate)
		d.refresh()
	}

	return nil
}

// UpdateCastorDate moves the engine date of the run forward. Older or
// equal dates are ignored. It reports whether the date changed.
func (d *DatabaseTest) UpdateCastorDate(ctx context.Context, date time.Time) bool {
	date = truncate(date)
	if !isNewer(date, d.run.CastorDate) {
		return false
	}

	d.run.CastorDate = date
	d.persistDate(ctx, d.db.stmts.updateCastorDate, date)
	d.refresh()

	return true
}

// UpdateSceneDate moves the scene date of the run forward. Older or
// equal dates are ignored. It reports whether the date changed.
func (d *DatabaseTest) UpdateSceneDate(ctx context.Context, date time.Time) bool {
	date = truncate(date)
	if !isNewer(date, d.run.SceneDate) {
		return false
	}

	d.run.SceneDate = date
	d.persistDate(ctx, d.db.stmts.updateSceneDate, date)
	d.refresh()

	return true
}

// RefreshDates stamps the run with the current engine and scene times,
// marking it up to date. It reports whether either date changed.
func (d *DatabaseTest) RefreshDates(ctx context.Context) bool {
	castor := d.UpdateCastorDate(ctx, d.db.EngineDate())
	scene := d.UpdateSceneDate(ctx, d.db.SceneDate(d.run.Test))

	return castor || scene
}

func (d *DatabaseTest) persistDate(ctx context.Context, stmt *prepared, date time.Time) {
	if d.run.ID == 0 {
		return
	}

	if !stmt.update(ctx, date, d.run.ID) {
		d.log.Error("Failed to persist run date")
	}
}

// override applies the ignore flag to a status.
func (d *DatabaseTest) override(status model.TestStatus) model.TestStatus {
	if d.run.Test.IgnoreResult {
		return model.StatusNegligible
	}

	return status
}

func (d *DatabaseTest) archiveCompare(raw, status model.TestStatus, force bool) {
	category := d.run.Test.Category.Name
	compareDir := d.db.layout.CompareDir(category, raw)

	name, ok := findCompare(compareDir, model.CompareName(d.run.Test, d.run.Renderer.Name))
	if !ok {
		d.log.WithField("dir", compareDir).Warn("No comparison output to archive")

		return
	}

	d.db.moveFile(compareDir, d.db.layout.ResultDir(category, status), name, model.ResultName(d.run), force)
}

func (d *DatabaseTest) copyToReference() {
	src := d.ResultPath()
	if src == "" {
		return
	}

	dst := d.db.layout.ReferencePath(d.run.Test)

	if err := fsutil.CopyFile(src, dst, nil); err != nil {
		d.log.WithError(err).Warn("Failed to update reference image")

		return
	}

	d.log.WithField("reference", dst).Info("Reference image updated")
}

// computeStaleness sets the staleness flags without touching the counts.
func (d *DatabaseTest) computeStaleness(engine, scene time.Time) {
	d.outOfCastorDate = d.run.CastorDate.IsZero() || d.run.CastorDate.Before(engine)
	d.outOfSceneDate = d.run.SceneDate.IsZero() || d.run.SceneDate.Before(scene)
	d.outOfDate = d.outOfCastorDate || d.outOfSceneDate
}

// refreshStaleness recomputes the flags and moves the outdated counter
// when the overall flag flips. It reports whether any flag changed.
func (d *DatabaseTest) refreshStaleness(engine, scene time.Time) bool {
	castor, sceneFlag, outdated := d.outOfCastorDate, d.outOfSceneDate, d.outOfDate

	d.computeStaleness(engine, scene)

	if outdated != d.outOfDate {
		if d.outOfDate {
			d.leaf.AddOutdated()
		} else {
			d.leaf.RemoveOutdated()
		}
	}

	return castor != d.outOfCastorDate || sceneFlag != d.outOfSceneDate || outdated != d.outOfDate
}

func (d *DatabaseTest) refresh() {
	d.refreshStaleness(d.db.EngineDate(), d.db.SceneDate(d.run.Test))
}

func (t *TestDatabase) moveFile(srcDir, dstDir, srcName, dstName string, force bool) {
	if err := fsutil.MoveFile(srcDir, dstDir, srcName, dstName, force, t.owner); err != nil {
		t.log.WithError(err).WithFields(logrus.Fields{
			"from": filepath.Join(srcDir, srcName),
			"to":   filepath.Join(dstDir, dstName),
		}).Warn("Failed to move result file")
	}
}

func truncate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}

	return t.UTC().Truncate(time.Second)
}

func isNewer(date, current time.Time) bool {
	if date.IsZero() {
		return false
	}

	return current.IsZero() || date.After(current)
}

// RunInfo is a flat view of a DatabaseTest.
type RunInfo struct {
	Renderer        string     `json:"renderer"`
	Category        string     `json:"category"`
	Test            string     `json:"test"`
	Status          string     `json:"status"`
	RunDate         *time.Time `json:"run_date,omitempty"`
	CastorDate      *time.Time `json:"castor_date,omitempty"`
	SceneDate       *time.Time `json:"scene_date,omitempty"`
	IgnoreResult    bool       `json:"ignore_result"`
	OutOfDate       bool       `json:"out_of_date"`
	OutOfCastorDate bool       `json:"out_of_castor_date"`
	OutOfSceneDate  bool       `json:"out_of_scene_date"`
	Keywords        []string   `json:"keywords,omitempty"`
}

// Info returns the flat view of the run.
func (d *DatabaseTest) Info() RunInfo {
	info := RunInfo{
		Renderer:        d.run.Renderer.Name,
		Category:        d.run.Test.Category.Name,
		Test:            d.run.Test.Name,
		Status:          d.run.Status.String(),
		RunDate:         timePtr(d.run.RunDate),
		CastorDate:      timePtr(d.run.CastorDate),
		SceneDate:       timePtr(d.run.SceneDate),
		IgnoreResult:    d.run.Test.IgnoreResult,
		OutOfDate:       d.outOfDate,
		OutOfCastorDate: d.outOfCastorDate,
		OutOfSceneDate:  d.outOfSceneDate,
	}

	for _, kw := range d.Keywords() {
		info.Keywords = append(info.Keywords, kw.Name)
	}

	return info
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}
