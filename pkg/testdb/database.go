// Package testdb keeps the test history store: schema versions, the
// renderer, category and keyword registries, tests and their latest run
// per renderer, and the status state machine of each run.
//
// A TestDatabase and the DatabaseTests it hands out are not safe for
// concurrent use; they are owned by a single goroutine.
package testdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/aria/pkg/config"
	"github.com/ethpandaops/aria/pkg/counts"
	"github.com/ethpandaops/aria/pkg/db"
	"github.com/ethpandaops/aria/pkg/fsutil"
	"github.com/ethpandaops/aria/pkg/model"
)

var (
	// ErrNotInitialised is returned when the store is used before Initialise.
	ErrNotInitialised = errors.New("test database not initialised")

	// ErrEmptyName is returned when a renderer, category, keyword or test
	// name is empty.
	ErrEmptyName = errors.New("empty name")

	// ErrUnknownCategory is returned when a test refers to a category
	// that has not been created.
	ErrUnknownCategory = errors.New("unknown category")
)

// TestMap lists the tests of each category name, in name order.
type TestMap map[string][]*model.Test

// Tests returns every test ordered by category then name.
func (m TestMap) Tests() []*model.Test {
	names := lo.Keys(m)
	sort.Strings(names)

	out := make([]*model.Test, 0, lo.SumBy(names, func(n string) int { return len(m[n]) }))
	for _, n := range names {
		out = append(out, m[n]...)
	}

	return out
}

// Find returns the test of a category by name.
func (m TestMap) Find(category, name string) (*model.Test, bool) {
	return lo.Find(m[category], func(t *model.Test) bool { return t.Name == name })
}

// TestDatabase is the test history store.
type TestDatabase struct {
	log    logrus.FieldLogger
	conn   *db.Connection
	layout model.Layout
	engine string
	owner  *fsutil.OwnerConfig
	fill   bool

	stmts *statements

	renderers    map[string]model.Renderer
	categories   map[string]model.Category
	categoryByID map[int32]model.Category
	keywords     []model.Keyword
	keywordByID  map[int32]model.Keyword
	testKeywords map[int32][]model.Keyword
}

// New creates a store on top of an opened connection. Initialise must be
// called before use.
func New(
	log logrus.FieldLogger,
	conn *db.Connection,
	tests *config.TestsConfig,
	tools *config.ToolsConfig,
) (*TestDatabase, error) {
	owner, err := fsutil.ParseOwner(tests.ResultsOwner)
	if err != nil {
		return nil, fmt.Errorf("parsing results owner: %w", err)
	}

	workDir := tests.WorkDir
	if workDir == "" {
		workDir = tests.Dir
	}

	return &TestDatabase{
		log:  log.WithField("component", "testdb"),
		conn: conn,
		layout: model.Layout{
			TestDir:  tests.Dir,
			WorkDir:  workDir,
			SceneExt: strings.TrimPrefix(tests.SceneExtension, "."),
		},
		engine:       tools.Engine,
		owner:        owner,
		fill:         tests.InitFromFolder,
		renderers:    make(map[string]model.Renderer, 4),
		categories:   make(map[string]model.Category, 32),
		categoryByID: make(map[int32]model.Category, 32),
		keywordByID:  make(map[int32]model.Keyword, len(DefaultKeywords)),
		testKeywords: make(map[int32][]model.Keyword, 256),
	}, nil
}

// Initialise migrates the store, prepares its statements, optionally
// fills it from the test folder and loads the registries.
func (t *TestDatabase) Initialise(ctx context.Context) error {
	if err := t.migrate(ctx); err != nil {
		return err
	}

	stmts, err := prepareStatements(ctx, t.conn)
	if err != nil {
		return err
	}

	t.stmts = stmts

	if err := t.loadRegistries(ctx); err != nil {
		return err
	}

	if t.fill {
		if err := t.fillFromFolder(ctx); err != nil {
			return fmt.Errorf("filling from %s: %w", t.layout.TestDir, err)
		}
	}

	t.log.WithFields(logrus.Fields{
		"renderers":  len(t.renderers),
		"categories": len(t.categories),
		"keywords":   len(t.keywords),
	}).Info("Test store initialised")

	return nil
}

// Close releases the prepared statements. The connection stays open.
func (t *TestDatabase) Close() {
	if t.stmts != nil {
		t.stmts.close()
		t.stmts = nil
	}
}

// Layout returns the on-disk layout of the suite.
func (t *TestDatabase) Layout() model.Layout {
	return t.layout
}

// Connection returns the underlying connection.
func (t *TestDatabase) Connection() *db.Connection {
	return t.conn
}

func (t *TestDatabase) loadRegistries(ctx context.Context) error {
	renderers, err := t.stmts.renderers.all(ctx)
	if err != nil {
		return fmt.Errorf("loading renderers: %w", err)
	}

	for _, r := range renderers {
		t.renderers[r.Name] = r
	}

	categories, err := t.stmts.categories.all(ctx)
	if err != nil {
		return fmt.Errorf("loading categories: %w", err)
	}

	for _, c := range categories {
		t.categories[c.Name] = c
		t.categoryByID[c.ID] = c
	}

	keywords, err := t.stmts.keywords.all(ctx)
	if err != nil {
		return fmt.Errorf("loading keywords: %w", err)
	}

	t.keywords = keywords
	for _, k := range keywords {
		t.keywordByID[k.ID] = k
	}

	return nil
}

func (t *TestDatabase) checkInitialised() error {
	if t.stmts == nil {
		return ErrNotInitialised
	}

	return nil
}

func createIDValue(
	ctx context.Context,
	cache map[string]*model.IDValue,
	table *idTable,
	name string,
	limit int,
) (*model.IDValue, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}

	if len(name) > limit {
		name = name[:limit]
	}

	if v, ok := cache[name]; ok {
		return v, nil
	}

	id, err := table.create(ctx, name)
	if err != nil {
		return nil, err
	}

	v := &model.IDValue{ID: id, Name: name}
	cache[name] = v

	return v, nil
}

// CreateRenderer returns the renderer of that name, inserting it on first use.
func (t *TestDatabase) CreateRenderer(ctx context.Context, name string) (model.Renderer, error) {
	if err := t.checkInitialised(); err != nil {
		return nil, err
	}

	r, err := createIDValue(ctx, t.renderers, t.stmts.renderers, name, model.RendererNameSize)
	if err != nil {
		return nil, fmt.Errorf("creating renderer %q: %w", name, err)
	}

	return r, nil
}

// CreateCategory returns the category of that name, inserting it on first use.
func (t *TestDatabase) CreateCategory(ctx context.Context, name string) (model.Category, error) {
	if err := t.checkInitialised(); err != nil {
		return nil, err
	}

	c, err := createIDValue(ctx, t.categories, t.stmts.categories, name, model.CategoryNameSize)
	if err != nil {
		return nil, fmt.Errorf("creating category %q: %w", name, err)
	}

	t.categoryByID[c.ID] = c

	return c, nil
}

// CreateKeyword returns the keyword of that name, inserting it on first use.
func (t *TestDatabase) CreateKeyword(ctx context.Context, name string) (model.Keyword, error) {
	if err := t.checkInitialised(); err != nil {
		return nil, err
	}

	cache := lo.SliceToMap(t.keywords, func(k model.Keyword) (string, *model.IDValue) { return k.Name, k })

	k, err := createIDValue(ctx, cache, t.stmts.keywords, name, model.KeywordNameSize)
	if err != nil {
		return nil, fmt.Errorf("creating keyword %q: %w", name, err)
	}

	if _, known := t.keywordByID[k.ID]; !known {
		t.keywords = append(t.keywords, k)
		t.keywordByID[k.ID] = k
	}

	return k, nil
}

// Renderers returns the known renderers sorted by name.
func (t *TestDatabase) Renderers() []model.Renderer {
	return sortedValues(t.renderers)
}

// Categories returns the known categories sorted by name.
func (t *TestDatabase) Categories() []model.Category {
	return sortedValues(t.categories)
}

// Renderer returns a known renderer by name.
func (t *TestDatabase) Renderer(name string) (model.Renderer, bool) {
	r, ok := t.renderers[name]

	return r, ok
}

// Keywords returns the keyword vocabulary in creation order.
func (t *TestDatabase) Keywords() []model.Keyword {
	return t.keywords
}

func sortedValues(m map[string]*model.IDValue) []*model.IDValue {
	out := lo.Values(m)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// InsertTest inserts a test of an existing category and tags it with the
// keywords found in its name. The test ID is set on success.
func (t *TestDatabase) InsertTest(ctx context.Context, test *model.Test) error {
	if err := t.checkInitialised(); err != nil {
		return err
	}

	if test.Category == nil || test.Category.ID == 0 {
		return fmt.Errorf("%w: test %q", ErrUnknownCategory, test.Name)
	}

	if strings.TrimSpace(test.Name) == "" {
		return fmt.Errorf("inserting test: %w", ErrEmptyName)
	}

	id, err := t.stmts.tests.create(ctx, test.Category.ID, test.Name, test.IgnoreResult)
	if err != nil {
		return fmt.Errorf("inserting test %s: %w", test.Path(), err)
	}

	test.ID = id

	for _, kw := range matchKeywords(test.Name, t.keywords) {
		if !t.stmts.insertTestKeyword.update(ctx, test.ID, kw.ID) {
			t.log.WithFields(logrus.Fields{
				"test":    test.Path(),
				"keyword": kw.Name,
			}).Warn("Failed to tag test")

			continue
		}

		t.testKeywords[test.ID] = append(t.testKeywords[test.ID], kw)
	}

	return nil
}

// ListTests returns every test grouped by category name.
func (t *TestDatabase) ListTests(ctx context.Context) (TestMap, error) {
	if err := t.checkInitialised(); err != nil {
		return nil, err
	}

	result, err := t.stmts.listTests.selectRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tests: %w", err)
	}

	tests := make(TestMap, len(t.categories))

	for _, row := range result.Rows {
		categoryID := row.Field(1).Int32()

		category, ok := t.categoryByID[categoryID]
		if !ok {
			t.log.WithField("category_id", categoryID).Warn("Test refers to an unknown category")

			continue
		}

		tests[category.Name] = append(tests[category.Name], &model.Test{
			ID:           row.Field(0).Int32(),
			Category:     category,
			Name:         row.Field(2).String(),
			IgnoreResult: row.Field(3).Bool(),
		})
	}

	if err := t.loadTestKeywords(ctx); err != nil {
		return nil, err
	}

	return tests, nil
}

func (t *TestDatabase) loadTestKeywords(ctx context.Context) error {
	result, err := t.stmts.listTestKeywords.selectRows(ctx)
	if err != nil {
		return fmt.Errorf("listing test keywords: %w", err)
	}

	clear(t.testKeywords)

	for _, row := range result.Rows {
		if kw, ok := t.keywordByID[row.Field(1).Int32()]; ok {
			testID := row.Field(0).Int32()
			t.testKeywords[testID] = append(t.testKeywords[testID], kw)
		}
	}

	return nil
}

// TestKeywords reads the keywords a test is tagged with.
func (t *TestDatabase) TestKeywords(ctx context.Context, test *model.Test) ([]model.Keyword, error) {
	if err := t.checkInitialised(); err != nil {
		return nil, err
	}

	result, err := t.stmts.selectTestKeyword.selectRows(ctx, test.ID)
	if err != nil {
		return nil, fmt.Errorf("listing keywords of %s: %w", test.Path(), err)
	}

	out := make([]model.Keyword, 0, result.Len())

	for _, row := range result.Rows {
		if kw, ok := t.keywordByID[row.Field(0).Int32()]; ok {
			out = append(out, kw)
		}
	}

	return out, nil
}

// ListLatestRuns returns a DatabaseTest for every test under one renderer,
// holding its newest run or a NotRun placeholder, and registers each in
// the renderer's counts.
func (t *TestDatabase) ListLatestRuns(
	ctx context.Context,
	renderer model.Renderer,
	tests TestMap,
	rc *counts.Renderer,
) (RunMap, error) {
	if err := t.checkInitialised(); err != nil {
		return nil, err
	}

	result, err := t.stmts.listRendererRuns.selectRows(ctx, renderer.ID)
	if err != nil {
		return nil, fmt.Errorf("listing runs of %s: %w", renderer.Name, err)
	}

	latest := make(map[int32]*model.TestRun, result.Len())

	for _, row := range result.Rows {
		run := &model.TestRun{
			ID:         row.Field(0).Int32(),
			Renderer:   renderer,
			RunDate:    row.Field(2).Time(),
			Status:     model.TestStatus(row.Field(3).Int32()),
			CastorDate: row.Field(4).Time(),
			SceneDate:  row.Field(5).Time(),
		}

		if !run.Status.Valid() || model.IsRunning(run.Status) {
			t.log.WithField("run_id", run.ID).Warn("Ignoring run with an invalid status")

			continue
		}

		testID := row.Field(1).Int32()

		// Newest by run date, then by id.
		if prev, ok := latest[testID]; ok {
			if run.RunDate.Before(prev.RunDate) || (run.RunDate.Equal(prev.RunDate) && run.ID < prev.ID) {
				continue
			}
		}

		latest[testID] = run
	}

	engine := t.EngineDate()
	runs := make(RunMap, len(tests))

	for category, list := range tests {
		leaf := rc.Category(category)

		for _, test := range list {
			run, ok := latest[test.ID]
			if !ok {
				run = &model.TestRun{Renderer: renderer, Status: model.StatusNotRun}
			}

			run.Test = test

			d := newDatabaseTest(t, run, leaf)
			d.computeStaleness(engine, t.SceneDate(test))
			leaf.AddTest(run.Status, test.IgnoreResult, d.outOfDate)

			runs[category] = append(runs[category], d)
		}
	}

	return runs, nil
}

// ListAllLatestRuns calls ListLatestRuns for every known renderer.
func (t *TestDatabase) ListAllLatestRuns(ctx context.Context, tests TestMap, all *counts.All) (RendererRuns, error) {
	out := make(RendererRuns, len(t.renderers))

	for _, r := range t.Renderers() {
		runs, err := t.ListLatestRuns(ctx, r, tests, all.Renderer(r.Name))
		if err != nil {
			return nil, err
		}

		out[r.Name] = runs
	}

	return out, nil
}

// AddTestRuns registers a new test under every listed renderer.
func (t *TestDatabase) AddTestRuns(all RendererRuns, test *model.Test, counter *counts.All) []*DatabaseTest {
	engine := t.EngineDate()
	scene := t.SceneDate(test)
	added := make([]*DatabaseTest, 0, len(all))

	for name, runs := range all {
		renderer, ok := t.renderers[name]
		if !ok {
			continue
		}

		leaf := counter.Renderer(name).Category(test.Category.Name)
		d := newDatabaseTest(t, &model.TestRun{Test: test, Renderer: renderer}, leaf)
		d.computeStaleness(engine, scene)
		leaf.AddTest(d.run.Status, test.IgnoreResult, d.outOfDate)

		runs[test.Category.Name] = append(runs[test.Category.Name], d)
		added = append(added, d)
	}

	return added
}

// EngineDate returns the modification time of the engine binary.
func (t *TestDatabase) EngineDate() time.Time {
	if t.engine == "" {
		return time.Time{}
	}

	return fsutil.ModTime(t.engine)
}

// SceneDate returns the modification time of a test's scene file.
func (t *TestDatabase) SceneDate(test *model.Test) time.Time {
	return fsutil.ModTime(t.layout.ScenePath(test))
}

// RefreshStaleness recomputes the staleness of runs against the current
// file times and returns how many changed.
func (t *TestDatabase) RefreshStaleness(runs []*DatabaseTest) int {
	engine := t.EngineDate()
	changed := 0

	for _, d := range runs {
		if d.refreshStaleness(engine, t.SceneDate(d.run.Test)) {
			changed++
		}
	}

	return changed
}
