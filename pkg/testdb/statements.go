package testdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/aria/pkg/db"
	"github.com/ethpandaops/aria/pkg/model"
)

// ErrNoRowID is returned when a freshly inserted row cannot be read back.
var ErrNoRowID = errors.New("inserted row not found")

type column struct {
	name  string
	kind  db.FieldType
	limit uint32
}

func idColumn(name string) column {
	return column{name: name, kind: db.FieldTypeSint32}
}

func nameColumn(limit uint32) column {
	return column{name: "Name", kind: db.FieldTypeVarchar, limit: limit}
}

func dateColumn(name string) column {
	return column{name: name, kind: db.FieldTypeDatetime}
}

// prepared is a statement with its In parameters in placeholder order.
type prepared struct {
	*db.Statement
	params []*db.Parameter
}

func prepare(ctx context.Context, conn *db.Connection, query string, cols ...column) (*prepared, error) {
	stmt := conn.CreateStatement(query)
	p := &prepared{Statement: stmt, params: make([]*db.Parameter, 0, len(cols))}

	for _, c := range cols {
		param, err := stmt.CreateParameter(c.name, c.kind, c.limit, db.ParameterIn)
		if err != nil {
			return nil, fmt.Errorf("parameter %s of %q: %w", c.name, query, err)
		}

		p.params = append(p.params, param)
	}

	if err := stmt.Initialise(ctx); err != nil {
		return nil, fmt.Errorf("preparing %q: %w", query, err)
	}

	return p, nil
}

func (p *prepared) bind(values ...any) error {
	for i, v := range values {
		if err := p.params[i].SetValue(v); err != nil {
			return fmt.Errorf("binding %s: %w", p.params[i].Name(), err)
		}
	}

	return nil
}

func (p *prepared) update(ctx context.Context, values ...any) bool {
	if err := p.bind(values...); err != nil {
		return false
	}

	return p.ExecuteUpdate(ctx)
}

func (p *prepared) selectRows(ctx context.Context, values ...any) (*db.Result, error) {
	if err := p.bind(values...); err != nil {
		return nil, err
	}

	result := p.ExecuteSelect(ctx)
	if result == nil {
		return nil, &db.QueryError{Query: p.Query(), Err: errors.New("select failed")}
	}

	return result, nil
}

// closeAll closes every non-nil statement.
func closeAll(stmts ...*prepared) {
	for _, s := range stmts {
		if s != nil {
			_ = s.Close()
		}
	}
}

// idTable creates and resolves the named rows of Renderer, Category and
// Keyword.
type idTable struct {
	insert *prepared
	lookup *prepared
	list   *prepared
}

func prepareIDTable(ctx context.Context, conn *db.Connection, table string, limit uint32) (*idTable, error) {
	insert, err := prepare(ctx, conn, "INSERT INTO "+table+" (Name) VALUES (?)", nameColumn(limit))
	if err != nil {
		return nil, err
	}

	lookup, err := prepare(ctx, conn, "SELECT Id FROM "+table+" WHERE Name=?", nameColumn(limit))
	if err != nil {
		closeAll(insert)

		return nil, err
	}

	list, err := prepare(ctx, conn, "SELECT Id, Name FROM "+table+" ORDER BY Id")
	if err != nil {
		closeAll(insert, lookup)

		return nil, err
	}

	return &idTable{insert: insert, lookup: lookup, list: list}, nil
}

func (t *idTable) create(ctx context.Context, name string) (int32, error) {
	if !t.insert.update(ctx, name) {
		return 0, &db.QueryError{Query: t.insert.Query(), Err: errors.New("insert failed")}
	}

	result, err := t.lookup.selectRows(ctx, name)
	if err != nil {
		return 0, err
	}

	if result.Empty() {
		return 0, fmt.Errorf("%w: %q", ErrNoRowID, name)
	}

	return result.Rows[0].Field(0).Int32(), nil
}

func (t *idTable) all(ctx context.Context) ([]*model.IDValue, error) {
	result, err := t.list.selectRows(ctx)
	if err != nil {
		return nil, err
	}

	values := make([]*model.IDValue, 0, result.Len())
	for _, row := range result.Rows {
		values = append(values, &model.IDValue{
			ID:   row.Field(0).Int32(),
			Name: row.Field(1).String(),
		})
	}

	return values, nil
}

func (t *idTable) close() {
	closeAll(t.insert, t.lookup, t.list)
}

// testTable inserts tests and reads them back.
type testTable struct {
	insert *prepared
	lookup *prepared
}

func prepareTestTable(ctx context.Context, conn *db.Connection) (*testTable, error) {
	insert, err := prepare(ctx, conn,
		"INSERT INTO Test (CategoryId, Name, IgnoreResult) VALUES (?, ?, ?)",
		idColumn("CategoryId"), nameColumn(model.TestNameSize), idColumn("IgnoreResult"))
	if err != nil {
		return nil, err
	}

	lookup, err := prepare(ctx, conn,
		"SELECT Id FROM Test WHERE CategoryId=? AND Name=?",
		idColumn("CategoryId"), nameColumn(model.TestNameSize))
	if err != nil {
		closeAll(insert)

		return nil, err
	}

	return &testTable{insert: insert, lookup: lookup}, nil
}

func (t *testTable) create(ctx context.Context, categoryID int32, name string, ignore bool) (int32, error) {
	if !t.insert.update(ctx, categoryID, name, boolInt(ignore)) {
		return 0, &db.QueryError{Query: t.insert.Query(), Err: errors.New("insert failed")}
	}

	result, err := t.lookup.selectRows(ctx, categoryID, name)
	if err != nil {
		return 0, err
	}

	if result.Empty() {
		return 0, fmt.Errorf("%w: test %q", ErrNoRowID, name)
	}

	return result.Rows[0].Field(0).Int32(), nil
}

func (t *testTable) close() {
	closeAll(t.insert, t.lookup)
}

// runTable inserts runs and reads back their id.
type runTable struct {
	insert *prepared
	lookup *prepared
}

func prepareRunTable(ctx context.Context, conn *db.Connection) (*runTable, error) {
	insert, err := prepare(ctx, conn,
		"INSERT INTO TestRun (TestId, RendererId, RunDate, Status, CastorDate, SceneDate) VALUES (?, ?, ?, ?, ?, ?)",
		idColumn("TestId"), idColumn("RendererId"), dateColumn("RunDate"),
		idColumn("Status"), dateColumn("CastorDate"), dateColumn("SceneDate"))
	if err != nil {
		return nil, err
	}

	lookup, err := prepare(ctx, conn,
		"SELECT MAX(Id) FROM TestRun WHERE TestId=? AND RendererId=?",
		idColumn("TestId"), idColumn("RendererId"))
	if err != nil {
		closeAll(insert)

		return nil, err
	}

	return &runTable{insert: insert, lookup: lookup}, nil
}

func (t *runTable) create(
	ctx context.Context,
	testID, rendererID int32,
	runDate time.Time,
	status model.TestStatus,
	castorDate, sceneDate time.Time,
) (int32, error) {
	if !t.insert.update(ctx, testID, rendererID, runDate, int32(status), castorDate, sceneDate) {
		return 0, &db.QueryError{Query: t.insert.Query(), Err: errors.New("insert failed")}
	}

	result, err := t.lookup.selectRows(ctx, testID, rendererID)
	if err != nil {
		return 0, err
	}

	if result.Empty() || result.Rows[0].Field(0).IsNull() {
		return 0, fmt.Errorf("%w: run of test %d", ErrNoRowID, testID)
	}

	return result.Rows[0].Field(0).Int32(), nil
}

func (t *runTable) close() {
	closeAll(t.insert, t.lookup)
}

// statements are the queries used once the store is at its latest version.
type statements struct {
	renderers  *idTable
	categories *idTable
	keywords   *idTable
	tests      *testTable
	runs       *runTable

	insertTestKeyword *prepared
	listTests         *prepared
	listTestKeywords  *prepared
	listRendererRuns  *prepared
	selectTestKeyword *prepared
	updateIgnore      *prepared
	updateStatus      *prepared
	updateRun         *prepared
	updateCastorDate  *prepared
	updateSceneDate   *prepared
	selectVersion     *prepared
}

func prepareStatements(ctx context.Context, conn *db.Connection) (*statements, error) {
	s := &statements{}

	var err error

	fail := func(what string, err error) (*statements, error) {
		s.close()

		return nil, fmt.Errorf("preparing %s statements: %w", what, err)
	}

	if s.renderers, err = prepareIDTable(ctx, conn, "Renderer", model.RendererNameSize); err != nil {
		return fail("renderer", err)
	}

	if s.categories, err = prepareIDTable(ctx, conn, "Category", model.CategoryNameSize); err != nil {
		return fail("category", err)
	}

	if s.keywords, err = prepareIDTable(ctx, conn, "Keyword", model.KeywordNameSize); err != nil {
		return fail("keyword", err)
	}

	if s.tests, err = prepareTestTable(ctx, conn); err != nil {
		return fail("test", err)
	}

	if s.runs, err = prepareRunTable(ctx, conn); err != nil {
		return fail("run", err)
	}

	queries := []struct {
		dst   **prepared
		query string
		cols  []column
	}{
		{&s.insertTestKeyword, "INSERT INTO TestKeyword (TestId, KeywordId) VALUES (?, ?)",
			[]column{idColumn("TestId"), idColumn("KeywordId")}},
		{&s.listTests, "SELECT Id, CategoryId, Name, IgnoreResult FROM Test ORDER BY CategoryId, Name", nil},
		{&s.listTestKeywords, "SELECT TestId, KeywordId FROM TestKeyword ORDER BY TestId, KeywordId", nil},
		{&s.listRendererRuns,
			"SELECT Id, TestId, RunDate, Status, CastorDate, SceneDate FROM TestRun WHERE RendererId=? ORDER BY TestId, Id",
			[]column{idColumn("RendererId")}},
		{&s.selectTestKeyword, "SELECT KeywordId FROM TestKeyword WHERE TestId=? ORDER BY KeywordId",
			[]column{idColumn("TestId")}},
		{&s.updateIgnore, "UPDATE Test SET IgnoreResult=? WHERE Id=?",
			[]column{idColumn("IgnoreResult"), idColumn("Id")}},
		{&s.updateStatus, "UPDATE TestRun SET Status=?, CastorDate=?, SceneDate=? WHERE Id=?",
			[]column{idColumn("Status"), dateColumn("CastorDate"), dateColumn("SceneDate"), idColumn("Id")}},
		{&s.updateRun, "UPDATE TestRun SET RunDate=?, Status=?, CastorDate=?, SceneDate=? WHERE Id=?",
			[]column{dateColumn("RunDate"), idColumn("Status"), dateColumn("CastorDate"), dateColumn("SceneDate"), idColumn("Id")}},
		{&s.updateCastorDate, "UPDATE TestRun SET CastorDate=? WHERE Id=?",
			[]column{dateColumn("CastorDate"), idColumn("Id")}},
		{&s.updateSceneDate, "UPDATE TestRun SET SceneDate=? WHERE Id=?",
			[]column{dateColumn("SceneDate"), idColumn("Id")}},
		{&s.selectVersion, "SELECT Version FROM TestsDatabase", nil},
	}

	for _, q := range queries {
		if *q.dst, err = prepare(ctx, conn, q.query, q.cols...); err != nil {
			return fail("store", err)
		}
	}

	return s, nil
}

func (s *statements) close() {
	for _, t := range []*idTable{s.renderers, s.categories, s.keywords} {
		if t != nil {
			t.close()
		}
	}

	if s.tests != nil {
		s.tests.close()
	}

	if s.runs != nil {
		s.runs.close()
	}

	closeAll(
		s.insertTestKeyword,
		s.listTests,
		s.listTestKeywords,
		s.listRendererRuns,
		s.selectTestKeyword,
		s.updateIgnore,
		s.updateStatus,
		s.updateRun,
		s.updateCastorDate,
		s.updateSceneDate,
		s.selectVersion,
	)
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}

	return 0
}
