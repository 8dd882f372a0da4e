package testdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethpandaops/aria/pkg/db"
	"github.com/ethpandaops/aria/pkg/model"
)

// Store versions. Version 1 predates the TestsDatabase marker table.
const (
	Version1 = 1
	Version2 = 2
	Version3 = 3

	LatestVersion = Version3
)

const updateTransaction = "DatabaseUpdate"

// DefaultKeywords seed the Keyword table.
var DefaultKeywords = []string{
	"Light",
	"Directional",
	"Point",
	"Spot",
	"Shadow",
	"PCF",
	"VSM",
	"Reflection",
	"Refraction",
	"Phong",
	"PBR",
	"GlobalIllumination",
	"LPV",
	"Texturing",
	"Albedo",
	"Diffuse",
	"Roughness",
	"Glossiness",
	"Shininess",
	"Metallic",
	"Specular",
	"Emissive",
	"Opacity",
	"Normal",
	"Occlusion",
	"Height",
}

// migrate brings the store to the latest version. Every step is guarded by
// the existence of the table it introduces, so an up to date store is left
// untouched.
func (t *TestDatabase) migrate(ctx context.Context) error {
	if !t.conn.HasTable("Test") {
		if err := t.createV1(ctx); err != nil {
			return fmt.Errorf("creating version 1 schema: %w", err)
		}
	}

	if !t.conn.HasTable("TestsDatabase") {
		if err := t.migrateV2(ctx); err != nil {
			return fmt.Errorf("migrating to version 2: %w", err)
		}
	}

	if !t.conn.HasTable("Keyword") {
		if err := t.migrateV3(ctx); err != nil {
			return fmt.Errorf("migrating to version 3: %w", err)
		}
	}

	return nil
}

func (t *TestDatabase) createV1(ctx context.Context) error {
	t.log.Info("Creating test store")

	dt := t.conn.DatetimeColumn()

	return t.conn.ExecuteUpdate(ctx, "CREATE TABLE Test"+
		"( Id "+t.conn.IDColumn()+
		", Name VARCHAR(1024)"+
		", RunDate "+dt+
		", Status INTEGER"+
		", Renderer VARCHAR(10)"+
		", Category VARCHAR(50)"+
		", IgnoreResult INTEGER"+
		", CastorDate "+dt+
		", SceneDate "+dt+
		" );")
}

// runTransaction runs fn inside the named update transaction, rolling back
// on failure.
func (t *TestDatabase) runTransaction(ctx context.Context, fn func() error) error {
	tx, err := t.conn.BeginTransaction(ctx, updateTransaction)
	if err != nil {
		return err
	}

	defer func() { _ = tx.Close() }()

	if err := fn(); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			t.log.WithError(rbErr).Error("Failed to roll back store update")
		}

		return err
	}

	return tx.Commit(ctx)
}

func (t *TestDatabase) execAll(ctx context.Context, queries ...string) error {
	for _, q := range queries {
		if err := t.conn.ExecuteUpdate(ctx, q); err != nil {
			return err
		}
	}

	return nil
}

func (t *TestDatabase) migrateV2(ctx context.Context) error {
	t.log.WithField("version", Version2).Info("Migrating test store")

	id := t.conn.IDColumn()
	dt := t.conn.DatetimeColumn()

	return t.runTransaction(ctx, func() error {
		err := t.execAll(ctx,
			"CREATE TABLE TestsDatabase( Id "+id+", Version INTEGER );",
			fmt.Sprintf("INSERT INTO TestsDatabase (Version) VALUES (%d);", Version2),
			"CREATE TABLE Renderer( Id "+id+", Name VARCHAR(10) );",
			"CREATE TABLE Category( Id "+id+", Name VARCHAR(50) );",
			"ALTER TABLE Test RENAME TO TestOld;",
			"CREATE TABLE Test( Id "+id+", CategoryId INTEGER, Name VARCHAR(1024), IgnoreResult INTEGER );",
			"CREATE TABLE TestRun( Id "+id+
				", TestId INTEGER, RendererId INTEGER, RunDate "+dt+
				", Status INTEGER, CastorDate "+dt+", SceneDate "+dt+" );",
		)
		if err != nil {
			return err
		}

		if err := t.copyV1Rows(ctx); err != nil {
			return err
		}

		return t.conn.ExecuteUpdate(ctx, "DROP TABLE TestOld;")
	})
}

// copyV1Rows splits the flat version 1 rows into tests and runs. Rows are
// sorted so that all the runs of a test follow each other.
func (t *TestDatabase) copyV1Rows(ctx context.Context) error {
	result, err := t.conn.ExecuteSelect(ctx,
		"SELECT Category, Name, Renderer, RunDate, Status, CastorDate, SceneDate, IgnoreResult"+
			" FROM TestOld ORDER BY Category, Name, Renderer, RunDate")
	if err != nil {
		return err
	}

	if result.Empty() {
		return nil
	}

	renderers, err := prepareIDTable(ctx, t.conn, "Renderer", model.RendererNameSize)
	if err != nil {
		return err
	}
	defer renderers.close()

	categories, err := prepareIDTable(ctx, t.conn, "Category", model.CategoryNameSize)
	if err != nil {
		return err
	}
	defer categories.close()

	tests, err := prepareTestTable(ctx, t.conn)
	if err != nil {
		return err
	}
	defer tests.close()

	runs, err := prepareRunTable(ctx, t.conn)
	if err != nil {
		return err
	}
	defer runs.close()

	rendererIDs := make(map[string]int32, 4)
	categoryIDs := make(map[string]int32, 16)

	resolve := func(ids map[string]int32, table *idTable, value string) (int32, error) {
		if id, ok := ids[value]; ok {
			return id, nil
		}

		id, err := table.create(ctx, value)
		if err != nil {
			return 0, err
		}

		ids[value] = id

		return id, nil
	}

	var (
		category string
		name     string
		testID   int32
	)

	for _, row := range result.Rows {
		rowCategory := row.Field(0).String()
		rowName := row.Field(1).String()

		if testID == 0 || rowCategory != category || rowName != name {
			categoryID, err := resolve(categoryIDs, categories, rowCategory)
			if err != nil {
				return err
			}

			if testID, err = tests.create(ctx, categoryID, rowName, row.Field(7).Bool()); err != nil {
				return err
			}

			category, name = rowCategory, rowName
		}

		rendererID, err := resolve(rendererIDs, renderers, row.Field(2).String())
		if err != nil {
			return err
		}

		_, err = runs.create(ctx,
			testID,
			rendererID,
			row.Field(3).Time(),
			model.TestStatus(row.Field(4).Int32()),
			row.Field(5).Time(),
			row.Field(6).Time(),
		)
		if err != nil {
			return err
		}
	}

	t.log.WithField("rows", result.Len()).Info("Copied version 1 runs")

	return nil
}

func (t *TestDatabase) migrateV3(ctx context.Context) error {
	t.log.WithField("version", Version3).Info("Migrating test store")

	id := t.conn.IDColumn()

	return t.runTransaction(ctx, func() error {
		err := t.execAll(ctx,
			"CREATE TABLE Keyword( Id "+id+", Name VARCHAR(50) );",
			"CREATE TABLE CategoryKeyword( CategoryId INTEGER, KeywordId INTEGER );",
			"CREATE TABLE TestKeyword( TestId INTEGER, KeywordId INTEGER );",
		)
		if err != nil {
			return err
		}

		if err := t.seedKeywords(ctx); err != nil {
			return err
		}

		return t.conn.ExecuteUpdate(ctx, fmt.Sprintf("UPDATE TestsDatabase SET Version=%d;", Version3))
	})
}

func (t *TestDatabase) seedKeywords(ctx context.Context) error {
	keywords, err := prepareIDTable(ctx, t.conn, "Keyword", model.KeywordNameSize)
	if err != nil {
		return err
	}
	defer keywords.close()

	seeded := make([]*model.IDValue, 0, len(DefaultKeywords))

	for _, name := range DefaultKeywords {
		kid, err := keywords.create(ctx, name)
		if err != nil {
			return err
		}

		seeded = append(seeded, &model.IDValue{ID: kid, Name: name})
	}

	result, err := t.conn.ExecuteSelect(ctx, "SELECT Id, Name FROM Test ORDER BY Name")
	if err != nil {
		return err
	}

	if result.Empty() {
		return nil
	}

	link, err := prepare(ctx, t.conn, "INSERT INTO TestKeyword (TestId, KeywordId) VALUES (?, ?)",
		idColumn("TestId"), idColumn("KeywordId"))
	if err != nil {
		return err
	}
	defer closeAll(link)

	for _, row := range result.Rows {
		testID := row.Field(0).Int32()

		for _, kw := range matchKeywords(row.Field(1).String(), seeded) {
			if !link.update(ctx, testID, kw.ID) {
				return &db.QueryError{Query: link.Query(), Err: fmt.Errorf("tagging test %d", testID)}
			}
		}
	}

	return nil
}

// matchKeywords returns the keywords found, case-insensitively, in a test name.
func matchKeywords(name string, keywords []*model.IDValue) []*model.IDValue {
	lname := strings.ToLower(name)

	var out []*model.IDValue

	for _, kw := range keywords {
		if strings.Contains(lname, strings.ToLower(kw.Name)) {
			out = append(out, kw)
		}
	}

	return out
}

// Version reads the version stored in the marker table.
func (t *TestDatabase) Version(ctx context.Context) (int, error) {
	result, err := t.stmts.selectVersion.selectRows(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading store version: %w", err)
	}

	if result.Empty() {
		return Version1, nil
	}

	return int(result.Rows[0].Field(0).Int32()), nil
}
