// Package model holds the records tracked by the test store and the
// on-disk layout of a test suite.
package model

import (
	"fmt"
	"time"
)

// Name length limits of the persisted columns.
const (
	RendererNameSize = 10
	CategoryNameSize = 50
	KeywordNameSize  = 50
	TestNameSize     = 1024
)

// IDValue is a named row with a surrogate key. The id is 0 until the row
// has been inserted.
type IDValue struct {
	ID   int32  `json:"id"`
	Name string `json:"name"`
}

// Renderer is a backend a test is executed under.
type Renderer = *IDValue

// Category groups the tests of one scene folder.
type Category = *IDValue

// Keyword tags tests by feature.
type Keyword = *IDValue

// Test is one scene file.
type Test struct {
	ID           int32    `json:"id"`
	Category     Category `json:"category"`
	Name         string   `json:"name"`
	IgnoreResult bool     `json:"ignore_result"`
}

// Path returns "<Category>/<Test>".
func (t *Test) Path() string {
	return t.Category.Name + "/" + t.Name
}

func (t *Test) String() string {
	return fmt.Sprintf("%s (id %d)", t.Path(), t.ID)
}

// TestRun is the latest execution of a test under a renderer. CastorDate
// and SceneDate are the engine and scene modification times the run was
// produced from. A zero time is an invalid date.
type TestRun struct {
	ID         int32      `json:"id"`
	Test       *Test      `json:"-"`
	Renderer   Renderer   `json:"-"`
	RunDate    time.Time  `json:"run_date"`
	Status     TestStatus `json:"status"`
	CastorDate time.Time  `json:"castor_date"`
	SceneDate  time.Time  `json:"scene_date"`
}

func (r *TestRun) String() string {
	return fmt.Sprintf("%s [%s] %s", r.Test.Path(), r.Renderer.Name, r.Status)
}
