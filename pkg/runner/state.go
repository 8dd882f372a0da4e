package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethpandaops/aria/pkg/counts"
	"github.com/ethpandaops/aria/pkg/model"
	"github.com/ethpandaops/aria/pkg/testdb"
)

var (
	// ErrUnknownRun is returned when a renderer, category and test triple
	// does not name a loaded run.
	ErrUnknownRun = errors.New("unknown run")
	// ErrTestExists is returned when creating a test twice.
	ErrTestExists = errors.New("test already exists")
)

// State is everything the actor owns. It is only touched from the actor
// goroutine, through Runner.Do.
type State struct {
	DB     *testdb.TestDatabase
	Tests  testdb.TestMap
	Runs   testdb.RendererRuns
	Counts *counts.All
}

// LoadState reads every test and the latest run of each under every
// renderer, building a fresh counts tree.
func LoadState(ctx context.Context, tdb *testdb.TestDatabase) (*State, error) {
	tests, err := tdb.ListTests(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tests: %w", err)
	}

	all := counts.New()

	runs, err := tdb.ListAllLatestRuns(ctx, tests, all)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return &State{
		DB:     tdb,
		Tests:  tests,
		Runs:   runs,
		Counts: all,
	}, nil
}

// Find returns one run.
func (s *State) Find(renderer, category, test string) (*testdb.DatabaseTest, error) {
	d, ok := s.Runs.Find(renderer, category, test)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s [%s]", ErrUnknownRun, category, test, renderer)
	}

	return d, nil
}

// AddRenderer creates a renderer and gives it a NotRun entry for every
// test. Adding a known renderer is a no-op.
func (s *State) AddRenderer(ctx context.Context, name string) (model.Renderer, error) {
	r, err := s.DB.CreateRenderer(ctx, name)
	if err != nil {
		return nil, err
	}

	if _, ok := s.Runs[r.Name]; ok {
		return r, nil
	}

	runs, err := s.DB.ListLatestRuns(ctx, r, s.Tests, s.Counts.Renderer(r.Name))
	if err != nil {
		return nil, err
	}

	s.Runs[r.Name] = runs

	return r, nil
}

// AddCategory creates a category.
func (s *State) AddCategory(ctx context.Context, name string) (model.Category, error) {
	return s.DB.CreateCategory(ctx, name)
}

// AddTest creates a test, its category if needed, and a NotRun entry
// under every renderer.
func (s *State) AddTest(ctx context.Context, category, name string, ignore bool) ([]*testdb.DatabaseTest, error) {
	if existing, ok := s.Tests.Find(category, strings.TrimSpace(name)); ok {
		return nil, fmt.Errorf("%w: %s", ErrTestExists, existing.Path())
	}

	cat, err := s.DB.CreateCategory(ctx, category)
	if err != nil {
		return nil, err
	}

	test := &model.Test{
		Category:     cat,
		Name:         strings.TrimSpace(name),
		IgnoreResult: ignore,
	}

	if err := s.DB.InsertTest(ctx, test); err != nil {
		return nil, err
	}

	s.Tests[cat.Name] = append(s.Tests[cat.Name], test)

	return s.DB.AddTestRuns(s.Runs, test, s.Counts), nil
}
