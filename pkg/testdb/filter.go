package testdb

import (
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/samber/lo"

	"github.com/ethpandaops/aria/pkg/model"
)

// Filter selects DatabaseTests.
type Filter func(*DatabaseTest) bool

// FilterAll keeps every run.
func FilterAll() Filter {
	return func(*DatabaseTest) bool { return true }
}

// FilterNotRun keeps the runs that never executed.
func FilterNotRun() Filter {
	return FilterStatus(model.StatusNotRun)
}

// FilterStatus keeps the runs in a status. Running frames match each other.
func FilterStatus(status model.TestStatus) Filter {
	want := model.NormalizeStatus(status)

	return func(d *DatabaseTest) bool {
		return model.NormalizeStatus(d.Status()) == want
	}
}

// FilterAllBut keeps the runs that are not in a status.
func FilterAllBut(status model.TestStatus) Filter {
	keep := FilterStatus(status)

	return func(d *DatabaseTest) bool { return !keep(d) }
}

// FilterOutdated keeps the runs older than the engine or their scene.
func FilterOutdated() Filter {
	return func(d *DatabaseTest) bool { return d.IsOutOfDate() }
}

// FilterIgnored keeps the runs of ignored tests.
func FilterIgnored() Filter {
	return func(d *DatabaseTest) bool { return d.IgnoreResult() }
}

// FilterPattern keeps the runs whose "<Category>/<Test>" path matches one
// of the glob patterns. Invalid patterns match nothing.
func FilterPattern(patterns ...string) Filter {
	return func(d *DatabaseTest) bool {
		path := d.Test().Path()

		return lo.SomeBy(patterns, func(p string) bool {
			ok, err := doublestar.Match(p, path)

			return err == nil && ok
		})
	}
}

// FilterKeyword keeps the runs of tests tagged with one of the keywords,
// compared case-insensitively.
func FilterKeyword(names ...string) Filter {
	return func(d *DatabaseTest) bool {
		return lo.SomeBy(d.Keywords(), func(kw model.Keyword) bool {
			return lo.SomeBy(names, func(n string) bool { return strings.EqualFold(n, kw.Name) })
		})
	}
}

// FilterRenderer keeps the runs of the named renderers.
func FilterRenderer(names ...string) Filter {
	return func(d *DatabaseTest) bool {
		return lo.Contains(names, d.Renderer().Name)
	}
}

// ValidatePatterns reports the first malformed glob.
func ValidatePatterns(patterns ...string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return &PatternError{Pattern: p}
		}
	}

	return nil
}

// PatternError is returned for malformed glob patterns.
type PatternError struct {
	Pattern string
}

func (e *PatternError) Error() string {
	return "invalid pattern " + e.Pattern
}

// Select returns the runs passing every filter, ordered by category, test
// and renderer.
func Select(runs []*DatabaseTest, filters ...Filter) []*DatabaseTest {
	out := lo.Filter(runs, func(d *DatabaseTest, _ int) bool {
		return lo.EveryBy(filters, func(f Filter) bool { return f(d) })
	})

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Test(), out[j].Test()
		if a.Category.Name != b.Category.Name {
			return a.Category.Name < b.Category.Name
		}

		if a.Name != b.Name {
			return a.Name < b.Name
		}

		return out[i].Renderer().Name < out[j].Renderer().Name
	})

	return out
}

// Selection describes a filtered set of runs. Empty fields select
// everything.
type Selection struct {
	Renderers []string `json:"renderers,omitempty"`
	// Status keeps one status by name; AllBut drops one.
	Status   string   `json:"status,omitempty"`
	AllBut   string   `json:"all_but,omitempty"`
	Patterns []string `json:"patterns,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Outdated bool     `json:"outdated,omitempty"`
	Ignored  bool     `json:"ignored,omitempty"`
}

// Filters converts the selection, validating status names and patterns.
func (s Selection) Filters() ([]Filter, error) {
	filters := []Filter{FilterAll()}

	if len(s.Renderers) > 0 {
		filters = append(filters, FilterRenderer(s.Renderers...))
	}

	if s.Status != "" {
		status, err := model.ParseStatus(s.Status)
		if err != nil {
			return nil, err
		}

		filters = append(filters, FilterStatus(status))
	}

	if s.AllBut != "" {
		status, err := model.ParseStatus(s.AllBut)
		if err != nil {
			return nil, err
		}

		filters = append(filters, FilterAllBut(status))
	}

	if len(s.Patterns) > 0 {
		if err := ValidatePatterns(s.Patterns...); err != nil {
			return nil, err
		}

		filters = append(filters, FilterPattern(s.Patterns...))
	}

	if len(s.Keywords) > 0 {
		filters = append(filters, FilterKeyword(s.Keywords...))
	}

	if s.Outdated {
		filters = append(filters, FilterOutdated())
	}

	if s.Ignored {
		filters = append(filters, FilterIgnored())
	}

	return filters, nil
}

// Apply selects from runs.
func (s Selection) Apply(runs RendererRuns) ([]*DatabaseTest, error) {
	filters, err := s.Filters()
	if err != nil {
		return nil, err
	}

	return Select(runs.All(), filters...), nil
}
