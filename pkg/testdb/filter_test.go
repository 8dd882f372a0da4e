package testdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/aria/pkg/model"
)

func TestSelect(t *testing.T) {
	f := newFixture(t)
	tdb := f.open(t)
	ctx := context.Background()

	f.addTest(t, tdb, "Shadow", "PCF")
	f.addTest(t, tdb, "Shadow", "VSM")
	f.addTest(t, tdb, "Light", "SpotLight")
	ignored := f.addTest(t, tdb, "Light", "Directional")

	runs, _ := load(t, tdb, "vk")

	pcf, _ := runs.Find("Shadow", "PCF")
	f.runOnce(t, tdb, pcf, model.StatusAcceptable, "pcf", baseTime)

	directional, _ := runs.Find("Light", "Directional")
	require.NoError(t, directional.UpdateIgnoreResult(ctx, true, time.Time{}, false))
	require.True(t, ignored.IgnoreResult)

	names := func(list []*DatabaseTest) []string {
		out := make([]string, 0, len(list))
		for _, d := range list {
			out = append(out, d.Test().Path())
		}

		return out
	}

	all := runs.All()

	tests := []struct {
		name    string
		filters []Filter
		want    []string
	}{
		{
			name:    "all",
			filters: []Filter{FilterAll()},
			want:    []string{"Light/Directional", "Light/SpotLight", "Shadow/PCF", "Shadow/VSM"},
		},
		{
			name:    "not run",
			filters: []Filter{FilterNotRun()},
			want:    []string{"Light/Directional", "Light/SpotLight", "Shadow/VSM"},
		},
		{
			name:    "status",
			filters: []Filter{FilterStatus(model.StatusAcceptable)},
			want:    []string{"Shadow/PCF"},
		},
		{
			name:    "all but not run",
			filters: []Filter{FilterAllBut(model.StatusNotRun)},
			want:    []string{"Shadow/PCF"},
		},
		{
			name:    "outdated",
			filters: []Filter{FilterOutdated()},
			want:    []string{"Light/Directional", "Light/SpotLight", "Shadow/VSM"},
		},
		{
			name:    "ignored",
			filters: []Filter{FilterIgnored()},
			want:    []string{"Light/Directional"},
		},
		{
			name:    "pattern",
			filters: []Filter{FilterPattern("Shadow/*", "**/Spot*")},
			want:    []string{"Light/SpotLight", "Shadow/PCF", "Shadow/VSM"},
		},
		{
			name:    "keyword",
			filters: []Filter{FilterKeyword("light")},
			want:    []string{"Light/SpotLight"},
		},
		{
			name:    "combined",
			filters: []Filter{FilterPattern("Shadow/**"), FilterNotRun()},
			want:    []string{"Shadow/VSM"},
		},
		{
			name:    "renderer",
			filters: []Filter{FilterRenderer("gl")},
			want:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, names(Select(all, tt.filters...)))
		})
	}
}

func TestValidatePatterns(t *testing.T) {
	require.NoError(t, ValidatePatterns("Shadow/*", "**/PCF"))

	err := ValidatePatterns("Shadow/[")

	var perr *PatternError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "Shadow/[", perr.Pattern)
}

func TestSelectionApply(t *testing.T) {
	f := newFixture(t)
	tdb := f.open(t)

	f.addTest(t, tdb, "Shadow", "PCF")
	f.addTest(t, tdb, "Light", "SpotLight")

	runs, _ := load(t, tdb, "vk")
	pcf, _ := runs.Find("Shadow", "PCF")
	f.runOnce(t, tdb, pcf, model.StatusUnacceptable, "pcf", baseTime)

	all := RendererRuns{"vk": runs}

	tests := []struct {
		name    string
		sel     Selection
		want    int
		wantErr bool
	}{
		{name: "empty", sel: Selection{}, want: 2},
		{name: "status", sel: Selection{Status: "unacceptable"}, want: 1},
		{name: "all but", sel: Selection{AllBut: "Unacceptable"}, want: 1},
		{name: "renderer", sel: Selection{Renderers: []string{"gl"}}, want: 0},
		{name: "pattern and keyword", sel: Selection{Patterns: []string{"Light/*"}, Keywords: []string{"Light"}}, want: 1},
		{name: "bad status", sel: Selection{Status: "green"}, wantErr: true},
		{name: "bad pattern", sel: Selection{Patterns: []string{"["}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.sel.Apply(all)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}
