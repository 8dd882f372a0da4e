package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/aria/pkg/testdb"
)

func TestSelectionFlags(t *testing.T) {
	var f selectionFlags

	cmd := &cobra.Command{Use: "x", RunE: func(*cobra.Command, []string) error { return nil }}
	f.register(cmd)

	require.NoError(t, cmd.ParseFlags([]string{
		"-r", "vk,gl",
		"--status", "Acceptable",
		"-p", "Shadow/*",
		"--keyword", "light",
		"--outdated",
	}))

	sel := f.selection([]string{"Light/Spot"})

	assert.Equal(t, testdb.Selection{
		Renderers: []string{"vk", "gl"},
		Status:    "Acceptable",
		Patterns:  []string{"Shadow/*", "Light/Spot"},
		Keywords:  []string{"light"},
		Outdated:  true,
	}, sel)

	// Positional patterns do not leak into the flag value.
	assert.Equal(t, []string{"Shadow/*"}, f.sel.Patterns)
}

func TestRunFlags(t *testing.T) {
	tests := []struct {
		name string
		info testdb.RunInfo
		want string
	}{
		{name: "clean"},
		{name: "ignored", info: testdb.RunInfo{IgnoreResult: true}, want: "ignored"},
		{
			name: "stale",
			info: testdb.RunInfo{OutOfCastorDate: true, OutOfSceneDate: true},
			want: "engine,scene",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, runFlags(tt.info))
		})
	}
}

func TestColorStatus(t *testing.T) {
	assert.Contains(t, colorStatus("Negligible"), "Negligible")
	assert.Equal(t, "bogus", colorStatus("bogus"))
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{
		"init", "status", "list", "run", "reference", "ignore", "touch",
		"new", "view", "serve", "upload", "config", "version",
	}

	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
