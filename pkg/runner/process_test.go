package runner

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecLauncherExit(t *testing.T) {
	requireShell(t)

	l := NewExecLauncher(testLogger(), 0)

	tests := []struct {
		name    string
		script  string
		wantErr bool
	}{
		{name: "success", script: "echo rendered"},
		{name: "failure", script: "echo broken >&2; exit 3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := l.Launch(context.Background(), "sh", "-c", tt.script)
			require.NoError(t, err)
			assert.NotZero(t, p.Pid())

			select {
			case err := <-p.Done():
				if tt.wantErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("process did not exit")
			}

			_, open := <-p.Done()
			assert.False(t, open)
		})
	}
}

func TestExecLauncherMissingProgram(t *testing.T) {
	l := NewExecLauncher(testLogger(), 0)

	_, err := l.Launch(context.Background(), "/nonexistent/aria-launcher")
	assert.Error(t, err)
}

func TestKillTree(t *testing.T) {
	requireShell(t)

	l := NewExecLauncher(testLogger(), 0)

	p, err := l.Launch(context.Background(), "sh", "-c", "sleep 30 & sleep 30; wait")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, p.Kill(ctx))

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("killed process did not exit")
	}

	alive, err := PidExists(ctx, p.Pid())
	require.NoError(t, err)
	assert.False(t, alive)

	require.NoError(t, KillTree(ctx, p.Pid()))
}

func TestPidExists(t *testing.T) {
	alive, err := PidExists(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestLineLogger(t *testing.T) {
	tests := []struct {
		name      string
		max       int64
		writes    []string
		wantLines []string
		truncated bool
	}{
		{
			name:      "split lines",
			writes:    []string{"frame 1\nfra", "me 2\r\n", "done"},
			wantLines: []string{"frame 1", "frame 2", "done"},
		},
		{
			name:      "skips empty lines",
			writes:    []string{"\n\nok\n"},
			wantLines: []string{"ok"},
		},
		{
			name:      "truncates",
			max:       6,
			writes:    []string{"first\n", "second\n", "third\n"},
			wantLines: []string{"first"},
			truncated: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, hook := test.NewNullLogger()
			log.SetLevel(logrus.DebugLevel)

			w := &lineLogger{log: log, max: tt.max}

			for _, s := range tt.writes {
				n, err := w.Write([]byte(s))
				require.NoError(t, err)
				assert.Equal(t, len(s), n)
			}

			w.flush()

			var (
				lines     []string
				truncated bool
			)

			for _, e := range hook.AllEntries() {
				if e.Level == logrus.WarnLevel {
					truncated = true

					continue
				}

				lines = append(lines, e.Message)
			}

			assert.Equal(t, tt.wantLines, lines)
			assert.Equal(t, tt.truncated, truncated)
		})
	}
}
