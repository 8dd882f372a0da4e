package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/aria/pkg/config"
	"github.com/ethpandaops/aria/pkg/counts"
	"github.com/ethpandaops/aria/pkg/db"
	"github.com/ethpandaops/aria/pkg/events"
	"github.com/ethpandaops/aria/pkg/model"
	"github.com/ethpandaops/aria/pkg/testdb"
)

var baseTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

var errKilled = errors.New("killed")

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

type fakeProcess struct {
	done   chan error
	once   sync.Once
	killed bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan error, 1)}
}

// Pid is the test binary itself, so the liveness poller never fires.
func (p *fakeProcess) Pid() int           { return os.Getpid() }
func (p *fakeProcess) Done() <-chan error { return p.done }

func (p *fakeProcess) Kill(context.Context) error {
	p.killed = true
	p.exit(errKilled)

	return nil
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.done <- err
		close(p.done)
	})
}

// fakeLauncher records launches. hooks run synchronously per program
// name and decide when the process exits; without a hook it exits at once.
type fakeLauncher struct {
	mu    sync.Mutex
	calls [][]string
	procs []*fakeProcess
	fail  string
	hooks map[string]func(args []string, p *fakeProcess)
}

func (l *fakeLauncher) Launch(_ context.Context, name string, args ...string) (Process, error) {
	l.mu.Lock()
	l.calls = append(l.calls, append([]string{name}, args...))
	hook := l.hooks[name]
	l.mu.Unlock()

	if name == l.fail {
		return nil, errors.New("exec: not found")
	}

	p := newFakeProcess()

	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()

	if hook != nil {
		hook(args, p)
	} else {
		p.exit(nil)
	}

	return p, nil
}

func (l *fakeLauncher) programs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.calls))
	for _, c := range l.calls {
		out = append(out, c[0])
	}

	return out
}

type harness struct {
	tdb      *testdb.TestDatabase
	state    *State
	launcher *fakeLauncher
	runner   Runner
	events   <-chan events.Event
}

func newHarness(t *testing.T, launcher *fakeLauncher, tests ...string) *harness {
	t.Helper()

	ctx := context.Background()
	dir := t.TempDir()
	engine := filepath.Join(dir, "bin", "CastorViewer")
	touch(t, engine, baseTime)

	conn, err := db.Open(testLogger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: filepath.Join(dir, "aria.db")},
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	tdb, err := testdb.New(testLogger(), conn, &config.TestsConfig{
		Dir:            filepath.Join(dir, "tests"),
		WorkDir:        filepath.Join(dir, "work"),
		SceneExtension: "cscn",
	}, &config.ToolsConfig{Engine: engine})
	require.NoError(t, err)
	require.NoError(t, tdb.Initialise(ctx))

	t.Cleanup(tdb.Close)

	_, err = tdb.CreateRenderer(ctx, "vk")
	require.NoError(t, err)

	cat, err := tdb.CreateCategory(ctx, "Shadow")
	require.NoError(t, err)

	for _, name := range tests {
		test := &model.Test{Category: cat, Name: name}
		require.NoError(t, tdb.InsertTest(ctx, test))
		touch(t, tdb.Layout().ScenePath(test), baseTime)
	}

	state, err := LoadState(ctx, tdb)
	require.NoError(t, err)

	bus := events.NewBus(testLogger(), 1024)
	_, ch, unsubscribe := bus.Subscribe()
	t.Cleanup(unsubscribe)

	r := NewRunner(testLogger(), &Config{
		Launcher:          "launcher",
		Differ:            "differ",
		PollInterval:      10 * time.Millisecond,
		AnimationInterval: 5 * time.Millisecond,
	}, launcher, state, bus)

	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { _ = r.Stop() })

	return &harness{tdb: tdb, state: state, launcher: launcher, runner: r, events: ch}
}

func touch(t *testing.T, path string, at time.Time) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(filepath.Base(path)), 0o644))
	require.NoError(t, os.Chtimes(path, at, at))
}

// differWrites returns a differ hook writing one compare image per status.
func (h *harness) differWrites(t *testing.T, test string, at time.Time, statuses ...model.TestStatus) func([]string, *fakeProcess) {
	return func(_ []string, p *fakeProcess) {
		tst, ok := h.state.Tests.Find("Shadow", test)
		require.True(t, ok)

		for _, s := range statuses {
			name := model.CompareName(tst, "vk") + ".png"
			touch(t, filepath.Join(h.tdb.Layout().CompareDir("Shadow", s), name), at)
		}

		p.exit(nil)
	}
}

func (h *harness) run(t *testing.T, names ...string) []*testdb.DatabaseTest {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list := h.find(t, names...)

	require.NoError(t, h.runner.Enqueue(ctx, list...))
	require.NoError(t, h.runner.Wait(ctx))

	return list
}

func (h *harness) find(t *testing.T, names ...string) []*testdb.DatabaseTest {
	t.Helper()

	out := make([]*testdb.DatabaseTest, 0, len(names))

	require.NoError(t, h.runner.Do(context.Background(), func(s *State) error {
		for _, n := range names {
			d, err := s.Find("vk", "Shadow", n)
			if err != nil {
				return err
			}

			out = append(out, d)
		}

		return nil
	}))

	return out
}

// snapshot reads a run and a counter on the actor.
func (h *harness) snapshot(t *testing.T, d *testdb.DatabaseTest, k counts.Kind) (testdb.RunInfo, int32, int) {
	t.Helper()

	var (
		info  testdb.RunInfo
		id    int32
		value int
	)

	require.NoError(t, h.runner.Do(context.Background(), func(s *State) error {
		info = d.Info()
		id = d.Run().ID
		value = s.Counts.Value(k)

		return nil
	}))

	return info, id, value
}

func (h *harness) waitEvent(t *testing.T, typ events.Type) events.Event {
	t.Helper()

	timeout := time.After(5 * time.Second)

	for {
		select {
		case ev := <-h.events:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestRunRecordsResult(t *testing.T) {
	launcher := &fakeLauncher{hooks: map[string]func([]string, *fakeProcess){}}
	h := newHarness(t, launcher, "PCF")
	launcher.hooks["differ"] = h.differWrites(t, "PCF", baseTime.Add(time.Hour), model.StatusAcceptable)

	d := h.run(t, "PCF")[0]

	info, id, acceptable := h.snapshot(t, d, counts.StatusKind(model.StatusAcceptable))
	assert.Equal(t, "Acceptable", info.Status)
	assert.NotZero(t, id)
	assert.Equal(t, 1, acceptable)
	require.NotNil(t, info.RunDate)
	assert.Equal(t, baseTime.Add(time.Hour), *info.RunDate)

	_, _, notRun := h.snapshot(t, d, counts.KindNotRun)
	assert.Zero(t, notRun)

	assert.FileExists(t, d.ResultPath())
	assert.False(t, h.runner.Busy())

	scene := h.tdb.Layout().ScenePath(d.Test())

	launcher.mu.Lock()
	assert.Equal(t, [][]string{
		{"launcher", scene, "-vk"},
		{"differ", "vk", "-f", scene},
	}, launcher.calls)
	launcher.mu.Unlock()

	started := h.waitEvent(t, events.TypeRunStarted)
	assert.Equal(t, "PCF", started.Data.(RunEvent).Test)

	finished := h.waitEvent(t, events.TypeRunFinished)
	assert.True(t, finished.Data.(RunEvent).Result)
}

func TestRunWithoutSingleResult(t *testing.T) {
	tests := []struct {
		name     string
		statuses []model.TestStatus
	}{
		{name: "no output"},
		{name: "ambiguous output", statuses: []model.TestStatus{model.StatusAcceptable, model.StatusUnacceptable}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			launcher := &fakeLauncher{hooks: map[string]func([]string, *fakeProcess){}}
			h := newHarness(t, launcher, "PCF")
			launcher.hooks["differ"] = h.differWrites(t, "PCF", baseTime, tt.statuses...)

			d := h.run(t, "PCF")[0]

			info, id, notRun := h.snapshot(t, d, counts.KindNotRun)
			assert.Equal(t, "NotRun", info.Status)
			assert.Zero(t, id)
			assert.Equal(t, 1, notRun)

			finished := h.waitEvent(t, events.TypeRunFinished)
			assert.False(t, finished.Data.(RunEvent).Result)
		})
	}
}

func TestRerunUpdatesRow(t *testing.T) {
	launcher := &fakeLauncher{hooks: map[string]func([]string, *fakeProcess){}}
	h := newHarness(t, launcher, "PCF")

	launcher.hooks["differ"] = h.differWrites(t, "PCF", baseTime.Add(time.Hour), model.StatusAcceptable)
	d := h.run(t, "PCF")[0]
	_, first, _ := h.snapshot(t, d, counts.KindTotal)

	launcher.mu.Lock()
	launcher.hooks["differ"] = h.differWrites(t, "PCF", baseTime.Add(2*time.Hour), model.StatusUnacceptable)
	launcher.mu.Unlock()

	h.run(t, "PCF")

	info, second, unacceptable := h.snapshot(t, d, counts.StatusKind(model.StatusUnacceptable))
	assert.Equal(t, first, second)
	assert.Equal(t, "Unacceptable", info.Status)
	assert.Equal(t, 1, unacceptable)

	_, _, acceptable := h.snapshot(t, d, counts.StatusKind(model.StatusAcceptable))
	assert.Zero(t, acceptable)

	assert.FileExists(t, d.ResultPath())
	assert.Contains(t, d.ResultPath(), filepath.Join("Shadow", "Unacceptable"))
}

func TestCancelRevertsQueue(t *testing.T) {
	launcher := &fakeLauncher{hooks: map[string]func([]string, *fakeProcess){
		// The generator runs until killed.
		"launcher": func([]string, *fakeProcess) {},
	}}
	h := newHarness(t, launcher, "PCF", "VSM")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list := h.find(t, "PCF", "VSM")
	require.NoError(t, h.runner.Enqueue(ctx, list[0], list[0], list[1]))

	h.waitEvent(t, events.TypeRunStarted)

	_, _, running := h.snapshot(t, list[0], counts.StatusKind(model.StatusRunningBegin))
	assert.Equal(t, 2, running)
	assert.True(t, h.runner.Busy())

	h.runner.Cancel()
	require.NoError(t, h.runner.Wait(ctx))

	for _, d := range list {
		info, _, _ := h.snapshot(t, d, counts.KindNotRun)
		assert.Equal(t, "NotRun", info.Status)
	}

	_, _, notRun := h.snapshot(t, list[0], counts.KindNotRun)
	assert.Equal(t, 2, notRun)

	assert.Equal(t, []string{"launcher"}, launcher.programs())

	launcher.mu.Lock()
	assert.True(t, launcher.procs[0].killed)
	launcher.mu.Unlock()

	assert.False(t, h.runner.Busy())
}

func TestCancelDuringDiffRestoresPreviousResult(t *testing.T) {
	launcher := &fakeLauncher{hooks: map[string]func([]string, *fakeProcess){}}
	h := newHarness(t, launcher, "PCF")

	launcher.hooks["differ"] = h.differWrites(t, "PCF", baseTime.Add(time.Hour), model.StatusAcceptable)
	d := h.run(t, "PCF")[0]

	before, firstID, _ := h.snapshot(t, d, counts.KindTotal)
	require.Equal(t, "Acceptable", before.Status)
	require.NotNil(t, before.RunDate)

	// The second differ never finishes on its own.
	diffing := make(chan struct{})

	launcher.mu.Lock()
	launcher.hooks["differ"] = func([]string, *fakeProcess) { close(diffing) }
	launcher.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, h.runner.Enqueue(ctx, d))

	select {
	case <-diffing:
	case <-ctx.Done():
		t.Fatal("differ was not launched")
	}

	h.runner.Cancel()
	require.NoError(t, h.runner.Wait(ctx))

	info, id, acceptable := h.snapshot(t, d, counts.StatusKind(model.StatusAcceptable))
	assert.Equal(t, "Acceptable", info.Status)
	assert.Equal(t, firstID, id)
	assert.Equal(t, 1, acceptable)
	require.NotNil(t, info.RunDate)
	assert.Equal(t, *before.RunDate, *info.RunDate)

	_, _, running := h.snapshot(t, d, counts.StatusKind(model.StatusRunningBegin))
	assert.Zero(t, running)

	assert.FileExists(t, d.ResultPath())
	assert.Equal(t, []string{"launcher", "differ", "launcher", "differ"}, launcher.programs())

	launcher.mu.Lock()
	assert.True(t, launcher.procs[3].killed)
	launcher.mu.Unlock()

	assert.False(t, h.runner.Busy())
}

func TestLaunchFailureStallsUntilCancel(t *testing.T) {
	launcher := &fakeLauncher{fail: "launcher"}
	h := newHarness(t, launcher, "PCF", "VSM")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list := h.find(t, "PCF", "VSM")
	require.NoError(t, h.runner.Enqueue(ctx, list...))

	failed := h.waitEvent(t, events.TypeLaunchFailed)
	assert.Equal(t, "PCF", failed.Data.(RunEvent).Test)
	assert.NotEmpty(t, failed.Data.(RunEvent).Error)

	assert.True(t, h.runner.Busy())
	assert.Equal(t, []string{"launcher"}, launcher.programs())

	h.runner.Cancel()
	require.NoError(t, h.runner.Wait(ctx))

	_, _, notRun := h.snapshot(t, list[0], counts.KindNotRun)
	assert.Equal(t, 2, notRun)
}

func TestDoAddsEntities(t *testing.T) {
	h := newHarness(t, &fakeLauncher{}, "PCF")
	ctx := context.Background()

	require.NoError(t, h.runner.Do(ctx, func(s *State) error {
		if _, err := s.AddRenderer(ctx, "gl"); err != nil {
			return err
		}

		added, err := s.AddTest(ctx, "Light", "SpotLight", false)
		if err != nil {
			return err
		}

		assert.Len(t, added, 2)

		_, err = s.AddTest(ctx, "Light", "SpotLight", false)
		assert.ErrorIs(t, err, ErrTestExists)

		_, err = s.Find("gl", "Shadow", "PCF")
		assert.NoError(t, err)

		_, err = s.Find("dx", "Shadow", "PCF")
		assert.ErrorIs(t, err, ErrUnknownRun)

		assert.Equal(t, 4, s.Counts.Value(counts.KindNotRun))

		return nil
	}))
}

func TestDoAfterStop(t *testing.T) {
	h := newHarness(t, &fakeLauncher{}, "PCF")
	require.NoError(t, h.runner.Stop())

	err := h.runner.Do(context.Background(), func(*State) error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}
