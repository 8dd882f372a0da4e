// Package runner executes queued tests one at a time. A single goroutine
// owns the test store, the runs and the counts tree; every other caller
// reaches them through Runner.Do.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/aria/pkg/counts"
	"github.com/ethpandaops/aria/pkg/events"
	"github.com/ethpandaops/aria/pkg/model"
	"github.com/ethpandaops/aria/pkg/testdb"
)

// ErrStopped is returned by calls made after Stop.
var ErrStopped = errors.New("runner stopped")

// errVanished reports a process the liveness poller no longer finds.
var errVanished = errors.New("process vanished")

const (
	DefaultPollInterval      = time.Second
	DefaultAnimationInterval = 100 * time.Millisecond

	killTimeout = 5 * time.Second
)

// Runner executes tests through the generator and the differ.
type Runner interface {
	// Start launches the actor goroutine.
	Start(ctx context.Context) error
	// Stop kills the live job and waits for the actor to exit.
	Stop() error
	// Enqueue appends tests to the queue, skipping those already queued.
	Enqueue(ctx context.Context, tests ...*testdb.DatabaseTest) error
	// Cancel kills the live job and reverts every queued test.
	Cancel()
	// Do runs fn on the actor goroutine and returns its error.
	Do(ctx context.Context, fn func(*State) error) error
	// Wait blocks until the queue is empty and no job is active.
	Wait(ctx context.Context) error
	// Busy reports whether a job is active or queued.
	Busy() bool
}

// Config holds the runner settings.
type Config struct {
	// Launcher renders a scene: "<Launcher> <scene> -<renderer>".
	Launcher string
	// Differ classifies the render: "<Differ> <renderer> -f <scene>".
	Differ            string
	PollInterval      time.Duration
	AnimationInterval time.Duration
}

// RunEvent is the payload of run_started, run_finished and launch_failed.
type RunEvent struct {
	Renderer string `json:"renderer"`
	Category string `json:"category"`
	Test     string `json:"test"`
	Status   string `json:"status"`
	Result   bool   `json:"result"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// CountsEvent is the payload of counts_changed.
type CountsEvent struct {
	Renderer string `json:"renderer"`
	Category string `json:"category"`
	Kind     string `json:"kind"`
	Delta    int    `json:"delta"`
}

type phase int

const (
	phaseGenerate phase = iota
	phaseDiff
)

func (p phase) String() string {
	if p == phaseDiff {
		return "differ"
	}

	return "generator"
}

type entry struct {
	test     *testdb.DatabaseTest
	previous model.TestStatus
}

type exit struct {
	seq uint64
	err error
}

type job struct {
	seq     uint64
	entry   entry
	phase   phase
	proc    Process
	slot    chan exit
	stop    context.CancelFunc
	started time.Time
}

type runner struct {
	log       logrus.FieldLogger
	cfg       *Config
	launcher  Launcher
	state     *State
	publisher events.Publisher

	commands chan func()
	kick     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	cancel atomic.Bool
	busy   atomic.Bool

	// Owned by the actor goroutine.
	queue   []entry
	queued  map[*testdb.DatabaseTest]bool
	current *job
	stalled *entry
	seq     uint64
	waiters []chan struct{}
}

var _ Runner = (*runner)(nil)

// NewRunner creates a runner over a loaded state.
func NewRunner(
	log logrus.FieldLogger,
	cfg *Config,
	launcher Launcher,
	state *State,
	publisher events.Publisher,
) Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	if cfg.AnimationInterval <= 0 {
		cfg.AnimationInterval = DefaultAnimationInterval
	}

	return &runner{
		log:       log.WithField("component", "runner"),
		cfg:       cfg,
		launcher:  launcher,
		state:     state,
		publisher: publisher,
		commands:  make(chan func()),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		queued:    make(map[*testdb.DatabaseTest]bool),
	}
}

// Start launches the actor goroutine and forwards count changes as events.
func (r *runner) Start(ctx context.Context) error {
	unsubscribe := r.state.Counts.Subscribe(func(c counts.Change) {
		r.publisher.Publish(events.TypeCountsChanged, CountsEvent{
			Renderer: c.Renderer,
			Category: c.Category,
			Kind:     c.Kind.String(),
			Delta:    c.Delta,
		})
	})

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		defer unsubscribe()

		r.loop(ctx)
	}()

	r.log.WithFields(logrus.Fields{
		"launcher": r.cfg.Launcher,
		"differ":   r.cfg.Differ,
	}).Info("Runner started")

	return nil
}

// Stop kills the live job and waits for the actor to exit.
func (r *runner) Stop() error {
	select {
	case <-r.done:
		return nil
	default:
	}

	close(r.done)
	r.wg.Wait()

	r.log.Info("Runner stopped")

	return nil
}

func (r *runner) Enqueue(ctx context.Context, tests ...*testdb.DatabaseTest) error {
	return r.Do(ctx, func(*State) error {
		added := 0

		for _, d := range tests {
			if r.queued[d] {
				continue
			}

			r.queued[d] = true
			r.queue = append(r.queue, entry{test: d, previous: d.Status()})
			d.UpdateStatusNW(model.StatusRunningBegin)
			r.publishItem(d)

			added++
		}

		r.log.WithFields(logrus.Fields{
			"added":  added,
			"queued": len(r.queue),
		}).Info("Tests queued")

		return nil
	})
}

func (r *runner) Cancel() {
	r.cancel.Store(true)

	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *runner) Do(ctx context.Context, fn func(*State) error) error {
	errc := make(chan error, 1)
	cmd := func() { errc <- fn(r.state) }

	select {
	case r.commands <- cmd:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *runner) Wait(ctx context.Context) error {
	idle := make(chan struct{})

	if err := r.Do(ctx, func(*State) error {
		r.waiters = append(r.waiters, idle)

		return nil
	}); err != nil {
		return err
	}

	select {
	case <-idle:
		return nil
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *runner) Busy() bool {
	return r.busy.Load()
}

func (r *runner) loop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.AnimationInterval)
	defer ticker.Stop()

	for {
		var exits <-chan exit
		if r.current != nil {
			exits = r.current.slot
		}

		select {
		case <-r.done:
			r.shutdown()

			return
		case <-ctx.Done():
			r.shutdown()

			return
		case cmd := <-r.commands:
			cmd()
		case <-r.kick:
			r.handleCancel(ctx)
		case ex := <-exits:
			r.handleExit(ctx, ex)
		case <-ticker.C:
			r.animate()
		}

		r.advance(ctx)
		r.notifyIdle()
	}
}

// advance starts the head of the queue when nothing is in flight.
func (r *runner) advance(ctx context.Context) {
	for r.current == nil && r.stalled == nil && len(r.queue) > 0 {
		head := r.queue[0]
		r.queue = r.queue[1:]

		r.startJob(ctx, head)
	}

	r.busy.Store(r.current != nil || r.stalled != nil || len(r.queue) > 0)
}

func (r *runner) notifyIdle() {
	if r.busy.Load() || len(r.waiters) == 0 {
		return
	}

	for _, w := range r.waiters {
		close(w)
	}

	r.waiters = nil
}

func (r *runner) startJob(ctx context.Context, e entry) {
	d := e.test
	d.UpdateStatusNW(model.StatusRunningBegin)

	r.publisher.Publish(events.TypeRunStarted, r.runEvent(d, false, 0, nil))
	r.publishItem(d)

	j := &job{entry: e, phase: phaseGenerate, started: time.Now()}
	r.current = j

	if err := r.spawn(ctx, j); err != nil {
		r.launchFailed(e, j.phase, err)
	}
}

// spawn launches the program of the job's phase under a new sequence.
func (r *runner) spawn(ctx context.Context, j *job) error {
	d := j.entry.test
	scene := r.state.DB.Layout().ScenePath(d.Test())
	renderer := d.Renderer().Name

	var (
		name string
		args []string
	)

	switch j.phase {
	case phaseGenerate:
		name, args = r.cfg.Launcher, []string{scene, "-" + renderer}
	case phaseDiff:
		name, args = r.cfg.Differ, []string{renderer, "-f", scene}
	}

	proc, err := r.launcher.Launch(ctx, name, args...)
	if err != nil {
		return err
	}

	r.seq++

	watchCtx, stop := context.WithCancel(ctx)

	j.seq = r.seq
	j.proc = proc
	j.slot = make(chan exit, 1)
	j.stop = stop

	go watchExit(watchCtx, proc, j.seq, j.slot)
	go pollLiveness(watchCtx, proc.Pid(), r.cfg.PollInterval, j.seq, j.slot)

	r.log.WithFields(logrus.Fields{
		"test":     d.Test().Path(),
		"renderer": renderer,
		"phase":    j.phase.String(),
		"pid":      proc.Pid(),
	}).Debug("Job phase started")

	return nil
}

// report hands an exit to the actor. The first report of a job wins.
func report(slot chan<- exit, ex exit) {
	select {
	case slot <- ex:
	default:
	}
}

func watchExit(ctx context.Context, proc Process, seq uint64, slot chan<- exit) {
	select {
	case err := <-proc.Done():
		report(slot, exit{seq: seq, err: err})
	case <-ctx.Done():
	}
}

func pollLiveness(ctx context.Context, pid int, interval time.Duration, seq uint64, slot chan<- exit) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alive, err := PidExists(ctx, pid)
			if err == nil && !alive {
				report(slot, exit{seq: seq, err: errVanished})

				return
			}
		}
	}
}

func (r *runner) handleExit(ctx context.Context, ex exit) {
	j := r.current
	if j == nil || ex.seq != j.seq {
		return
	}

	j.stop()

	d := j.entry.test
	log := r.log.WithFields(logrus.Fields{
		"test":     d.Test().Path(),
		"renderer": d.Renderer().Name,
		"phase":    j.phase.String(),
	})

	if ex.err != nil {
		log.WithError(ex.err).Debug("Job phase exited with error")
	}

	if r.cancel.Load() {
		r.revertAll()

		return
	}

	if j.phase == phaseGenerate {
		j.phase = phaseDiff

		if err := r.spawn(ctx, j); err != nil {
			r.launchFailed(j.entry, j.phase, err)
		}

		return
	}

	r.current = nil
	r.finish(ctx, j)
}

// finish classifies the differ output and commits the run.
func (r *runner) finish(ctx context.Context, j *job) {
	d := j.entry.test
	elapsed := time.Since(j.started)
	delete(r.queued, d)

	log := r.log.WithFields(logrus.Fields{
		"test":     d.Test().Path(),
		"renderer": d.Renderer().Name,
		"duration": units.HumanDuration(elapsed),
	})

	candidate, ok := classify(r.state.DB.Layout(), d)
	if !ok {
		d.UpdateStatusNW(j.entry.previous)
		log.Warn("No single differ result found")

		r.publisher.Publish(events.TypeRunFinished, r.runEvent(d, false, elapsed, nil))
		r.publishItem(d)

		return
	}

	var err error
	if d.Run().ID == 0 {
		err = d.CreateNewRun(ctx, candidate.Status, candidate.ModTime)
	} else {
		err = d.RecordRun(ctx, candidate.Status, candidate.ModTime)
	}

	if err != nil {
		d.UpdateStatusNW(j.entry.previous)
		log.WithError(err).Error("Failed to record run")
	} else {
		log.WithField("status", d.Status().String()).Info("Run finished")
	}

	r.publisher.Publish(events.TypeRunFinished, r.runEvent(d, err == nil, elapsed, err))
	r.publishItem(d)
}

// classify returns the single differ output of a run.
func classify(layout model.Layout, d *testdb.DatabaseTest) (testdb.Candidate, bool) {
	candidates := testdb.CompareCandidates(layout, d.Test(), d.Renderer().Name)
	if len(candidates) != 1 {
		return testdb.Candidate{}, false
	}

	return candidates[0], true
}

// launchFailed stalls the queue on the failed entry until Cancel.
func (r *runner) launchFailed(e entry, p phase, err error) {
	if r.current != nil && r.current.stop != nil {
		r.current.stop()
	}

	r.current = nil
	r.stalled = &e

	d := e.test
	err = fmt.Errorf("launching %s: %w", p, err)

	r.log.WithError(err).WithFields(logrus.Fields{
		"test":     d.Test().Path(),
		"renderer": d.Renderer().Name,
	}).Error("Launch failed, queue stalled until cancel")

	r.publisher.Publish(events.TypeLaunchFailed, r.runEvent(d, false, 0, err))
}

func (r *runner) handleCancel(ctx context.Context) {
	if !r.cancel.Load() {
		return
	}

	if r.current == nil || r.current.proc == nil {
		r.revertAll()

		return
	}

	killCtx, cancel := context.WithTimeout(ctx, killTimeout)
	defer cancel()

	if err := r.current.proc.Kill(killCtx); err != nil {
		r.log.WithError(err).Warn("Failed to kill job")
	}

	// The exit of the killed process reverts the queue.
}

// revertAll restores the saved status of the in-flight, stalled and
// queued tests, then clears the queue and the cancel flag.
func (r *runner) revertAll() {
	var reverted []entry

	if r.current != nil {
		if r.current.stop != nil {
			r.current.stop()
		}

		reverted = append(reverted, r.current.entry)
		r.current = nil
	}

	if r.stalled != nil {
		reverted = append(reverted, *r.stalled)
		r.stalled = nil
	}

	reverted = append(reverted, r.queue...)
	r.queue = nil

	for _, e := range reverted {
		e.test.UpdateStatusNW(e.previous)
		delete(r.queued, e.test)
		r.publishItem(e.test)
	}

	r.cancel.Store(false)

	r.log.WithField("reverted", len(reverted)).Info("Run cancelled")
}

func (r *runner) animate() {
	if r.current == nil {
		return
	}

	d := r.current.entry.test
	d.UpdateStatusNW(model.NextRunningFrame(d.Status()))
	r.publishItem(d)
}

func (r *runner) shutdown() {
	if r.current != nil && r.current.proc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
		defer cancel()

		if err := r.current.proc.Kill(ctx); err != nil {
			r.log.WithError(err).Warn("Failed to kill job on shutdown")
		}
	}

	if r.current != nil || r.stalled != nil || len(r.queue) > 0 {
		r.revertAll()
	}

	r.busy.Store(false)
}

func (r *runner) publishItem(d *testdb.DatabaseTest) {
	r.publisher.Publish(events.TypeItemChanged, d.Info())
}

func (r *runner) runEvent(d *testdb.DatabaseTest, result bool, elapsed time.Duration, err error) RunEvent {
	ev := RunEvent{
		Renderer: d.Renderer().Name,
		Category: d.Test().Category.Name,
		Test:     d.Test().Name,
		Status:   d.Status().String(),
		Result:   result,
	}

	if elapsed > 0 {
		ev.Duration = units.HumanDuration(elapsed)
	}

	if err != nil {
		ev.Error = err.Error()
	}

	return ev
}
