package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
)

// Process is a started external program.
type Process interface {
	// Pid returns the operating system id of the process.
	Pid() int
	// Done receives the exit error once, then is closed.
	Done() <-chan error
	// Kill terminates the process and its descendants.
	Kill(ctx context.Context) error
}

// Launcher starts the generator and differ programs.
type Launcher interface {
	Launch(ctx context.Context, name string, args ...string) (Process, error)
}

// ExecLauncher runs programs on the local machine. Their output is
// forwarded to the log, line by line, up to a size cap.
type ExecLauncher struct {
	log    logrus.FieldLogger
	maxLog int64
}

var _ Launcher = (*ExecLauncher)(nil)

// NewExecLauncher creates a launcher. maxLog caps the logged output of
// each process in bytes; 0 disables the cap.
func NewExecLauncher(log logrus.FieldLogger, maxLog int64) *ExecLauncher {
	return &ExecLauncher{
		log:    log.WithField("component", "launcher"),
		maxLog: maxLog,
	}
}

// Launch starts name with args. The process outlives ctx; it is stopped
// with Kill.
func (l *ExecLauncher) Launch(_ context.Context, name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)

	out := &lineLogger{
		log: l.log.WithFields(logrus.Fields{
			"program": name,
		}),
		max: l.maxLog,
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	p := &execProcess{
		cmd:  cmd,
		done: make(chan error, 1),
	}

	go func() {
		err := cmd.Wait()
		out.flush()

		p.done <- err
		close(p.done)
	}()

	l.log.WithFields(logrus.Fields{
		"program": name,
		"args":    args,
		"pid":     cmd.Process.Pid,
	}).Debug("Process started")

	return p, nil
}

// Detach starts a program that is not supervised, such as the viewer.
func (l *ExecLauncher) Detach(name string, args ...string) (int, error) {
	cmd := exec.Command(name, args...)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %s: %w", name, err)
	}

	pid := cmd.Process.Pid

	go func() { _ = cmd.Wait() }()

	return pid, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan error
}

func (p *execProcess) Pid() int           { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan error { return p.done }

func (p *execProcess) Kill(ctx context.Context) error {
	return KillTree(ctx, p.Pid())
}

// KillTree kills a process after its descendants. A process that is
// already gone is not an error.
func KillTree(ctx context.Context, pid int) error {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}

		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	return killTree(ctx, proc)
}

func killTree(ctx context.Context, proc *process.Process) error {
	var errs []error

	children, _ := proc.ChildrenWithContext(ctx)
	for _, child := range children {
		if err := killTree(ctx, child); err != nil {
			errs = append(errs, err)
		}
	}

	if err := proc.KillWithContext(ctx); err != nil {
		if running, _ := proc.IsRunningWithContext(ctx); running {
			errs = append(errs, fmt.Errorf("killing process %d: %w", proc.Pid, err))
		}
	}

	return errors.Join(errs...)
}

// PidExists reports whether a process id is alive.
func PidExists(ctx context.Context, pid int) (bool, error) {
	return process.PidExistsWithContext(ctx, int32(pid))
}

// lineLogger logs each written line at debug level until max bytes were
// seen, then notes the truncation once.
type lineLogger struct {
	log logrus.FieldLogger
	max int64

	mu        sync.Mutex
	buf       []byte
	seen      int64
	truncated bool
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(p)

	if w.max > 0 && w.seen >= w.max {
		if !w.truncated {
			w.truncated = true
			w.log.WithField("max_bytes", w.max).Warn("Process output truncated")
		}

		return n, nil
	}

	w.seen += int64(n)
	w.buf = append(w.buf, p...)

	for {
		idx := -1

		for i, b := range w.buf {
			if b == '\n' {
				idx = i

				break
			}
		}

		if idx == -1 {
			break
		}

		w.emit(w.buf[:idx])
		w.buf = w.buf[idx+1:]
	}

	return n, nil
}

func (w *lineLogger) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineLogger) emit(line []byte) {
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}

	if len(line) == 0 {
		return
	}

	w.log.Debug(string(line))
}
