package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrNotStarted is returned by accessors used before Start succeeded.
var ErrNotStarted = errors.New("process not started")

// waitDelay bounds how long Wait keeps copying output after the child exits
// while a grandchild still holds the pipes.
const waitDelay = 2 * time.Second

// Process is one launched service process. A single waiter goroutine owns
// cmd.Wait; everyone else observes the exit through Done.
type Process struct {
	spec Spec

	mu        sync.Mutex
	cmd       *exec.Cmd
	startUnix int64
	startedAt time.Time
	exitErr   error
	exited    bool
	closers   []io.Closer
	waitDone  chan struct{}
}

func New(spec Spec) *Process { return &Process{spec: spec} }

// Spec returns the launch description.
func (r *Process) Spec() Spec { return r.spec }

// ConfigureCmd builds the *exec.Cmd for the Spec: working dir, environment,
// output destinations and process group attributes.
func (r *Process) ConfigureCmd() (*exec.Cmd, error) {
	spec := r.spec
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd, spec)

	var closers []io.Closer
	switch {
	case spec.Log.Enabled() && spec.Detached:
		// plain files: no copy goroutine has to outlive this process
		out, errf, err := spec.Log.DetachedFiles(spec.Name)
		if err != nil {
			return nil, fmt.Errorf("open log files for %s: %w", spec.Name, err)
		}
		cmd.Stdout, cmd.Stderr = out, errf
		closers = append(closers, out, errf)
	case spec.Log.Enabled():
		out, errw, err := spec.Log.ProcessWriters(spec.Name)
		if err != nil {
			return nil, fmt.Errorf("open log writers for %s: %w", spec.Name, err)
		}
		cmd.Stdout, cmd.Stderr = out, errw
		cmd.WaitDelay = waitDelay
		closers = append(closers, out, errw)
	default:
		null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return nil, err
		}
		cmd.Stdout, cmd.Stderr = null, null
		closers = append(closers, null)
	}

	r.mu.Lock()
	r.closers = closers
	r.mu.Unlock()
	return cmd, nil
}

// Start launches the process and a waiter goroutine that reaps it.
func (r *Process) Start() error {
	cmd, err := r.ConfigureCmd()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		r.closeWriters()
		return fmt.Errorf("start %s: %w", r.spec.Name, err)
	}
	pid := cmd.Process.Pid

	r.mu.Lock()
	r.cmd = cmd
	r.startedAt = time.Now()
	r.startUnix = StartTime(pid)
	r.waitDone = make(chan struct{})
	done := r.waitDone
	r.mu.Unlock()

	// The parent's copies of plain files are not needed once the child has them.
	if r.spec.Detached {
		r.closeWriters()
	}

	go func() {
		err := cmd.Wait()
		r.mu.Lock()
		r.exited = true
		r.exitErr = err
		r.mu.Unlock()
		r.closeWriters()
		close(done)
	}()
	return nil
}

func (r *Process) closeWriters() {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()
	for _, c := range closers {
		_ = c.Close()
	}
}

// PID returns the child's pid, or 0 before Start.
func (r *Process) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

// Done is closed once the child has exited and been reaped.
// It is nil before Start.
func (r *Process) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waitDone
}

// Exited reports whether the waiter has observed the child's exit.
func (r *Process) Exited() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exited
}

// ExitErr is the error returned by cmd.Wait, valid once Exited is true.
func (r *Process) ExitErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitErr
}

// Wait blocks until the child exits or d elapses. It reports whether the
// child exited.
func (r *Process) Wait(d time.Duration) bool {
	done := r.Done()
	if done == nil {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// Record describes this run for the pidfile.
func (r *Process) Record(port int) (Record, error) {
	pid := r.PID()
	if pid == 0 {
		return Record{}, ErrNotStarted
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return Record{
		PID:       pid,
		StartUnix: r.startUnix,
		Name:      r.spec.Name,
		Port:      port,
		Command:   r.spec.Command,
		StartedAt: r.startedAt,
	}, nil
}

// Kill force-terminates the process group and waits briefly for the reaper.
func (r *Process) Kill(wait time.Duration) error {
	pid := r.PID()
	if pid == 0 {
		return ErrNotStarted
	}
	if r.Exited() {
		return nil
	}
	if err := Kill(pid, true); err != nil {
		return err
	}
	r.Wait(wait)
	return nil
}
