package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/portvisor/internal/env"
	"github.com/loykin/portvisor/internal/history"
	"github.com/loykin/portvisor/internal/logger"
	"github.com/loykin/portvisor/internal/metrics"
	"github.com/loykin/portvisor/internal/probe"
	"github.com/loykin/portvisor/internal/process"
	"github.com/loykin/portvisor/internal/registry"
)

const (
	DefaultStartupTimeout = 30 * time.Second
	DefaultGracePeriod    = 5 * time.Second
	DefaultKillWait       = 2 * time.Second
	DefaultWorkers        = 4

	defaultPollInterval    = 100 * time.Millisecond
	defaultPollMaxInterval = time.Second
	historyTimeout         = 2 * time.Second
)

// Options configures a Manager. Zero values fall back to the defaults above.
type Options struct {
	Registry *registry.Registry
	Resolver *env.Resolver
	Prober   probe.Prober

	// StateDir holds pidfiles so a later invocation recognises its own
	// listeners. Empty keeps ownership in memory only.
	StateDir string

	StartupTimeout time.Duration
	GracePeriod    time.Duration
	KillWait       time.Duration
	Workers        int

	// Detached children get their own session and write output straight to
	// files, so they outlive a short-lived CLI.
	Detached bool
	// ServiceLog applies to descriptors without their own log destination.
	ServiceLog logger.FileConfig

	PollInterval    time.Duration
	PollMaxInterval time.Duration

	Logger  *slog.Logger
	History []history.Sink
}

type service struct {
	desc  registry.Descriptor
	mu    sync.Mutex // serializes start/stop/restart
	state atomic.Int32
	proc  atomic.Pointer[process.Process] // last child spawned by this Manager
}

func (s *service) State() State { return State(s.state.Load()) }

// Manager starts, stops and restarts the services of a registry. Actions on
// one service are serialized; different services proceed in parallel.
type Manager struct {
	opts   Options
	log    *slog.Logger
	order  []*service
	byName map[string]*service
}

func New(opts Options) (*Manager, error) {
	if opts.Registry == nil {
		return nil, errors.New("manager requires a registry")
	}
	if opts.Resolver == nil {
		opts.Resolver = env.NewResolver(env.DefaultFileName)
	}
	if opts.Prober == nil {
		opts.Prober = probe.NewSystem()
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.KillWait <= 0 {
		opts.KillWait = DefaultKillWait
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.PollMaxInterval < opts.PollInterval {
		opts.PollMaxInterval = max(defaultPollMaxInterval, opts.PollInterval)
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	m := &Manager{opts: opts, log: lg, byName: make(map[string]*service)}
	for _, d := range opts.Registry.All() {
		svc := &service{desc: d}
		m.order = append(m.order, svc)
		m.byName[d.Name] = svc
	}
	return m, nil
}

// Registry returns the service table the manager was built with.
func (m *Manager) Registry() *registry.Registry { return m.opts.Registry }

// Result is the outcome of one action on one service.
type Result struct {
	Service  string        `json:"service"`
	Port     int           `json:"port"`
	Action   Action        `json:"action"`
	State    State         `json:"state"`
	PID      int           `json:"pid,omitempty"`
	Changed  bool          `json:"changed"` // false when the service was already in the target state
	Duration time.Duration `json:"duration_ns"`
	Err      error         `json:"-"`
}

func (r Result) OK() bool { return r.Err == nil }

// Outcome classifies the result for logs, metrics and history.
func (r Result) Outcome() string {
	var (
		pc *PortConflictError
		mc *MissingConfigError
		st *StartupTimeoutError
		sf *StopFailedError
	)
	switch {
	case r.Err == nil:
		return r.State.String()
	case errors.As(r.Err, &pc):
		return "port_conflict"
	case errors.As(r.Err, &mc):
		return "missing_config"
	case errors.As(r.Err, &st):
		return "startup_timeout"
	case errors.Is(r.Err, ErrCrashed):
		return "crashed"
	case errors.As(r.Err, &sf):
		return "stop_failed"
	case errors.Is(r.Err, ErrUnknownService):
		return "unknown_service"
	case errors.Is(r.Err, context.Canceled), errors.Is(r.Err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	out := struct {
		plain
		Outcome string `json:"outcome"`
		Error   string `json:"error,omitempty"`
	}{plain: plain(r), Outcome: r.Outcome()}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

func (m *Manager) lookup(name string) (*service, error) {
	d, err := m.opts.Registry.Get(name)
	if err != nil {
		return nil, err
	}
	return m.byName[d.Name], nil
}

// State returns the supervisor-held state of name. It is not a probe; use
// the status package for what the OS reports right now.
func (m *Manager) State(name string) (State, error) {
	svc, err := m.lookup(name)
	if err != nil {
		return NotRunning, err
	}
	return svc.State(), nil
}

// Start launches name unless its port is already served. See start.
func (m *Manager) Start(ctx context.Context, name string) Result {
	return m.locked(ctx, name, ActionStart, m.start)
}

// Stop releases name's port.
func (m *Manager) Stop(ctx context.Context, name string) Result {
	return m.locked(ctx, name, ActionStop, m.stop)
}

// Restart stops name and, only if that succeeded, starts it again.
func (m *Manager) Restart(ctx context.Context, name string) Result {
	return m.locked(ctx, name, ActionRestart, m.restart)
}

func (m *Manager) locked(ctx context.Context, name string, action Action, fn func(context.Context, *service) Result) Result {
	svc, err := m.lookup(name)
	if err != nil {
		return Result{Service: name, Action: action, Err: err}
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return fn(ctx, svc)
}

// start runs the launch sequence: probe, resolve, spawn, await the port.
func (m *Manager) start(ctx context.Context, svc *service) Result {
	d := svc.desc
	began := time.Now()
	res := Result{Service: d.Name, Port: d.Port, Action: ActionStart}

	obs, err := m.opts.Prober.Probe(ctx, d.Port)
	if err != nil {
		res.Err = fmt.Errorf("%s: probe port %d: %w", d.Name, d.Port, err)
		return m.finish(ctx, svc, res, began)
	}
	if obs.Listening {
		if rec, ok := m.ownRecord(ctx, svc, obs); ok {
			m.setState(svc, Running)
			res.PID = rec.PID
			return m.finish(ctx, svc, res, began)
		}
		m.setState(svc, PortConflict)
		res.Err = &PortConflictError{Service: d.Name, Port: d.Port, Observation: obs}
		return m.finish(ctx, svc, res, began)
	}

	resolved, err := m.opts.Resolver.ResolveAll(d.RequiredKeys, d.WorkDir)
	if err != nil {
		var mk *env.MissingKeysError
		if errors.As(err, &mk) {
			res.Err = &MissingConfigError{Service: d.Name, Port: d.Port, Missing: mk.Keys}
		} else {
			res.Err = fmt.Errorf("%s: resolve configuration: %w", d.Name, err)
		}
		m.setState(svc, NotRunning)
		return m.finish(ctx, svc, res, began)
	}
	for _, k := range d.RequiredKeys {
		m.log.Debug("config key resolved", "service", d.Name, "key", k, "source", resolved[k].Source.String())
	}

	// a recorded run that never bound is replaced, never orphaned
	if rec, alive := m.liveRecord(svc); alive {
		m.log.Info("stopping unbound previous run", "service", d.Name, "pid", rec.PID)
		if err := m.halt(ctx, svc, rec.PID); err != nil {
			res.PID = rec.PID
			res.Err = &StopFailedError{Service: d.Name, Port: d.Port, PID: rec.PID, Reason: "previous run: " + err.Error()}
			return m.finish(ctx, svc, res, began)
		}
	}
	m.removeRecord(svc)

	proc := process.New(process.Spec{
		Name:     d.Name,
		Command:  d.Command,
		WorkDir:  d.WorkDir,
		Env:      env.MergeOS(d.Env, resolved.Pairs()),
		Detached: m.opts.Detached,
		Log:      m.logConfig(d),
	})
	m.setState(svc, Starting)
	if err := proc.Start(); err != nil {
		m.setState(svc, NotRunning)
		res.Err = err
		return m.finish(ctx, svc, res, began)
	}
	svc.proc.Store(proc)
	res.PID = proc.PID()
	res.Changed = true
	m.log.Info("service spawned", "service", d.Name, "port", d.Port, "pid", res.PID)
	if rec, err := proc.Record(d.Port); err == nil {
		if err := m.writeRecord(svc, rec); err != nil {
			m.log.Warn("pidfile not written", "service", d.Name, "error", err)
		}
	}

	err = m.awaitListening(ctx, d, proc)
	var pc *PortConflictError
	switch {
	case err == nil:
		m.setState(svc, Running)
		metrics.ObserveStartDuration(d.Name, time.Since(began).Seconds())
		if rec, rerr := proc.Record(d.Port); rerr == nil {
			rec.BoundAt = time.Now()
			if werr := m.writeRecord(svc, rec); werr != nil {
				m.log.Warn("pidfile not written", "service", d.Name, "error", werr)
			}
		}
	case errors.As(err, &pc):
		// someone else bound the port while our child was starting
		m.abort(svc, proc)
		m.setState(svc, PortConflict)
		res.Err = pc
	case ctx.Err() != nil:
		m.abort(svc, proc)
		m.setState(svc, NotRunning)
		res.Err = fmt.Errorf("%s: startup interrupted: %w", d.Name, ctx.Err())
	case errors.Is(err, errExited):
		m.removeRecord(svc)
		m.setState(svc, Crashed)
		res.Err = &CrashedError{Service: d.Name, Port: d.Port, PID: res.PID, ExitErr: proc.ExitErr()}
	default:
		m.setState(svc, Crashed)
		res.Err = &StartupTimeoutError{Service: d.Name, Port: d.Port, PID: res.PID, Timeout: m.opts.StartupTimeout}
	}
	return m.finish(ctx, svc, res, began)
}

// abort tears down a child whose startup was cancelled.
func (m *Manager) abort(svc *service, proc *process.Process) {
	pid := proc.PID()
	_ = process.Terminate(pid, true)
	if !proc.Wait(m.opts.GracePeriod) {
		_ = process.Kill(pid, true)
		proc.Wait(m.opts.KillWait)
	}
	m.removeRecord(svc)
	svc.proc.Store(nil)
}

// halt terminates the process group led by pid, escalating to SIGKILL after
// the grace period. It is bounded by the grace period plus the kill wait.
func (m *Manager) halt(ctx context.Context, svc *service, pid int) error {
	ctx = context.WithoutCancel(ctx)
	gone := func() bool { return !process.Alive(pid) }
	if err := process.Terminate(pid, true); err != nil {
		return fmt.Errorf("terminate: %w", err)
	}
	if !m.poll(ctx, m.opts.GracePeriod, gone) {
		if err := process.Kill(pid, true); err != nil {
			return fmt.Errorf("kill: %w", err)
		}
		if !m.poll(ctx, m.opts.KillWait, gone) {
			return fmt.Errorf("pid %d still alive after kill", pid)
		}
	}
	if p := svc.proc.Load(); p != nil && p.PID() == pid {
		p.Wait(m.opts.KillWait)
		svc.proc.Store(nil)
	}
	return nil
}

// stop runs to completion even if ctx is cancelled; it is bounded by the
// grace period plus the kill wait.
func (m *Manager) stop(ctx context.Context, svc *service) Result {
	ctx = context.WithoutCancel(ctx)
	d := svc.desc
	began := time.Now()
	res := Result{Service: d.Name, Port: d.Port, Action: ActionStop}

	obs, err := m.opts.Prober.Probe(ctx, d.Port)
	if err != nil {
		res.Err = fmt.Errorf("%s: probe port %d: %w", d.Name, d.Port, err)
		return m.finish(ctx, svc, res, began)
	}
	rec, recAlive := m.liveRecord(svc)
	if !obs.Listening && !recAlive {
		m.removeRecord(svc)
		m.setState(svc, NotRunning)
		return m.finish(ctx, svc, res, began)
	}

	var (
		pid   int
		group bool
	)
	switch {
	case obs.OwnerKnown():
		pid = obs.OwnerPID
		if recAlive && rec.Owns(ctx, pid) {
			pid, group = rec.PID, true
		}
	case recAlive:
		pid, group = rec.PID, true
	default:
		res.Err = &StopFailedError{Service: d.Name, Port: d.Port, Reason: "port is listening but its owner could not be identified"}
		return m.finish(ctx, svc, res, began)
	}
	res.PID = pid
	res.Changed = true

	if err := process.Terminate(pid, group); err != nil {
		res.Err = &StopFailedError{Service: d.Name, Port: d.Port, PID: pid, Reason: "terminate: " + err.Error()}
		return m.finish(ctx, svc, res, began)
	}
	stopped := func() bool { return !m.listening(ctx, d.Port) && !process.Alive(pid) }
	if !m.poll(ctx, m.opts.GracePeriod, stopped) {
		m.log.Warn("grace period elapsed, killing", "service", d.Name, "pid", pid, "grace", m.opts.GracePeriod)
		if err := process.Kill(pid, group); err != nil {
			res.Err = &StopFailedError{Service: d.Name, Port: d.Port, PID: pid, Reason: "kill: " + err.Error()}
			return m.finish(ctx, svc, res, began)
		}
		if !m.poll(ctx, m.opts.KillWait, func() bool { return !m.listening(ctx, d.Port) }) {
			res.Err = &StopFailedError{Service: d.Name, Port: d.Port, PID: pid, Reason: "port still bound after kill"}
			return m.finish(ctx, svc, res, began)
		}
	}
	if recAlive && !group {
		// the port belonged to someone else; our own run goes too
		if err := m.halt(ctx, svc, rec.PID); err != nil {
			res.Err = &StopFailedError{Service: d.Name, Port: d.Port, PID: rec.PID, Reason: "recorded run: " + err.Error()}
			return m.finish(ctx, svc, res, began)
		}
	}

	if p := svc.proc.Load(); p != nil && (p.PID() == pid || p.Exited()) {
		p.Wait(m.opts.KillWait)
		svc.proc.Store(nil)
	}
	m.removeRecord(svc)
	m.setState(svc, NotRunning)
	return m.finish(ctx, svc, res, began)
}

func (m *Manager) restart(ctx context.Context, svc *service) Result {
	stopped := m.stop(ctx, svc)
	if stopped.Err != nil {
		stopped.Action = ActionRestart
		return stopped
	}
	if err := ctx.Err(); err != nil {
		return Result{Service: svc.desc.Name, Port: svc.desc.Port, Action: ActionRestart, State: svc.State(), Err: err}
	}
	started := m.start(ctx, svc)
	started.Action = ActionRestart
	started.Changed = started.Changed || stopped.Changed
	started.Duration += stopped.Duration
	return started
}

// Owns reports whether the listener described by obs belongs to a process
// this supervisor launched for name.
func (m *Manager) Owns(ctx context.Context, name string, obs probe.Observation) bool {
	svc, err := m.lookup(name)
	if err != nil || !obs.Listening {
		return false
	}
	_, ok := m.ownRecord(ctx, svc, obs)
	return ok
}

func (m *Manager) ownRecord(ctx context.Context, svc *service, obs probe.Observation) (process.Record, bool) {
	rec, ok := m.liveRecord(svc)
	if !ok {
		return rec, false
	}
	if obs.OwnerKnown() {
		return rec, rec.Owns(ctx, obs.OwnerPID)
	}
	// owner hidden from us: a live run counts only once it was seen bound
	if rec.Port != 0 && rec.Port != svc.desc.Port {
		return rec, false
	}
	return rec, !rec.BoundAt.IsZero() || svc.State() == Running
}

// liveRecord returns the record of a live process launched for svc, from
// memory first and then from the pidfile.
func (m *Manager) liveRecord(svc *service) (process.Record, bool) {
	if p := svc.proc.Load(); p != nil && !p.Exited() {
		if rec, err := p.Record(svc.desc.Port); err == nil {
			return rec, true
		}
	}
	path := m.pidPath(svc)
	if path == "" {
		return process.Record{}, false
	}
	rec, err := process.ReadPIDFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.log.Debug("pidfile unreadable", "service", svc.desc.Name, "path", path, "error", err)
		}
		return process.Record{}, false
	}
	if !rec.Alive() {
		return rec, false
	}
	return rec, true
}

func (m *Manager) pidPath(svc *service) string {
	if m.opts.StateDir == "" {
		return ""
	}
	return filepath.Join(m.opts.StateDir, strings.ToLower(svc.desc.Name)+".pid")
}

func (m *Manager) writeRecord(svc *service, rec process.Record) error {
	path := m.pidPath(svc)
	if path == "" {
		return nil
	}
	return process.WritePIDFile(path, rec)
}

func (m *Manager) removeRecord(svc *service) {
	if path := m.pidPath(svc); path != "" {
		if err := process.RemovePIDFile(path); err != nil {
			m.log.Warn("pidfile not removed", "service", svc.desc.Name, "error", err)
		}
	}
}

func (m *Manager) logConfig(d registry.Descriptor) logger.FileConfig {
	if d.Log.Enabled() {
		return d.Log
	}
	return m.opts.ServiceLog
}

func (m *Manager) setState(svc *service, to State) {
	from := State(svc.state.Swap(int32(to)))
	if from == to {
		return
	}
	name := svc.desc.Name
	metrics.RecordStateTransition(name, from.String(), to.String())
	for _, st := range states {
		metrics.SetCurrentState(name, st.String(), st == to)
	}
	m.log.Debug("state transition", "service", name, "from", from.String(), "to", to.String())
}

// finish stamps the result, then logs it and records metrics and history.
func (m *Manager) finish(ctx context.Context, svc *service, res Result, began time.Time) Result {
	res.State = svc.State()
	res.Duration = time.Since(began)
	outcome := res.Outcome()

	attrs := []any{
		"service", res.Service, "port", res.Port, "action", string(res.Action),
		"outcome", outcome, "duration", res.Duration.Round(time.Millisecond),
	}
	if res.PID > 0 {
		attrs = append(attrs, "pid", res.PID)
	}
	if res.Err != nil {
		m.log.Error("service action failed", append(attrs, "error", res.Err)...)
	} else {
		m.log.Info("service action", attrs...)
	}
	metrics.IncAction(res.Service, string(res.Action), outcome)

	if len(m.opts.History) > 0 {
		evt := history.Event{
			Type:       history.EventType(res.Action),
			OccurredAt: time.Now().UTC(),
			Service:    res.Service,
			Port:       res.Port,
			PID:        res.PID,
			Outcome:    outcome,
			Duration:   res.Duration,
		}
		if res.Err != nil {
			evt.Error = res.Err.Error()
		}
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
		if err := history.Fanout(hctx, evt, m.opts.History...); err != nil {
			m.log.Warn("history sink failed", "service", res.Service, "error", err)
		}
		cancel()
	}
	return res
}
