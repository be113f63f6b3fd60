package manager

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/portvisor/internal/env"
	"github.com/loykin/portvisor/internal/history"
	"github.com/loykin/portvisor/internal/probe"
	"github.com/loykin/portvisor/internal/process"
	"github.com/loykin/portvisor/internal/registry"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

// fileProber reports a port as listening when <dir>/<port>.ready names a live
// pid. Test services write that file instead of binding a real socket.
type fileProber struct {
	dir    string
	mu     sync.Mutex
	static map[int]probe.Observation
}

func (f *fileProber) Probe(_ context.Context, port int) (probe.Observation, error) {
	f.mu.Lock()
	o, ok := f.static[port]
	f.mu.Unlock()
	if ok {
		return o, nil
	}
	b, err := os.ReadFile(filepath.Join(f.dir, strconv.Itoa(port)+".ready"))
	if err != nil {
		return probe.Observation{Port: port, Method: "test"}, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || !process.Alive(pid) {
		return probe.Observation{Port: port, Method: "test"}, nil
	}
	return probe.Observation{Port: port, Listening: true, OwnerPID: pid, OwnerName: "sleep", Method: "test"}, nil
}

func (f *fileProber) ProbeAll(ctx context.Context, ports []int) (map[int]probe.Observation, error) {
	out := make(map[int]probe.Observation, len(ports))
	for _, p := range ports {
		o, _ := f.Probe(ctx, p)
		out[p] = o
	}
	return out, nil
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) types() []history.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]history.EventType, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

func (m *memSink) reset() {
	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()
}

// serving returns a command that marks port as listening and then sleeps.
func serving(dir string, port int) string {
	return "sh -c 'echo $$ > " + filepath.Join(dir, strconv.Itoa(port)+".ready") + "; exec sleep 30'"
}

func noEnv(string) (string, bool) { return "", false }

type fixture struct {
	dir    string
	prober *fileProber
	sink   *memSink
	mgr    *Manager
}

func newFixture(t *testing.T, descs []registry.Descriptor, tweak func(*Options)) *fixture {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.New(descs...)
	require.NoError(t, err)
	f := &fixture{
		dir:    dir,
		prober: &fileProber{dir: dir, static: map[int]probe.Observation{}},
		sink:   &memSink{},
	}
	opts := Options{
		Registry:        reg,
		Resolver:        &env.Resolver{FileName: ".env", LookupEnv: noEnv},
		Prober:          f.prober,
		StateDir:        filepath.Join(dir, "state"),
		StartupTimeout:  3 * time.Second,
		GracePeriod:     2 * time.Second,
		KillWait:        time.Second,
		PollInterval:    20 * time.Millisecond,
		PollMaxInterval: 100 * time.Millisecond,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		History:         []history.Sink{f.sink},
	}
	if tweak != nil {
		tweak(&opts)
	}
	f.mgr, err = New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { f.mgr.StopAll(context.Background()) })
	return f
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func waitUntil(timeout time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fn()
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestUnknownService(t *testing.T) {
	f := newFixture(t, []registry.Descriptor{{Name: "API", Port: 41081, Command: "true"}}, nil)
	res := f.mgr.Start(context.Background(), "nope")
	require.ErrorIs(t, res.Err, ErrUnknownService)
	assert.Equal(t, "unknown_service", res.Outcome())
	_, err := f.mgr.State("nope")
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestStartPortConflictDoesNotSpawn(t *testing.T) {
	requireUnix(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	f := newFixture(t, []registry.Descriptor{{Name: "BranchSeeker", Port: port, Command: "touch placeholder"}},
		func(o *Options) { o.Prober = probe.NewSystem() })

	res := f.mgr.Start(context.Background(), "BranchSeeker")
	var pc *PortConflictError
	require.ErrorAs(t, res.Err, &pc)
	assert.Equal(t, port, pc.Port)
	assert.Equal(t, PortConflict, res.State)
	assert.Equal(t, "port_conflict", res.Outcome())
	assert.Zero(t, res.PID)
	assert.False(t, exists(filepath.Join(f.dir, "state", "branchseeker.pid")))
	assert.False(t, f.mgr.Owns(context.Background(), "BranchSeeker", probe.Observation{Port: port, Listening: true, OwnerPID: os.Getpid()}))
}

func TestStartMissingConfigDoesNotSpawn(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "spawned")
	shared := t.TempDir()
	f := newFixture(t, []registry.Descriptor{{
		Name: "LendSight", Port: 41082, WorkDir: dir,
		Command:      "touch " + marker,
		RequiredKeys: []string{"CLAUDE_API_KEY"},
	}}, func(o *Options) {
		o.Resolver = &env.Resolver{FileName: ".env", FallbackDirs: []string{shared}, LookupEnv: noEnv}
	})

	res := f.mgr.Start(context.Background(), "lendsight")
	var mc *MissingConfigError
	require.ErrorAs(t, res.Err, &mc)
	assert.Equal(t, []string{"CLAUDE_API_KEY"}, mc.Keys())
	assert.ErrorIs(t, res.Err, env.ErrMissingKey)
	assert.Contains(t, res.Err.Error(), "checked environment, then ")
	assert.Contains(t, res.Err.Error(), filepath.Join(shared, ".env"))
	assert.Equal(t, NotRunning, res.State)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, exists(marker), "command must not run")
}

func TestStartStopLifecycle(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	f := newFixture(t, []registry.Descriptor{{Name: "MergerMeter", Port: 41083, Command: serving(dir, 41083)}}, nil)
	f.prober.dir = dir
	ctx := context.Background()

	res := f.mgr.Start(ctx, "MergerMeter")
	require.NoError(t, res.Err)
	assert.Equal(t, Running, res.State)
	assert.True(t, res.Changed)
	require.Greater(t, res.PID, 0)
	pid := res.PID

	pidfile := filepath.Join(f.dir, "state", "mergermeter.pid")
	rec, err := process.ReadPIDFile(pidfile)
	require.NoError(t, err)
	assert.Equal(t, pid, rec.PID)
	assert.Equal(t, 41083, rec.Port)

	obs, _ := f.prober.Probe(ctx, 41083)
	assert.True(t, f.mgr.Owns(ctx, "MergerMeter", obs))

	again := f.mgr.Start(ctx, "MergerMeter")
	require.NoError(t, again.Err)
	assert.False(t, again.Changed, "second start must not spawn")
	assert.Equal(t, pid, again.PID)

	stop := f.mgr.Stop(ctx, "MergerMeter")
	require.NoError(t, stop.Err)
	assert.Equal(t, NotRunning, stop.State)
	assert.True(t, stop.Changed)
	assert.False(t, process.Alive(pid))
	assert.False(t, exists(pidfile))

	noop := f.mgr.Stop(ctx, "MergerMeter")
	require.NoError(t, noop.Err)
	assert.False(t, noop.Changed)
	assert.Equal(t, NotRunning, noop.State)
}

func TestResolvedKeyReachesChild(t *testing.T) {
	requireUnix(t)
	work := t.TempDir()
	probeDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, ".env"), []byte("PV_TOKEN=from-file\n"), 0o600))
	out := filepath.Join(work, "token")
	cmd := "sh -c 'echo \"$PV_TOKEN\" > " + out + "; echo $$ > " + filepath.Join(probeDir, "41084.ready") + "; exec sleep 30'"

	f := newFixture(t, []registry.Descriptor{{
		Name: "BranchMapper", Port: 41084, WorkDir: work, Command: cmd, RequiredKeys: []string{"PV_TOKEN"},
	}}, nil)
	f.prober.dir = probeDir

	res := f.mgr.Start(context.Background(), "BranchMapper")
	require.NoError(t, res.Err)
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "from-file", strings.TrimSpace(string(b)))
}

func TestStartCrashBeforeBind(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, []registry.Descriptor{{Name: "DataExplorer", Port: 41085, Command: "sh -c 'exit 7'"}}, nil)

	res := f.mgr.Start(context.Background(), "DataExplorer")
	require.ErrorIs(t, res.Err, ErrCrashed)
	var ce *CrashedError
	require.ErrorAs(t, res.Err, &ce)
	assert.Error(t, ce.ExitErr)
	assert.Equal(t, Crashed, res.State)
	assert.Equal(t, "crashed", res.Outcome())
	assert.False(t, exists(filepath.Join(f.dir, "state", "dataexplorer.pid")))
}

func TestStartTimeoutLeavesProcessAlive(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, []registry.Descriptor{{Name: "API", Port: 41086, Command: "sleep 30"}},
		func(o *Options) { o.StartupTimeout = 300 * time.Millisecond })

	res := f.mgr.Start(context.Background(), "API")
	var te *StartupTimeoutError
	require.ErrorAs(t, res.Err, &te)
	assert.Equal(t, Crashed, res.State)
	assert.True(t, process.Alive(res.PID), "timed-out process is left for inspection")

	// stop still finds it through the recorded pid
	stop := f.mgr.Stop(context.Background(), "API")
	require.NoError(t, stop.Err)
	assert.Equal(t, res.PID, stop.PID)
	assert.True(t, waitUntil(time.Second, func() bool { return !process.Alive(res.PID) }))
}

func TestStartAfterTimeoutReplacesUnboundRun(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, []registry.Descriptor{{Name: "API", Port: 41092, Command: "sleep 30"}},
		func(o *Options) { o.StartupTimeout = 300 * time.Millisecond })
	ctx := context.Background()

	first := f.mgr.Start(ctx, "API")
	var te *StartupTimeoutError
	require.ErrorAs(t, first.Err, &te)
	require.True(t, process.Alive(first.PID))

	second := f.mgr.Start(ctx, "API")
	require.ErrorAs(t, second.Err, &te)
	require.NotEqual(t, first.PID, second.PID)
	assert.True(t, waitUntil(time.Second, func() bool { return !process.Alive(first.PID) }),
		"the earlier run must be stopped before a new one is spawned")

	stop := f.mgr.Stop(ctx, "API")
	require.NoError(t, stop.Err)
	assert.Equal(t, second.PID, stop.PID)
	assert.True(t, waitUntil(time.Second, func() bool { return !process.Alive(second.PID) }))
	assert.False(t, exists(filepath.Join(f.dir, "state", "api.pid")))
}

// foreign starts an unrelated process, reaped by the test.
func foreign(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() { _ = cmd.Wait(); close(done) }()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-done
	})
	return cmd.Process.Pid
}

func markReady(t *testing.T, dir string, port, pid int) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, strconv.Itoa(port)+".ready"), []byte(strconv.Itoa(pid)), 0o644))
}

func TestStopForeignOwnerAlsoStopsRecordedRun(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, []registry.Descriptor{{Name: "LendSight", Port: 41093, Command: "sleep 30"}},
		func(o *Options) { o.StartupTimeout = 300 * time.Millisecond })
	ctx := context.Background()

	started := f.mgr.Start(ctx, "LendSight")
	var te *StartupTimeoutError
	require.ErrorAs(t, started.Err, &te)

	other := foreign(t)
	markReady(t, f.dir, 41093, other)

	stop := f.mgr.Stop(ctx, "LendSight")
	require.NoError(t, stop.Err)
	assert.Equal(t, other, stop.PID)
	assert.True(t, waitUntil(time.Second, func() bool { return !process.Alive(other) }))
	assert.True(t, waitUntil(time.Second, func() bool { return !process.Alive(started.PID) }),
		"the recorded run must not outlive the stop")
	assert.False(t, exists(filepath.Join(f.dir, "state", "lendsight.pid")))
}

func TestStartForeignBinderIsConflict(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, []registry.Descriptor{{Name: "MergerMeter", Port: 41094, Command: "sleep 30"}}, nil)

	other := foreign(t)
	ready := filepath.Join(f.dir, "41094.ready")
	time.AfterFunc(150*time.Millisecond, func() { _ = os.WriteFile(ready, []byte(strconv.Itoa(other)), 0o644) })

	res := f.mgr.Start(context.Background(), "MergerMeter")
	var pc *PortConflictError
	require.ErrorAs(t, res.Err, &pc)
	assert.Equal(t, other, pc.Observation.OwnerPID)
	assert.Equal(t, PortConflict, res.State)
	require.Greater(t, res.PID, 0)
	assert.NotEqual(t, other, res.PID)
	assert.True(t, waitUntil(3*time.Second, func() bool { return !process.Alive(res.PID) }),
		"the spawned child is torn down")
	assert.False(t, exists(filepath.Join(f.dir, "state", "mergermeter.pid")))
	assert.True(t, process.Alive(other), "the foreign listener is left alone")
}

func TestHiddenOwnerNeedsBoundRun(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, []registry.Descriptor{{Name: "BranchMapper", Port: 41095, Command: "sleep 30"}},
		func(o *Options) { o.StartupTimeout = 300 * time.Millisecond })
	ctx := context.Background()

	started := f.mgr.Start(ctx, "BranchMapper")
	var te *StartupTimeoutError
	require.ErrorAs(t, started.Err, &te)

	hidden := probe.Observation{Port: 41095, Listening: true}
	assert.False(t, f.mgr.Owns(ctx, "BranchMapper", hidden), "a run never seen bound does not own a hidden listener")

	f.prober.mu.Lock()
	f.prober.static[41095] = hidden
	f.prober.mu.Unlock()
	res := f.mgr.Start(ctx, "BranchMapper")
	var pc *PortConflictError
	require.ErrorAs(t, res.Err, &pc)

	f.prober.mu.Lock()
	delete(f.prober.static, 41095)
	f.prober.mu.Unlock()
	require.NoError(t, f.mgr.Stop(ctx, "BranchMapper").Err)
}

func TestBoundRunOwnsHiddenListener(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	f := newFixture(t, []registry.Descriptor{{Name: "DataExplorer", Port: 41096, Command: serving(dir, 41096)}}, nil)
	f.prober.dir = dir
	ctx := context.Background()

	res := f.mgr.Start(ctx, "DataExplorer")
	require.NoError(t, res.Err)
	rec, err := process.ReadPIDFile(filepath.Join(f.dir, "state", "dataexplorer.pid"))
	require.NoError(t, err)
	assert.False(t, rec.BoundAt.IsZero())

	// a fresh manager sharing the state dir trusts the bound record
	other, err := New(Options{
		Registry: f.mgr.Registry(),
		Resolver: &env.Resolver{FileName: ".env", LookupEnv: noEnv},
		Prober:   f.prober,
		StateDir: filepath.Join(f.dir, "state"),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	assert.True(t, other.Owns(ctx, "DataExplorer", probe.Observation{Port: 41096, Listening: true}))
}

func TestStartCancelledTerminatesChild(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, []registry.Descriptor{{Name: "API", Port: 41087, Command: "sleep 30"}},
		func(o *Options) { o.StartupTimeout = 10 * time.Second })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	res := f.mgr.Start(ctx, "API")
	require.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, NotRunning, res.State)
	require.Greater(t, res.PID, 0)
	assert.True(t, waitUntil(2*time.Second, func() bool { return !process.Alive(res.PID) }))
}

func TestStopUnknownOwnerFails(t *testing.T) {
	f := newFixture(t, []registry.Descriptor{{Name: "API", Port: 41088, Command: "true"}}, nil)
	f.prober.static[41088] = probe.Observation{Port: 41088, Listening: true}

	res := f.mgr.Stop(context.Background(), "API")
	var sf *StopFailedError
	require.ErrorAs(t, res.Err, &sf)
	assert.Contains(t, sf.Error(), "could not be identified")
	assert.Equal(t, "stop_failed", res.Outcome())
}

func TestStopNotRunningIsNoop(t *testing.T) {
	f := newFixture(t, []registry.Descriptor{{Name: "API", Port: 41089, Command: "true"}}, nil)
	res := f.mgr.Stop(context.Background(), "API")
	require.NoError(t, res.Err)
	assert.False(t, res.Changed)
	assert.Equal(t, NotRunning, res.State)
	assert.Equal(t, []history.EventType{history.EventStop}, f.sink.types())
}

func TestRestartStopsThenStarts(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	f := newFixture(t, []registry.Descriptor{{Name: "LendSight", Port: 41090, Command: serving(dir, 41090)}}, nil)
	f.prober.dir = dir
	ctx := context.Background()

	first := f.mgr.Start(ctx, "LendSight")
	require.NoError(t, first.Err)
	f.sink.reset()

	res := f.mgr.Restart(ctx, "LendSight")
	require.NoError(t, res.Err)
	assert.Equal(t, ActionRestart, res.Action)
	assert.Equal(t, Running, res.State)
	assert.NotEqual(t, first.PID, res.PID)
	assert.False(t, process.Alive(first.PID))
	assert.Equal(t, []history.EventType{history.EventStop, history.EventStart}, f.sink.types())
}

func TestRestartStopFailureSkipsStart(t *testing.T) {
	f := newFixture(t, []registry.Descriptor{{Name: "LendSight", Port: 41091, Command: "true"}}, nil)
	f.prober.static[41091] = probe.Observation{Port: 41091, Listening: true}

	res := f.mgr.Restart(context.Background(), "LendSight")
	var sf *StopFailedError
	require.ErrorAs(t, res.Err, &sf)
	assert.Equal(t, ActionRestart, res.Action)
	assert.Equal(t, []history.EventType{history.EventStop}, f.sink.types(), "start must not be attempted")
}

func TestStopAllOneFailureDoesNotAbortBatch(t *testing.T) {
	descs := []registry.Descriptor{
		{Name: "A", Port: 41101, Command: "true"},
		{Name: "B", Port: 41102, Command: "true"},
		{Name: "C", Port: 41103, Command: "true"},
		{Name: "D", Port: 41104, Command: "true"},
	}
	f := newFixture(t, descs, func(o *Options) { o.Workers = 2 })
	f.prober.static[41103] = probe.Observation{Port: 41103, Listening: true}

	results := f.mgr.StopAll(context.Background())
	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, descs[i].Name, r.Service, "results follow registration order")
	}
	failed := Failed(results)
	require.Len(t, failed, 1)
	assert.Equal(t, "C", failed[0].Service)
	var sf *StopFailedError
	assert.ErrorAs(t, failed[0].Err, &sf)
}

func TestStartAllCancelledDispatchesNothing(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	descs := []registry.Descriptor{
		{Name: "A", Port: 41111, Command: "touch " + filepath.Join(dir, "a")},
		{Name: "B", Port: 41112, Command: "touch " + filepath.Join(dir, "b")},
	}
	f := newFixture(t, descs, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := f.mgr.StartAll(ctx)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
		assert.Equal(t, "canceled", r.Outcome())
	}
	time.Sleep(100 * time.Millisecond)
	assert.False(t, exists(filepath.Join(dir, "a")))
	assert.False(t, exists(filepath.Join(dir, "b")))
}

func TestStartAllStartsEveryService(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	descs := []registry.Descriptor{
		{Name: "A", Port: 41121, Command: serving(dir, 41121)},
		{Name: "B", Port: 41122, Command: serving(dir, 41122)},
		{Name: "C", Port: 41123, Command: serving(dir, 41123)},
	}
	f := newFixture(t, descs, nil)
	f.prober.dir = dir

	results := f.mgr.StartAll(context.Background())
	require.Len(t, results, 3)
	assert.Empty(t, Failed(results))
	for _, r := range results {
		assert.Equal(t, Running, r.State)
	}
	stopped := f.mgr.StopAll(context.Background())
	assert.Empty(t, Failed(stopped))
	for _, r := range results {
		assert.False(t, process.Alive(r.PID))
	}
}

func TestConcurrentStartsSpawnOnce(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	spawns := filepath.Join(dir, "spawns")
	cmd := "sh -c 'echo x >> " + spawns + "; echo $$ > " + filepath.Join(dir, "41131.ready") + "; exec sleep 30'"
	f := newFixture(t, []registry.Descriptor{{Name: "API", Port: 41131, Command: cmd}}, nil)
	f.prober.dir = dir

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.mgr.Start(context.Background(), "API").Err
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	b, err := os.ReadFile(spawns)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(b), "x"))
}

func TestResultJSON(t *testing.T) {
	r := Result{
		Service: "API", Port: 8081, Action: ActionStart, State: PortConflict,
		Err: &PortConflictError{Service: "API", Port: 8081, Observation: probe.Observation{Port: 8081, Listening: true, OwnerPID: 42, OwnerName: "nginx"}},
	}
	b, err := json.Marshal(r)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "port_conflict", got["state"])
	assert.Equal(t, "port_conflict", got["outcome"])
	assert.Equal(t, "API: port 8081 is already held by pid 42 (nginx)", got["error"])
}

func TestStateText(t *testing.T) {
	for _, s := range states {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
}

func TestStartupTimeoutMessage(t *testing.T) {
	err := error(&StartupTimeoutError{Service: "API", Port: 8081, PID: 10, Timeout: 30 * time.Second})
	assert.Equal(t, "API: pid 10 did not listen on port 8081 within 30s", err.Error())
	assert.False(t, errors.Is(err, ErrCrashed))
}
