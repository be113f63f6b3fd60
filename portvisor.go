// Package portvisor supervises a fixed set of local services, each bound to
// its own TCP port. It is a thin facade over the internal packages for
// programs that embed the supervisor instead of using the CLI.
package portvisor

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/portvisor/internal/config"
	"github.com/loykin/portvisor/internal/env"
	"github.com/loykin/portvisor/internal/history"
	"github.com/loykin/portvisor/internal/history/factory"
	"github.com/loykin/portvisor/internal/manager"
	"github.com/loykin/portvisor/internal/metrics"
	"github.com/loykin/portvisor/internal/probe"
	"github.com/loykin/portvisor/internal/registry"
	"github.com/loykin/portvisor/internal/server"
	"github.com/loykin/portvisor/internal/status"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type (
	Descriptor  = registry.Descriptor
	Registry    = registry.Registry
	Options     = manager.Options
	Result      = manager.Result
	State       = manager.State
	Action      = manager.Action
	Entry       = status.Entry
	Observation = probe.Observation
	Prober      = probe.Prober
	Resolver    = env.Resolver
	HistorySink = history.Sink
	Config      = config.Config
)

const (
	NotRunning   = manager.NotRunning
	Starting     = manager.Starting
	Running      = manager.Running
	PortConflict = manager.PortConflict
	Crashed      = manager.Crashed
)

var (
	ErrUnknownService = manager.ErrUnknownService
	ErrDuplicatePort  = registry.ErrDuplicatePort
	ErrCrashed        = manager.ErrCrashed
	ErrMissingKey     = env.ErrMissingKey
)

type (
	PortConflictError   = manager.PortConflictError
	MissingConfigError  = manager.MissingConfigError
	StartupTimeoutError = manager.StartupTimeoutError
	StopFailedError     = manager.StopFailedError
	CrashedError        = manager.CrashedError
)

// NewRegistry validates descs and builds an immutable service table.
func NewRegistry(descs ...Descriptor) (*Registry, error) { return registry.New(descs...) }

// DefaultRegistry returns the built-in service table rooted at root.
func DefaultRegistry(root string) *Registry { return registry.Default(root) }

// NewResolver returns a config-key resolver reading fileName from each
// service directory and then from fallbackDirs.
func NewResolver(fileName string, fallbackDirs ...string) *Resolver {
	return env.NewResolver(fileName, fallbackDirs...)
}

// NewProber returns the OS-backed port prober.
func NewProber() Prober { return probe.NewSystem() }

// LoadConfig reads a portvisor TOML file; an empty path yields the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewHistorySink opens a sink from a sqlite, postgres, clickhouse or
// opensearch DSN.
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// Supervisor is a thin facade over internal/manager and internal/status.
// It provides a stable public API for embedding.
type Supervisor struct {
	mgr *manager.Manager
	rep *status.Reporter
}

func New(opts Options) (*Supervisor, error) {
	if opts.Prober == nil {
		opts.Prober = probe.NewSystem()
	}
	mgr, err := manager.New(opts)
	if err != nil {
		return nil, err
	}
	return &Supervisor{mgr: mgr, rep: status.New(opts.Registry, opts.Prober, mgr)}, nil
}

// NewFromConfig builds a Supervisor from a loaded config file.
func NewFromConfig(c *Config) (*Supervisor, error) {
	opts, err := c.ManagerOptions()
	if err != nil {
		return nil, err
	}
	return New(opts)
}

func (s *Supervisor) Registry() *Registry                          { return s.mgr.Registry() }
func (s *Supervisor) Start(ctx context.Context, name string) Result { return s.mgr.Start(ctx, name) }
func (s *Supervisor) Stop(ctx context.Context, name string) Result  { return s.mgr.Stop(ctx, name) }
func (s *Supervisor) Restart(ctx context.Context, name string) Result {
	return s.mgr.Restart(ctx, name)
}
func (s *Supervisor) StartAll(ctx context.Context) []Result   { return s.mgr.StartAll(ctx) }
func (s *Supervisor) StopAll(ctx context.Context) []Result    { return s.mgr.StopAll(ctx) }
func (s *Supervisor) RestartAll(ctx context.Context) []Result { return s.mgr.RestartAll(ctx) }
func (s *Supervisor) State(name string) (State, error)        { return s.mgr.State(name) }

// Status probes every service now.
func (s *Supervisor) Status(ctx context.Context) ([]Entry, error) { return s.rep.Snapshot(ctx) }

// Handler returns the HTTP API mounted under basePath, with /metrics.
func (s *Supervisor) Handler(basePath string) http.Handler {
	return server.NewRouter(s.mgr, s.rep, basePath).WithMetrics(metrics.Handler()).Handler()
}

// Failed returns the results that carry an error.
func Failed(results []Result) []Result { return manager.Failed(results) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
