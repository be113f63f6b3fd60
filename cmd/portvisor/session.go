package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/loykin/portvisor/internal/config"
	"github.com/loykin/portvisor/internal/history/factory"
	"github.com/loykin/portvisor/internal/logger"
	"github.com/loykin/portvisor/internal/manager"
	"github.com/loykin/portvisor/internal/probe"
	"github.com/loykin/portvisor/internal/status"
)

// session is everything one command invocation needs, built from the
// config file and the global flags.
type session struct {
	cfg     *config.Config
	log     *slog.Logger
	mgr     *manager.Manager
	rep     *status.Reporter
	closers []io.Closer
}

// openSession loads the config and wires the supervisor. serve selects
// attached children with rotated output; otherwise children are detached so
// they outlive the CLI.
func openSession(g GlobalFlags, serve bool, stderr io.Writer) (*session, error) {
	path := g.ConfigPath
	if path == "" {
		path = config.Find(".")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	lc := cfg.LogConfig()
	if g.LogLevel != "" {
		lc.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		lc.Format = g.LogFormat
	}
	log, logCloser, err := logger.New(lc, stderr)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, log: log, closers: []io.Closer{logCloser}}

	opts, err := cfg.ManagerOptions()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	opts.Logger = log
	opts.Detached = !serve
	opts.Prober = probe.NewSystem()

	if dsn := cfg.HistoryDSN(); dsn != "" {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			// history is best effort; supervision goes on without it
			log.Warn("history sink disabled", "error", err)
		} else {
			opts.History = append(opts.History, sink)
			if c, ok := sink.(io.Closer); ok {
				s.closers = append(s.closers, c)
			}
		}
	}

	s.mgr, err = manager.New(opts)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("build supervisor: %w", err)
	}
	s.rep = status.New(opts.Registry, opts.Prober, s.mgr)
	log.Debug("session ready", "config", cfg.Path(), "services", opts.Registry.Len(), "state_dir", opts.StateDir)
	return s, nil
}

func (s *session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}
