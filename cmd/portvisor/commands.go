package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/portvisor/internal/env"
	"github.com/loykin/portvisor/internal/manager"
	"github.com/loykin/portvisor/internal/metrics"
	"github.com/loykin/portvisor/internal/process"
	"github.com/loykin/portvisor/internal/registry"
	"github.com/loykin/portvisor/internal/server"
	"github.com/loykin/portvisor/internal/status"
	pvtls "github.com/loykin/portvisor/internal/tls"
)

// TargetAll selects every registered service.
const TargetAll = "all"

// MissedError is returned when at least one service did not reach the state
// the command asked for. main turns it into a non-zero exit.
type MissedError struct {
	Action manager.Action
	Missed []string
}

func (e *MissedError) Error() string {
	return fmt.Sprintf("%s: %d service(s) did not reach the requested state: %s",
		e.Action, len(e.Missed), strings.Join(e.Missed, ", "))
}

type command struct {
	flags  *GlobalFlags
	out    io.Writer
	errOut io.Writer
}

func (c *command) context(parent context.Context) (context.Context, context.CancelFunc) {
	if c.flags.Timeout > 0 {
		return context.WithTimeout(parent, c.flags.Timeout)
	}
	return context.WithCancel(parent)
}

// Status prints one fresh snapshot of every service.
func (c *command) Status(parent context.Context, f StatusFlags) error {
	ctx, cancel := c.context(parent)
	defer cancel()
	if c.flags.APIURL != "" {
		return c.remoteStatus(ctx, f)
	}
	s, err := openSession(*c.flags, false, c.errOut)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	entries, err := s.rep.Snapshot(ctx)
	if err != nil {
		return err
	}
	return c.printStatus(entries, f)
}

func (c *command) printStatus(entries []status.Entry, f StatusFlags) error {
	if f.JSON {
		return printJSON(c.out, entries)
	}
	if err := status.Render(c.out, entries); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.out, "\n%d/%d running\n", status.Running(entries), len(entries))
	return err
}

// Act runs action on target, a service name or "all".
func (c *command) Act(parent context.Context, action manager.Action, target string, f ActionFlags) error {
	ctx, cancel := c.context(parent)
	defer cancel()
	if c.flags.APIURL != "" {
		return c.remoteAct(ctx, action, target, f)
	}
	s, err := openSession(*c.flags, false, c.errOut)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	results := run(ctx, s.mgr, action, target)
	rows := make([]resultRow, 0, len(results))
	for _, r := range results {
		rows = append(rows, rowFromResult(r))
	}
	return c.report(action, rows, results, f)
}

// report prints the outcome of an action and turns misses into MissedError.
// jsonView is what --json prints.
func (c *command) report(action manager.Action, rows []resultRow, jsonView any, f ActionFlags) error {
	if f.JSON {
		if err := printJSON(c.out, jsonView); err != nil {
			return err
		}
	} else if err := renderResults(c.out, rows); err != nil {
		return err
	}

	var missed []string
	for _, r := range rows {
		if !reached(action, r) {
			missed = append(missed, r.Service)
		}
	}
	if len(missed) > 0 {
		return &MissedError{Action: action, Missed: missed}
	}
	return nil
}

func run(ctx context.Context, mgr *manager.Manager, action manager.Action, target string) []manager.Result {
	if strings.EqualFold(target, TargetAll) {
		switch action {
		case manager.ActionStart:
			return mgr.StartAll(ctx)
		case manager.ActionStop:
			return mgr.StopAll(ctx)
		default:
			return mgr.RestartAll(ctx)
		}
	}
	switch action {
	case manager.ActionStart:
		return []manager.Result{mgr.Start(ctx, target)}
	case manager.ActionStop:
		return []manager.Result{mgr.Stop(ctx, target)}
	default:
		return []manager.Result{mgr.Restart(ctx, target)}
	}
}

// resultRow is one printed line of an action, from a local or remote result.
type resultRow struct {
	Service  string
	Port     int
	State    string
	Outcome  string
	PID      int
	Duration time.Duration
	Err      string
}

func rowFromResult(r manager.Result) resultRow {
	row := resultRow{
		Service:  r.Service,
		Port:     r.Port,
		State:    r.State.String(),
		Outcome:  r.Outcome(),
		PID:      r.PID,
		Duration: r.Duration,
	}
	if r.Err != nil {
		row.Err = r.Err.Error()
	}
	return row
}

// reached reports whether r ended in the state action asked for.
func reached(action manager.Action, r resultRow) bool {
	if r.Err != "" {
		return false
	}
	if action == manager.ActionStop {
		return r.State == manager.NotRunning.String()
	}
	return r.State == manager.Running.String()
}

func renderResults(w io.Writer, rows []resultRow) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SERVICE\tPORT\tOUTCOME\tPID\tTOOK")
	for _, r := range rows {
		pid := "-"
		if r.PID > 0 {
			pid = fmt.Sprint(r.PID)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", r.Service, r.Port, r.Outcome, pid, r.Duration.Round(time.Millisecond))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, r := range rows {
		if r.Err != "" {
			if _, err := fmt.Fprintf(w, "\n%s\n", r.Err); err != nil {
				return err
			}
		}
	}
	return nil
}

// keyCheck reports where one required key resolved. The value itself is
// never included.
type keyCheck struct {
	Service string   `json:"service"`
	Key     string   `json:"key"`
	Found   bool     `json:"found"`
	Source  string   `json:"source,omitempty"`
	Checked []string `json:"checked,omitempty"`
}

// Check resolves the required keys of target without launching anything.
func (c *command) Check(target string, f CheckFlags) error {
	s, err := openSession(*c.flags, false, c.errOut)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	reg := s.mgr.Registry()
	descs := reg.All()
	if target != "" && !strings.EqualFold(target, TargetAll) {
		d, err := reg.Get(target)
		if err != nil {
			return err
		}
		descs = []registry.Descriptor{d}
	}

	checks := checkKeys(s.cfg.Resolver(), descs)
	if f.JSON {
		if err := printJSON(c.out, checks); err != nil {
			return err
		}
	} else if err := renderChecks(c.out, checks); err != nil {
		return err
	}

	var missed []string
	for _, k := range checks {
		if !k.Found {
			missed = append(missed, k.Service+"/"+k.Key)
		}
	}
	if len(missed) > 0 {
		return fmt.Errorf("missing configuration: %s: %w", strings.Join(missed, ", "), env.ErrMissingKey)
	}
	return nil
}

func checkKeys(r *env.Resolver, descs []registry.Descriptor) []keyCheck {
	var out []keyCheck
	for _, d := range descs {
		for _, key := range d.RequiredKeys {
			kc := keyCheck{Service: d.Name, Key: key}
			v, err := r.Resolve(key, d.WorkDir)
			var mk *env.MissingKeyError
			switch {
			case err == nil:
				kc.Found, kc.Source = true, v.Source.String()
			case errors.As(err, &mk):
				for _, src := range mk.Checked {
					kc.Checked = append(kc.Checked, src.String())
				}
			default:
				kc.Checked = []string{err.Error()}
			}
			out = append(out, kc)
		}
	}
	return out
}

func renderChecks(w io.Writer, checks []keyCheck) error {
	if len(checks) == 0 {
		_, err := fmt.Fprintln(w, "no required keys")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SERVICE\tKEY\tSOURCE")
	for _, k := range checks {
		src := k.Source
		if !k.Found {
			src = "missing (checked " + strings.Join(k.Checked, ", then ") + ")"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", k.Service, k.Key, src)
	}
	return tw.Flush()
}

// Serve runs the HTTP API until the context is cancelled. Services it
// launched are stopped on the way out unless KeepRunning is set.
func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	if f.Daemonize && os.Getenv(daemonEnv) == "" {
		return c.daemonize()
	}
	s, err := openSession(*c.flags, true, c.errOut)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if os.Getenv(daemonEnv) != "" {
		pidPath := filepath.Join(s.cfg.StateDirPath(), daemonPIDFile)
		defer func() { _ = process.RemovePIDFile(pidPath) }()
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	listen := s.cfg.Server.Listen
	if f.Listen != "" {
		listen = f.Listen
	}
	base := s.cfg.Server.BasePath
	if f.BasePath != "" {
		base = f.BasePath
	}

	gin.SetMode(gin.ReleaseMode)
	h := server.NewRouter(s.mgr, s.rep, base).WithMetrics(metrics.Handler()).Handler()
	// one request may cover a full startup followed by a stop
	writeTimeout := s.cfg.StartupTimeout + s.cfg.GracePeriod + s.cfg.KillWait + 10*time.Second
	srv := server.NewServer(listen, h, writeTimeout)
	tlsCfg, err := pvtls.Setup(s.cfg.ServerTLS())
	if err != nil {
		return fmt.Errorf("server tls: %w", err)
	}
	srv.TLSConfig = tlsCfg

	err = server.Run(ctx, srv, s.log)
	if !f.KeepRunning {
		stopLaunched(s)
	}
	return err
}

// stopLaunched stops every service this process touched and left up.
func stopLaunched(s *session) {
	for _, name := range s.mgr.Registry().Names() {
		st, err := s.mgr.State(name)
		if err != nil || st == manager.NotRunning || st == manager.PortConflict {
			continue
		}
		if res := s.mgr.Stop(context.Background(), name); res.Err != nil {
			s.log.Warn("service left running at shutdown", "service", name, "error", res.Err)
		}
	}
}
