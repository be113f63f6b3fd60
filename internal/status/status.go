package status

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/loykin/portvisor/internal/manager"
	"github.com/loykin/portvisor/internal/probe"
	"github.com/loykin/portvisor/internal/registry"
)

// Ownership tells whether a listener belongs to a process the supervisor
// launched. *manager.Manager implements it.
type Ownership interface {
	Owns(ctx context.Context, name string, obs probe.Observation) bool
}

// Entry is one service as the OS reports it right now.
type Entry struct {
	Name        string              `json:"name"`
	Port        int                 `json:"port"`
	State       manager.State       `json:"state"`
	Owned       bool                `json:"owned"`
	Observation probe.Observation   `json:"observation"`
	Descriptor  registry.Descriptor `json:"-"`
}

// Reporter builds snapshots from fresh probes only. It keeps no state and is
// safe to call at any frequency.
type Reporter struct {
	reg    *registry.Registry
	prober probe.Prober
	owner  Ownership
}

// New returns a Reporter. owner may be nil, in which case Owned is always false.
func New(reg *registry.Registry, prober probe.Prober, owner Ownership) *Reporter {
	if prober == nil {
		prober = probe.NewSystem()
	}
	return &Reporter{reg: reg, prober: prober, owner: owner}
}

// Snapshot probes every registered port in one pass and returns entries in
// registration order.
func (r *Reporter) Snapshot(ctx context.Context) ([]Entry, error) {
	descs := r.reg.All()
	ports := make([]int, len(descs))
	for i, d := range descs {
		ports[i] = d.Port
	}
	obs, err := r.prober.ProbeAll(ctx, ports)
	if err != nil {
		return nil, fmt.Errorf("probe ports: %w", err)
	}
	out := make([]Entry, len(descs))
	for i, d := range descs {
		o, ok := obs[d.Port]
		if !ok {
			o = probe.Observation{Port: d.Port}
		}
		e := Entry{Name: d.Name, Port: d.Port, State: manager.NotRunning, Observation: o, Descriptor: d}
		if o.Listening {
			e.State = manager.Running
			e.Owned = r.owner != nil && r.owner.Owns(ctx, d.Name, o)
		}
		out[i] = e
	}
	return out, nil
}

// Running counts entries whose port is listening.
func Running(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if e.State == manager.Running {
			n++
		}
	}
	return n
}

// Render writes entries as an aligned table.
func Render(w io.Writer, entries []Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SERVICE\tPORT\tSTATE\tPID\tPROCESS\tOWNER")
	for _, e := range entries {
		pid, name, owner := "-", "-", "-"
		if e.Observation.OwnerPID > 0 {
			pid = fmt.Sprint(e.Observation.OwnerPID)
		}
		if e.Observation.OwnerName != "" {
			name = e.Observation.OwnerName
		}
		if e.State == manager.Running {
			owner = "external"
			if e.Owned {
				owner = "portvisor"
			}
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", e.Name, e.Port, e.State, pid, name, owner)
	}
	return tw.Flush()
}
