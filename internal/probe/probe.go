package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	psproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/portvisor/internal/metrics"
)

// Observation is a point-in-time view of one TCP port. It is never cached;
// callers re-probe after any action that could change it.
type Observation struct {
	Port      int    `json:"port"`
	Listening bool   `json:"listening"`
	OwnerPID  int    `json:"owner_pid,omitempty"` // 0 when the owner could not be identified
	OwnerName string `json:"owner_name,omitempty"`
	Method    string `json:"method"` // "table" or "dial"
}

// OwnerKnown reports whether a listening port has an identified owner.
func (o Observation) OwnerKnown() bool { return o.Listening && o.OwnerPID > 0 }

func (o Observation) String() string {
	switch {
	case !o.Listening:
		return fmt.Sprintf("port %d free", o.Port)
	case o.OwnerPID > 0:
		return fmt.Sprintf("port %d held by pid %d (%s)", o.Port, o.OwnerPID, o.OwnerName)
	default:
		return fmt.Sprintf("port %d held by unknown process", o.Port)
	}
}

// Prober answers "is something listening on this port, and who".
// Implementations must be safe for concurrent use and must not bind the port.
type Prober interface {
	Probe(ctx context.Context, port int) (Observation, error)
	ProbeAll(ctx context.Context, ports []int) (map[int]Observation, error)
}

// ConnTable lists sockets; swapped out in tests.
type ConnTable func(ctx context.Context) ([]psnet.ConnectionStat, error)

// System probes through the OS connection table, falling back to a loopback
// connect when the table is unavailable.
type System struct {
	Table       ConnTable
	DialTimeout time.Duration
	// Hosts are tried in order; the first accepted connect wins.
	Hosts []string
}

var loopbackHosts = []string{"127.0.0.1", "::1"}

func NewSystem() *System {
	return &System{
		Table: func(ctx context.Context) ([]psnet.ConnectionStat, error) {
			return psnet.ConnectionsWithContext(ctx, "tcp")
		},
		DialTimeout: 300 * time.Millisecond,
		Hosts:       loopbackHosts,
	}
}

func (s *System) Probe(ctx context.Context, port int) (Observation, error) {
	m, err := s.ProbeAll(ctx, []int{port})
	if err != nil {
		return Observation{Port: port}, err
	}
	return m[port], nil
}

// ProbeAll answers for many ports with a single connection-table read.
func (s *System) ProbeAll(ctx context.Context, ports []int) (map[int]Observation, error) {
	for _, p := range ports {
		if p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid port %d", p)
		}
	}
	began := time.Now()
	out := make(map[int]Observation, len(ports))
	conns, err := s.table(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		for _, p := range ports {
			out[p] = s.dial(ctx, p)
		}
		metrics.ObserveProbe("dial", time.Since(began).Seconds())
		return out, nil
	}
	defer func() { metrics.ObserveProbe("table", time.Since(began).Seconds()) }()
	want := make(map[int]bool, len(ports))
	for _, p := range ports {
		want[p] = true
		out[p] = Observation{Port: p, Method: "table"}
	}
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		p := int(c.Laddr.Port)
		if !want[p] {
			continue
		}
		obs := out[p]
		obs.Listening = true
		// several sockets may share a port (v4 + v6); keep the first identified owner
		if obs.OwnerPID == 0 && c.Pid > 0 {
			obs.OwnerPID = int(c.Pid)
		}
		out[p] = obs
	}
	for p, obs := range out {
		if obs.OwnerPID > 0 {
			obs.OwnerName = processName(ctx, obs.OwnerPID)
			out[p] = obs
		}
	}
	return out, nil
}

func (s *System) table(ctx context.Context) ([]psnet.ConnectionStat, error) {
	if s.Table == nil {
		return nil, errors.New("no connection table")
	}
	return s.Table(ctx)
}

// dial only connects; a successful connect proves a listener without taking
// the port away from anyone. The port is free only when no host accepts.
func (s *System) dial(ctx context.Context, port int) Observation {
	hosts := s.Hosts
	if len(hosts) == 0 {
		hosts = loopbackHosts
	}
	timeout := s.DialTimeout
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	d := net.Dialer{Timeout: timeout}
	for _, host := range hosts {
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = conn.Close()
		return Observation{Port: port, Listening: true, Method: "dial"}
	}
	return Observation{Port: port, Method: "dial"}
}

func processName(ctx context.Context, pid int) string {
	p, err := psproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ""
	}
	n, err := p.NameWithContext(ctx)
	if err != nil {
		return ""
	}
	return n
}
