package manager

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/portvisor/internal/process"
	"github.com/loykin/portvisor/internal/registry"
)

var (
	errExited       = errors.New("process exited")
	errNotListening = errors.New("port not listening yet")
	errPending      = errors.New("condition not met")
)

// awaitListening polls the port with exponential backoff until proc (or one
// of its group or descendants) binds it, the child exits, ctx ends, or the
// startup timeout elapses. A listener with a known foreign owner is a
// *PortConflictError.
func (m *Manager) awaitListening(ctx context.Context, d registry.Descriptor, proc *process.Process) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.PollInterval
	b.MaxInterval = m.opts.PollMaxInterval
	b.MaxElapsedTime = m.opts.StartupTimeout

	op := func() error {
		// probe first: a launcher may exit after handing the port to a child
		obs, err := m.opts.Prober.Probe(ctx, d.Port)
		if err == nil && obs.Listening {
			if obs.OwnerKnown() {
				if rec, rerr := proc.Record(d.Port); rerr == nil && !rec.Owns(ctx, obs.OwnerPID) {
					return backoff.Permanent(&PortConflictError{Service: d.Name, Port: d.Port, Observation: obs})
				}
			}
			return nil
		}
		if proc.Exited() {
			return backoff.Permanent(errExited)
		}
		if err != nil {
			return err
		}
		return errNotListening
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// poll re-evaluates cond until it holds or d elapses.
func (m *Manager) poll(ctx context.Context, d time.Duration, cond func() bool) bool {
	if cond() {
		return true
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = d
	err := backoff.Retry(func() error {
		if cond() {
			return nil
		}
		return errPending
	}, backoff.WithContext(b, ctx))
	return err == nil
}

func (m *Manager) listening(ctx context.Context, port int) bool {
	obs, err := m.opts.Prober.Probe(ctx, port)
	// an unreadable probe is not proof the port was released
	return err != nil || obs.Listening
}
