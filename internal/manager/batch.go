package manager

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// StartAll starts every registered service. Results follow registration order.
func (m *Manager) StartAll(ctx context.Context) []Result { return m.each(ctx, ActionStart, m.start) }

// StopAll stops every registered service.
func (m *Manager) StopAll(ctx context.Context) []Result { return m.each(ctx, ActionStop, m.stop) }

// RestartAll restarts every registered service.
func (m *Manager) RestartAll(ctx context.Context) []Result {
	return m.each(ctx, ActionRestart, m.restart)
}

// each runs fn over the registry on at most Workers goroutines. A failure
// never stops the batch; cancellation stops dispatching, and services not
// yet dispatched report the context error.
func (m *Manager) each(ctx context.Context, action Action, fn func(context.Context, *service) Result) []Result {
	results := make([]Result, len(m.order))
	sem := semaphore.NewWeighted(int64(m.opts.Workers))
	var wg sync.WaitGroup

	for i, svc := range m.order {
		err := ctx.Err()
		if err == nil {
			err = sem.Acquire(ctx, 1)
		}
		if err != nil {
			for j := i; j < len(m.order); j++ {
				results[j] = m.notDispatched(m.order[j], action, err)
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			svc.mu.Lock()
			defer svc.mu.Unlock()
			results[i] = fn(ctx, svc)
		}()
	}
	wg.Wait()
	return results
}

func (m *Manager) notDispatched(svc *service, action Action, err error) Result {
	m.log.Info("service skipped", "service", svc.desc.Name, "action", string(action), "reason", err)
	return Result{
		Service: svc.desc.Name,
		Port:    svc.desc.Port,
		Action:  action,
		State:   svc.State(),
		Err:     err,
	}
}

// Failed returns the results that carry an error.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}
