package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loykin/portvisor/internal/manager"
	"github.com/loykin/portvisor/internal/probe"
	"github.com/loykin/portvisor/internal/status"
	"github.com/loykin/portvisor/pkg/client"
)

func (c *command) remoteClient() (*client.Client, error) {
	cfg := client.Config{
		BaseURL:  c.flags.APIURL,
		Insecure: c.flags.Insecure,
		Logger:   slog.New(slog.NewTextHandler(c.errOut, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
	if c.flags.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: c.flags.CACert}
	}
	return client.New(cfg)
}

// remoteStatus prints the snapshot held by a running daemon.
func (c *command) remoteStatus(ctx context.Context, f StatusFlags) error {
	cl, err := c.remoteClient()
	if err != nil {
		return err
	}
	sts, err := cl.Status(ctx)
	if err != nil {
		return fmt.Errorf("daemon %s: %w", c.flags.APIURL, err)
	}
	entries := make([]status.Entry, 0, len(sts))
	for _, s := range sts {
		e := status.Entry{
			Name:  s.Name,
			Port:  s.Port,
			Owned: s.Owned,
			Observation: probe.Observation{
				Port:      s.Observation.Port,
				Listening: s.Observation.Listening,
				OwnerPID:  s.Observation.OwnerPID,
				OwnerName: s.Observation.OwnerName,
				Method:    s.Observation.Method,
			},
		}
		if err := e.State.UnmarshalText([]byte(s.State)); err != nil {
			return fmt.Errorf("daemon %s: service %s: %w", c.flags.APIURL, s.Name, err)
		}
		entries = append(entries, e)
	}
	return c.printStatus(entries, f)
}

// remoteAct asks a running daemon to perform action. Services started this
// way are children of the daemon.
func (c *command) remoteAct(ctx context.Context, action manager.Action, target string, f ActionFlags) error {
	cl, err := c.remoteClient()
	if err != nil {
		return err
	}

	var results []client.ActionResult
	if strings.EqualFold(target, TargetAll) {
		var batch client.BatchResult
		switch action {
		case manager.ActionStart:
			batch, err = cl.StartAll(ctx)
		case manager.ActionStop:
			batch, err = cl.StopAll(ctx)
		default:
			batch, err = cl.RestartAll(ctx)
		}
		if err != nil {
			return fmt.Errorf("daemon %s: %w", c.flags.APIURL, err)
		}
		results = batch.Results
	} else {
		var res client.ActionResult
		switch action {
		case manager.ActionStart:
			res, err = cl.Start(ctx, target)
		case manager.ActionStop:
			res, err = cl.Stop(ctx, target)
		default:
			res, err = cl.Restart(ctx, target)
		}
		var apiErr *client.APIError
		switch {
		case err == nil:
		case errors.As(err, &apiErr) && apiErr.Result == nil:
			res = client.ActionResult{Service: target, Action: string(action), Outcome: "error", Error: apiErr.Message}
		case !errors.As(err, &apiErr):
			return fmt.Errorf("daemon %s: %w", c.flags.APIURL, err)
		}
		results = []client.ActionResult{res}
	}

	rows := make([]resultRow, 0, len(results))
	for _, r := range results {
		rows = append(rows, resultRow{
			Service:  r.Service,
			Port:     r.Port,
			State:    r.State,
			Outcome:  r.Outcome,
			PID:      r.PID,
			Duration: r.Duration,
			Err:      r.Error,
		})
	}
	return c.report(action, rows, results, f)
}
