package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/portvisor/internal/config"
	"github.com/loykin/portvisor/internal/process"
)

const (
	// daemonEnv marks the re-executed background child.
	daemonEnv     = "PORTVISOR_DAEMON_CHILD"
	daemonPIDFile = "portvisor.pid"
	daemonLogFile = "portvisor.out"
)

// daemonArgs drops the --daemonize flag from args.
func daemonArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--daemonize" || strings.HasPrefix(a, "--daemonize=") {
			continue
		}
		out = append(out, a)
	}
	return out
}

// daemonize re-executes the current binary in a new session with output sent
// to <state_dir>/portvisor.out and records its pid in <state_dir>/portvisor.pid.
func (c *command) daemonize() error {
	path := c.flags.ConfigPath
	if path == "" {
		path = config.Find(".")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	stateDir := cfg.StateDirPath()
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return fmt.Errorf("create state dir %s: %w", stateDir, err)
	}
	pidPath := filepath.Join(stateDir, daemonPIDFile)
	if rec, err := process.ReadPIDFile(pidPath); err == nil && rec.Alive() {
		return fmt.Errorf("portvisor daemon already running with pid %d", rec.PID)
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	// #nosec G204 -- re-executing ourselves
	cmd := exec.Command(executable, daemonArgs(os.Args[1:])...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	configureDaemonAttrs(cmd)

	logPath := filepath.Join(stateDir, daemonLogFile)
	// #nosec G304 -- path under the configured state dir
	logF, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = logF.Close() }()
	cmd.Stdout, cmd.Stderr = logF, logF

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	rec := process.Record{
		PID:       pid,
		StartUnix: process.StartTime(pid),
		Name:      "portvisor",
		Command:   strings.Join(cmd.Args, " "),
		StartedAt: time.Now(),
	}
	if err := process.WritePIDFile(pidPath, rec); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	_ = cmd.Process.Release()
	_, err = fmt.Fprintf(c.out, "portvisor daemon started with pid %d (log %s)\n", pid, logPath)
	return err
}
