package process

import (
	"os/exec"
	"strings"

	"github.com/loykin/portvisor/internal/logger"
)

// Spec describes one launch of a service process.
type Spec struct {
	Name     string            `json:"name"`
	Command  string            `json:"command"`  // command line; shell syntax triggers sh -c
	WorkDir  string            `json:"work_dir"` // optional working dir
	Env      []string          `json:"env"`      // full child environment; nil inherits
	Detached bool              `json:"detached"` // new session, output straight to files
	Log      logger.FileConfig `json:"log"`
}

// BuildCommand constructs an *exec.Cmd for spec.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'python app.py'"), avoiding double-wrapping with another shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return getTrueCommand()
	}
	if after, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(after)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204 -- commands come from the operator's service table
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script with one pair of surrounding quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
