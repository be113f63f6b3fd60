package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Record is what the supervisor remembers about a process it launched.
// It is persisted as a pidfile so a later CLI invocation can tell its own
// listener apart from a stranger's.
type Record struct {
	PID       int       `json:"pid"`
	StartUnix int64     `json:"start_unix"`
	Name      string    `json:"name"`
	Port      int       `json:"port"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
	// BoundAt is set once the run was seen listening on Port.
	BoundAt time.Time `json:"bound_at"`
}

// Alive reports whether the recorded run is still the process behind PID.
func (r Record) Alive() bool {
	if !Alive(r.PID) {
		return false
	}
	if r.StartUnix > 0 {
		if cur := StartTime(r.PID); cur > 0 && cur != r.StartUnix {
			return false // pid reused
		}
	}
	return true
}

// Owns reports whether pid is the recorded process, a member of its process
// group, or one of its descendants (a dev server reloader child, for example).
func (r Record) Owns(ctx context.Context, pid int) bool {
	if pid <= 0 || r.PID <= 0 {
		return false
	}
	if pid == r.PID {
		return true
	}
	return InGroup(pid, r.PID) || IsDescendant(ctx, pid, r.PID)
}

// IsDescendant walks the parent chain of pid looking for ancestor.
func IsDescendant(ctx context.Context, pid, ancestor int) bool {
	cur := int32(pid)
	for depth := 0; depth < 64 && cur > 1; depth++ {
		p, err := gopsproc.NewProcessWithContext(ctx, cur)
		if err != nil {
			return false
		}
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			return false
		}
		if int(ppid) == ancestor {
			return true
		}
		cur = ppid
	}
	return false
}

// WritePIDFile writes the pid on the first line followed by the record as JSON.
func WritePIDFile(path string, rec Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data := strconv.Itoa(rec.PID) + "\n" + string(b) + "\n"
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadPIDFile reads a pidfile written by WritePIDFile. Files holding only a
// pid are accepted; the record then carries just that pid. A missing file
// returns fs.ErrNotExist.
func ReadPIDFile(path string) (Record, error) {
	// #nosec G304 -- pidfiles live under the configured state dir
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Record{}, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil || pid <= 0 {
		return Record{}, fmt.Errorf("invalid pid in %s", path)
	}
	rec := Record{PID: pid}
	if rest = strings.TrimSpace(rest); rest != "" {
		if err := json.Unmarshal([]byte(rest), &rec); err != nil {
			return Record{PID: pid}, nil
		}
		rec.PID = pid
	}
	return rec, nil
}

// RemovePIDFile deletes path; a missing file is not an error.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
