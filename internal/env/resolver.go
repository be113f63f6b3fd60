package env

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultFileName is the per-directory config file the resolver looks for.
const DefaultFileName = ".env"

var ErrMissingKey = errors.New("config key not found")

type SourceKind string

const (
	SourceEnvironment SourceKind = "environment"
	SourceWorkDir     SourceKind = "workdir"
	SourceFallback    SourceKind = "fallback"
)

// Source is one place the resolver looked. Path is empty for the process
// environment; Note carries a read failure for file sources.
type Source struct {
	Kind SourceKind `json:"kind"`
	Path string     `json:"path,omitempty"`
	Note string     `json:"note,omitempty"`
}

func (s Source) String() string {
	if s.Kind == SourceEnvironment {
		return "environment"
	}
	if s.Note != "" {
		return s.Path + " (" + s.Note + ")"
	}
	return s.Path
}

// Value is a resolved key with its provenance. The secret itself is never
// part of String or JSON output.
type Value struct {
	Key    string `json:"key"`
	Value  string `json:"-"`
	Source Source `json:"source"`
}

func (v Value) String() string { return v.Key + " from " + v.Source.String() }

// Resolved maps key -> Value for one resolution request.
type Resolved map[string]Value

// Pairs returns KEY=VALUE entries suitable for a child environment.
func (r Resolved) Pairs() []string {
	out := make([]string, 0, len(r))
	for k, v := range r {
		out = append(out, k+"="+v.Value)
	}
	return out
}

// MissingKeyError lists every source consulted, in order, for a key that
// none of them provided.
type MissingKeyError struct {
	Key     string
	Checked []Source
}

func (e *MissingKeyError) Error() string {
	parts := make([]string, len(e.Checked))
	for i, s := range e.Checked {
		parts[i] = s.String()
	}
	return fmt.Sprintf("%s not found: checked %s", e.Key, strings.Join(parts, ", then "))
}

func (e *MissingKeyError) Unwrap() error { return ErrMissingKey }

// MissingKeysError aggregates every key that failed in a ResolveAll call.
type MissingKeysError struct {
	Keys []*MissingKeyError
}

func (e *MissingKeysError) Error() string {
	msgs := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		msgs[i] = k.Error()
	}
	return strings.Join(msgs, "; ")
}

func (e *MissingKeysError) Unwrap() []error {
	out := make([]error, len(e.Keys))
	for i, k := range e.Keys {
		out[i] = k
	}
	return out
}

// Names returns the missing key names in request order.
func (e *MissingKeysError) Names() []string {
	out := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		out[i] = k.Key
	}
	return out
}

// Resolver looks configuration keys up through a fixed precedence chain:
// process environment, <workDir>/<FileName>, then each fallback directory in
// order. Nothing is cached; every call re-reads the environment and files.
type Resolver struct {
	FileName     string
	FallbackDirs []string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

func NewResolver(fileName string, fallbackDirs ...string) *Resolver {
	if fileName == "" {
		fileName = DefaultFileName
	}
	return &Resolver{
		FileName:     fileName,
		FallbackDirs: append([]string(nil), fallbackDirs...),
		LookupEnv:    os.LookupEnv,
	}
}

// Sources returns the ordered chain that applies to workDir. Duplicate
// directories are consulted once, at their highest-priority position.
func (r *Resolver) Sources(workDir string) []Source {
	out := []Source{{Kind: SourceEnvironment}}
	seen := make(map[string]bool)
	add := func(kind SourceKind, dir string) {
		p := filepath.Join(absDir(dir), r.fileName())
		if seen[p] {
			return
		}
		seen[p] = true
		out = append(out, Source{Kind: kind, Path: p})
	}
	add(SourceWorkDir, workDir)
	for _, d := range r.FallbackDirs {
		if strings.TrimSpace(d) == "" {
			continue
		}
		add(SourceFallback, d)
	}
	return out
}

// Resolve returns the first non-empty value for key.
func (r *Resolver) Resolve(key, workDir string) (Value, error) {
	sources := r.Sources(workDir)
	checked := make([]Source, 0, len(sources))
	for _, src := range sources {
		if src.Kind == SourceEnvironment {
			checked = append(checked, src)
			if v, ok := r.lookup(key); ok && v != "" {
				return Value{Key: key, Value: v, Source: src}, nil
			}
			continue
		}
		vals, err := ParseFile(src.Path)
		if err != nil {
			src.Note = "unreadable: " + err.Error()
			checked = append(checked, src)
			continue
		}
		checked = append(checked, src)
		if v := vals[key]; v != "" {
			return Value{Key: key, Value: v, Source: src}, nil
		}
	}
	return Value{}, &MissingKeyError{Key: key, Checked: checked}
}

// ResolveAll resolves every key. When any are missing the error is a
// *MissingKeysError naming all of them; the keys that did resolve are still
// returned.
func (r *Resolver) ResolveAll(keys []string, workDir string) (Resolved, error) {
	out := make(Resolved, len(keys))
	var missing []*MissingKeyError
	for _, k := range keys {
		v, err := r.Resolve(k, workDir)
		if err != nil {
			var mk *MissingKeyError
			if errors.As(err, &mk) {
				missing = append(missing, mk)
				continue
			}
			return out, err
		}
		out[k] = v
	}
	if len(missing) > 0 {
		return out, &MissingKeysError{Keys: missing}
	}
	return out, nil
}

func (r *Resolver) lookup(key string) (string, bool) {
	if r.LookupEnv != nil {
		return r.LookupEnv(key)
	}
	return os.LookupEnv(key)
}

func (r *Resolver) fileName() string {
	if r.FileName == "" {
		return DefaultFileName
	}
	return r.FileName
}

// absDir expands a leading ~ and makes dir absolute so diagnostics show the
// exact location the operator should edit.
func absDir(dir string) string {
	dir = ExpandHome(dir)
	if dir == "" {
		dir = "."
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return filepath.Clean(dir)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
