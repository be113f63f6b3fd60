package env

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ParseFile reads a .env-style file. A missing file yields an empty map and
// no error; the resolver treats it as a source that had nothing to offer.
func ParseFile(path string) (map[string]string, error) {
	// #nosec G304 -- candidate paths are built from operator config
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Parse reads KEY=VALUE lines. Blank lines and lines starting with # are
// skipped, an "export " prefix is tolerated and a single pair of matching
// quotes around the value is removed. The first occurrence of a key wins.
func Parse(r io.Reader) (map[string]string, error) {
	m := make(map[string]string)
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		if k == "" {
			continue
		}
		if _, seen := m[k]; seen {
			continue
		}
		m[k] = unquote(strings.TrimSpace(line[i+1:]))
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func unquote(v string) string {
	if n := len(v); n >= 2 {
		if (v[0] == '"' && v[n-1] == '"') || (v[0] == '\'' && v[n-1] == '\'') {
			return v[1 : n-1]
		}
	}
	return v
}
