package env

import (
	"os"
	"sort"
	"strings"
)

// Merge composes a child environment. It starts from base (typically
// os.Environ()) and applies each layer of "K=V" entries in order, later
// layers overriding earlier ones. ${VAR} references are expanded against the
// composed map (single pass, no recursion). Output is sorted by key.
func Merge(base []string, layers ...[]string) []string {
	m := make(map[string]string, len(base))
	apply := func(kvs []string) {
		for _, kv := range kvs {
			i := strings.IndexByte(kv, '=')
			if i <= 0 {
				continue
			}
			m[kv[:i]] = kv[i+1:]
		}
	}
	apply(base)
	for _, l := range layers {
		apply(l)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// MergeOS is Merge with the current process environment as base.
func MergeOS(layers ...[]string) []string { return Merge(os.Environ(), layers...) }

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		name := s[i+2 : i+2+j]
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	return b.String()
}
