// Package env composes the environment handed to supervised children:
// the daemon's own environment as the base, global overrides layered on
// top, and per-service pairs last.
package env

import (
	"os"
	"sort"
	"strings"
)

// Env holds the global override layer and a cached copy of the process
// environment. The zero value is not usable; call New.
type Env struct {
	overrides map[string]string
	base      map[string]string
}

func New() *Env {
	return &Env{overrides: make(map[string]string)}
}

// FromOS snapshots the current process environment as the base layer.
// Merge calls it lazily when the base was never captured.
func (e *Env) FromOS() {
	base := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		base[k] = v
	}
	e.base = base
}

// Set adds or replaces a global override.
func (e *Env) Set(k, v string) {
	if e.overrides == nil {
		e.overrides = make(map[string]string)
	}
	e.overrides[k] = v
}

// Unset drops a global override. The base layer is untouched.
func (e *Env) Unset(k string) {
	delete(e.overrides, k)
}

// Merge builds the final "K=V" list for one child: base environment,
// then global overrides, then perProc pairs, later layers winning.
// ${VAR} references in values are expanded against the composed map
// (single pass, unknown names are left as written). The result is
// sorted by key.
func (e *Env) Merge(perProc []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(map[string]string, len(e.base)+len(e.overrides)+len(perProc))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.overrides {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range perProc {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// expand substitutes ${NAME} occurrences from m. Bare $NAME is left
// alone so values holding shell text survive untouched.
func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+j+1])
		}
		s = s[i+j+1:]
	}
}
