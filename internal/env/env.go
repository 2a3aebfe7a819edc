// Package env resolves the extra environment variables exported to the job
// before its launch script runs.
package env

import (
	"fmt"
	"os"
	"strings"
)

type Var map[string]string

type Env struct {
	Var Var // fixed variables (K->V) applied over the OS environment
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	e.env = base
}

// WithSet returns e after setting K=V; handy for chaining in tests.
func (e *Env) WithSet(k, v string) *Env {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
	return e
}

// Resolve validates "K=V" entries and expands ${VAR} references in their
// values. References resolve against the OS environment, then Var, then
// entries earlier in kvs. Order is preserved; a repeated key keeps its last
// value at the position of its first occurrence.
func (e *Env) Resolve(kvs []string) ([]Pair, error) {
	if e.env == nil {
		e.FromOS()
	}
	scope := make(Var, len(e.env)+len(e.Var))
	for k, v := range e.env {
		scope[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			scope[k] = v
		}
	}
	var out []Pair
	index := map[string]int{}
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || !ValidKey(k) {
			return nil, fmt.Errorf("invalid environment entry %q: want KEY=VALUE", kv)
		}
		v = expand(v, scope)
		scope[k] = v
		if i, seen := index[k]; seen {
			out[i].Value = v
			continue
		}
		index[k] = len(out)
		out = append(out, Pair{Key: k, Value: v})
	}
	return out, nil
}

// Pair is one resolved variable.
type Pair struct {
	Key   string
	Value string
}

// ValidKey reports whether k is a portable shell variable name.
func ValidKey(k string) bool {
	if k == "" {
		return false
	}
	for i, r := range k {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// expand replaces ${VAR} with its value in m; unknown references become empty.
func expand(s string, m Var) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+3+j:]
	}
}
