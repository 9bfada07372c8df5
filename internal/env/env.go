// Package env composes the environment handed to bot processes.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env holds global variables layered on top of a base environment.
// The zero base means the daemon's own environment.
type Env struct {
	Var  Var
	base Var
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromSlice returns an Env whose base is kvs instead of the OS environment.
func FromSlice(kvs []string) *Env {
	e := New()
	e.base = parse(kvs)
	return e
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = parse(os.Environ())
}

// WithSet returns a copy of e with k=v added to the global layer.
func (e *Env) WithSet(k, v string) *Env {
	cp := &Env{Var: make(Var, len(e.Var)+1), base: e.base}
	for key, val := range e.Var {
		cp.Var[key] = val
	}
	cp.Var[k] = v
	return cp
}

// WithVars returns a copy of e with every "K=V" of kvs added to the global layer.
func (e *Env) WithVars(kvs []string) *Env {
	cp := e
	for k, v := range parse(kvs) {
		cp = cp.WithSet(k, v)
	}
	return cp
}

// Merge composes the final environment: base, then globals, then each layer
// of "K=V" entries in order. Later layers win. Values may reference earlier
// variables as ${VAR} or $VAR; unknown references expand to "". The result
// is sorted by key.
func (e *Env) Merge(layers ...[]string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var))
	for k, v := range e.base {
		m[k] = v
	}
	apply := func(k, v string) {
		m[k] = os.Expand(v, func(ref string) string { return m[ref] })
	}
	for _, k := range sortedKeys(e.Var) {
		if k != "" {
			apply(k, e.Var[k])
		}
	}
	for _, layer := range layers {
		for _, kv := range layer {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				continue
			}
			apply(k, v)
		}
	}
	out := make([]string, 0, len(m))
	for _, k := range sortedKeys(m) {
		out = append(out, k+"="+m[k])
	}
	return out
}

// Lookup returns the value of k in a "K=V" slice.
func Lookup(kvs []string, k string) (string, bool) {
	for i := len(kvs) - 1; i >= 0; i-- {
		if key, v, ok := strings.Cut(kvs[i], "="); ok && key == k {
			return v, true
		}
	}
	return "", false
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}

func sortedKeys(m Var) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
