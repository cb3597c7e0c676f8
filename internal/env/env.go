package env

import (
	"os"
	"sort"
	"strings"
)

// Vars is a set of environment variables (K->V).
type Vars map[string]string

// Env composes the environment handed to service processes:
// an optional OS base, global stack-level overrides, then per-service vars.
type Env struct {
	global Vars
	base   Vars // cached base from OS environment; nil until FromOS
}

func New() *Env {
	return &Env{global: make(Vars)}
}

// FromOS caches the current process environment as the base layer.
func (e *Env) FromOS() {
	base := make(Vars)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	e.base = base
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.global == nil {
		e.global = make(Vars)
	}
	e.global[k] = v
}

// SetAll applies a batch of "KEY=VALUE" entries as global variables.
func (e *Env) SetAll(kvs []string) {
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok {
			e.Set(k, v)
		}
	}
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	delete(e.global, k)
}

// MergeMap composes the final environment applying order: cached OS base
// (if loaded), then global overrides, then perService vars. ${VAR}
// references are expanded against the composed map (single pass, no
// recursion).
func (e *Env) MergeMap(perService Vars) Vars {
	m := make(Vars, len(e.base)+len(e.global)+len(perService))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.global {
		m[k] = v
	}
	for k, v := range perService {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range m {
		m[k] = expand(v, m)
	}
	return m
}

// Merge is MergeMap flattened to sorted "K=V" form suitable for exec.Cmd.Env.
func (e *Env) Merge(perService Vars) []string {
	m := e.MergeMap(perService)
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Vars) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
