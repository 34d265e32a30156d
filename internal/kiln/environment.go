package kiln

import (
	"path/filepath"
	"sort"
	"strings"
)

// Environment is an immutable set of variables handed to build tools.
// The zero value is empty and usable.
type Environment struct {
	vars map[string]string
}

// NewEnvironment copies vars.
func NewEnvironment(vars map[string]string) Environment {
	m := make(map[string]string, len(vars))
	for k, v := range vars {
		m[k] = v
	}
	return Environment{vars: m}
}

// Get returns the value of name or "".
func (e Environment) Get(name string) string { return e.vars[name] }

// Lookup reports whether name is set.
func (e Environment) Lookup(name string) (string, bool) {
	v, ok := e.vars[name]
	return v, ok
}

// Len is the number of variables.
func (e Environment) Len() int { return len(e.vars) }

// Names returns the variable names sorted.
func (e Environment) Names() []string {
	names := make([]string, 0, len(e.vars))
	for k := range e.vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Environ renders sorted KEY=VALUE pairs suitable for exec.Cmd.Env.
func (e Environment) Environ() []string {
	out := make([]string, 0, len(e.vars))
	for _, k := range e.Names() {
		out = append(out, k+"="+e.vars[k])
	}
	return out
}

// With returns a copy with the given KEY=VALUE pairs applied. A pair
// without '=' removes the variable.
func (e Environment) With(pairs ...string) Environment {
	m := make(map[string]string, len(e.vars)+len(pairs))
	for k, v := range e.vars {
		m[k] = v
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			delete(m, k)
			continue
		}
		m[k] = v
	}
	return Environment{vars: m}
}

// Fingerprint is a blake3 digest over the sorted variables. PATH entries
// outside the NDK are dropped first so the host's PATH does not leak into
// artifact keys.
func (e Environment) Fingerprint() string {
	var b strings.Builder
	for _, k := range e.Names() {
		v := e.vars[k]
		if k == "PATH" {
			v = e.toolchainPath()
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte(0)
	}
	return hashString(b.String())
}

func (e Environment) toolchainPath() string {
	ndk := e.vars["NDK"]
	if ndk == "" {
		return ""
	}
	ndk = filepath.Clean(ndk)
	var keep []string
	for _, p := range filepath.SplitList(e.vars["PATH"]) {
		if p == ndk || strings.HasPrefix(filepath.Clean(p), ndk+string(filepath.Separator)) {
			keep = append(keep, p)
		}
	}
	return strings.Join(keep, string(filepath.ListSeparator))
}
