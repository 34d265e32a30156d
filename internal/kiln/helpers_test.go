package kiln

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeRunner records every command and simulates the external tools.
type fakeRunner struct {
	mu    sync.Mutex
	calls []Command

	// fail makes a tool exit with the given status, keyed by tool base name
	fail map[string]int

	// handle overrides the simulation when set
	handle func(c Command) error
}

type fakeExit struct {
	code int
}

func (e *fakeExit) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e *fakeExit) ExitCode() int { return e.code }

func (f *fakeRunner) Run(ctx context.Context, c Command) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	code, failing := f.fail[filepath.Base(c.Name)]
	handle := f.handle
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("command aborted: %w", err)
	}
	if failing {
		fmt.Fprintf(c.Stderr, "%s: simulated failure\n", c.Name)
		return &fakeExit{code: code}
	}
	if handle != nil {
		return handle(c)
	}
	return simulateTool(c)
}

// simulateTool mimics just enough of git, python and friends to drive a
// build end to end.
func simulateTool(c Command) error {
	switch filepath.Base(c.Name) {
	case "git":
		if len(c.Args) > 0 && c.Args[0] == "clone" {
			dest := c.Args[len(c.Args)-1]
			if !filepath.IsAbs(dest) {
				dest = filepath.Join(c.Dir, dest)
			}
			if err := os.MkdirAll(filepath.Join(dest, "src"), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(dest, "setup.py"), []byte("# setup\n"), 0o644); err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(dest, "src", "ext.pyx"), []byte("# cython\n"), 0o644)
		}
	case "python3":
		if slices.Contains(c.Args, "build_ext") || slices.Contains(c.Args, "build") {
			lib := filepath.Join(c.Dir, "build", "lib.linux")
			if err := os.MkdirAll(lib, 0o755); err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(lib, "ext.so"), []byte("\x7fELF"), 0o644)
		}
		if slices.Contains(c.Args, "install") {
			root := c.Args[slices.Index(c.Args, "--root")+1]
			pkg := filepath.Join(root, "site-packages", "ext")
			if err := os.MkdirAll(pkg, 0o755); err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(pkg, "__init__.py"), []byte(""), 0o644)
		}
	}
	fmt.Fprintf(c.Stdout, "%s ok\n", c.Name)
	return nil
}

func (f *fakeRunner) commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// count returns how many commands ran tool with every arg in args.
func (f *fakeRunner) count(tool string, args ...string) int {
	n := 0
	for _, c := range f.commands() {
		if filepath.Base(c.Name) != tool {
			continue
		}
		ok := true
		for _, a := range args {
			if !slices.Contains(c.Args, a) {
				ok = false
				break
			}
		}
		if ok {
			n++
		}
	}
	return n
}

func (f *fakeRunner) lines() []string {
	var out []string
	for _, c := range f.commands() {
		out = append(out, c.String())
	}
	return out
}

func newTestConfig(t *testing.T, extra ...string) *Config {
	t.Helper()
	values := map[string]string{
		"KILN_ROOT":       t.TempDir(),
		"KILN_NDK":        "/opt/ndk",
		"KILN_JOBS":       "2",
		"KILN_FETCH_JOBS": "2",
	}
	for _, kv := range extra {
		k, v, _ := strings.Cut(kv, "=")
		values[k] = v
	}
	cfg, err := NewConfig(values)
	require.NoError(t, err)
	return cfg
}

func testLogger() *Logger {
	return NewLogger(io.Discard, false, false)
}

func mustArch(t *testing.T, name string) *Arch {
	t.Helper()
	a, err := LookupArch(name)
	require.NoError(t, err)
	return a
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func registryOf(t *testing.T, recipes ...*Recipe) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, r := range recipes {
		require.NoError(t, reg.Register(r))
	}
	return reg
}

func repoRecipe(name string, deps ...string) *Recipe {
	return &Recipe{
		Name:    name,
		Version: "1.0",
		RepoURL: "https://example.com/" + name + ".git",
		Depends: deps,
	}
}
