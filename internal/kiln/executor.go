package kiln

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Command is one external tool invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string // complete environment, nil inherits the process one

	Stdout io.Writer
	Stderr io.Writer
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner runs commands. The production implementation is Executor, tests
// substitute a fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// Executor runs each command in its own process group so a cancelled
// context takes down the whole tree, compilers spawned by make included.
type Executor struct {
	ApplyIdlePriority bool // Apply nice -n 19 to every command
}

func NewExecutor() *Executor { return &Executor{} }

func (e *Executor) Run(ctx context.Context, c Command) error {
	name, args := c.Name, c.Args
	if e.ApplyIdlePriority {
		args = append([]string{"-n", "19", name}, args...)
		name = "nice"
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("command aborted: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	pgid := cmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = unix.Kill(-pgid, unix.SIGKILL)
		case <-done:
		}
	}()

	if waitErr := cmd.Wait(); waitErr != nil {
		if ctx.Err() != nil {
			// give the killed group a moment to release its files
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %w", ctx.Err())
		}
		return waitErr
	}
	return nil
}

// toolchainVars are dropped from the host environment so a developer's
// shell settings cannot leak into a cross build.
var toolchainVars = map[string]bool{
	"CC": true, "CXX": true, "CPP": true, "AR": true, "LD": true, "RANLIB": true, "STRIP": true,
	"CFLAGS": true, "CXXFLAGS": true, "CPPFLAGS": true, "LDFLAGS": true, "LDSHARED": true,
	"PYTHONPATH": true,
}

// buildEnviron merges env over the host environment.
func buildEnviron(env Environment) []string {
	var out []string
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if toolchainVars[k] {
			continue
		}
		if _, ok := env.Lookup(k); ok {
			continue
		}
		out = append(out, kv)
	}
	return append(out, env.Environ()...)
}

// runLogged logs the full command line, runs it and returns the combined
// output. Output is also teed to log.
func runLogged(ctx context.Context, r Runner, log *Logger, c Command) (string, error) {
	log.Infof("Running %s", c.String())
	var buf bytes.Buffer
	w := io.MultiWriter(&buf, log.Writer())
	c.Stdout = w
	c.Stderr = w
	err := r.Run(ctx, c)
	return buf.String(), err
}

// exitCode extracts the exit status from a Runner error, 0 when unknown.
func exitCode(err error) int {
	var ee interface{ ExitCode() int }
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return 0
}
