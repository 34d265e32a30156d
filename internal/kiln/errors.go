package kiln

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCacheMiss is returned by ArtifactCache.Get when no entry exists.
var ErrCacheMiss = errors.New("artifact not cached")

// UnknownRecipeError reports a name that is not registered.
type UnknownRecipeError struct {
	Name       string
	RequiredBy string
}

func (e *UnknownRecipeError) Error() string {
	if e.RequiredBy != "" {
		return fmt.Sprintf("unknown recipe %q (required by %s)", e.Name, e.RequiredBy)
	}
	return fmt.Sprintf("unknown recipe %q", e.Name)
}

// DuplicateRecipeError is returned when a name is registered twice.
type DuplicateRecipeError struct {
	Name string
}

func (e *DuplicateRecipeError) Error() string {
	return fmt.Sprintf("recipe %q already registered", e.Name)
}

// InvalidRecipeError reports a malformed recipe declaration.
type InvalidRecipeError struct {
	Name   string
	Reason string
}

func (e *InvalidRecipeError) Error() string {
	return fmt.Sprintf("invalid recipe %q: %s", e.Name, e.Reason)
}

// CyclicDependencyError carries the dependency path that loops back on
// itself, first and last elements are the same recipe.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// UnknownArchError reports an architecture missing from the table.
type UnknownArchError struct {
	Name string
}

func (e *UnknownArchError) Error() string {
	return fmt.Sprintf("unknown architecture %q (supported: %s)", e.Name, strings.Join(ArchNames(), ", "))
}

// AcquisitionError wraps any failure to clone, download or unpack sources.
// The build directory has been removed when this is returned.
type AcquisitionError struct {
	Recipe string
	Arch   string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s for %s: %v", e.Recipe, e.Arch, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// PatchApplyError is returned when a patch does not apply cleanly.
type PatchApplyError struct {
	Recipe string
	Patch  string
	Output string
	Err    error
}

func (e *PatchApplyError) Error() string {
	msg := fmt.Sprintf("patch %s does not apply to %s: %v", e.Patch, e.Recipe, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *PatchApplyError) Unwrap() error { return e.Err }

// BuildFailedError carries the verbatim output of the failing tool.
type BuildFailedError struct {
	Recipe   string
	Arch     string
	Tool     string
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *BuildFailedError) Error() string {
	cmd := strings.TrimSpace(e.Tool + " " + strings.Join(e.Args, " "))
	msg := fmt.Sprintf("build of %s for %s failed: %s", e.Recipe, e.Arch, cmd)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit status %d)", e.ExitCode)
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BuildFailedError) Unwrap() error { return e.Err }

// CacheCorruptionError marks an entry that exists but cannot be trusted.
type CacheCorruptionError struct {
	Key    Key
	Reason string
	Err    error
}

func (e *CacheCorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cache entry %s corrupt: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("cache entry %s corrupt: %s", e.Key, e.Reason)
}

func (e *CacheCorruptionError) Unwrap() error { return e.Err }

// PlanError summarises a plan run for one architecture. First is the first
// fatal step error, the other steps that had already finished keep their
// artifacts.
type PlanError struct {
	Arch    string
	Failed  []string
	Blocked []string
	First   error
}

func (e *PlanError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d step(s) failed", e.Arch, len(e.Failed))
	if len(e.Failed) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Failed, ", "))
	}
	if len(e.Blocked) > 0 {
		fmt.Fprintf(&b, ", %d blocked [%s]", len(e.Blocked), strings.Join(e.Blocked, ", "))
	}
	if e.First != nil {
		fmt.Fprintf(&b, ": %v", e.First)
	}
	return b.String()
}

func (e *PlanError) Unwrap() error { return e.First }

// ExitCode maps an error to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var bf *BuildFailedError
	if errors.As(err, &bf) && bf.ExitCode > 0 {
		return bf.ExitCode
	}
	return 1
}
