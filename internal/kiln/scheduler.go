package kiln

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// StepFunc performs one step of a plan.
type StepFunc func(ctx context.Context, step Step) error

// Scheduler runs a plan as a DAG: a step starts once every dependency that
// is part of the plan completed, independent steps run concurrently.
type Scheduler struct {
	// MaxJobs caps the steps in flight, 0 means no cap. Actual work is
	// bounded by the orchestrator's fetch and build semaphores.
	MaxJobs int
	Log     *Logger

	// Status receives a one line progress display, nil disables it.
	Status io.Writer
}

type stepResult struct {
	name     string
	err      error
	duration time.Duration
}

// Run executes steps for arch and returns a PlanError when any step failed
// or could not run.
func (s *Scheduler) Run(ctx context.Context, arch string, steps []Step, run StepFunc) error {
	inPlan := make(map[string]bool, len(steps))
	for _, st := range steps {
		inPlan[st.Recipe.Name] = true
	}

	pending := append([]Step(nil), steps...)
	running := make(map[string]time.Time)
	completed := make(map[string]bool)
	failed := make(map[string]error)
	blocked := make(map[string]string)
	var first error

	resultChan := make(chan stepResult, len(steps))

	start := func(st Step) {
		running[st.Recipe.Name] = time.Now()
		go func() {
			begin := time.Now()
			err := run(ctx, st)
			resultChan <- stepResult{name: st.Recipe.Name, err: err, duration: time.Since(begin)}
		}()
	}

	for len(pending) > 0 || len(running) > 0 {
		// 1. start what is ready, mark what can never run
		var nextPending []Step
		for _, st := range pending {
			if reason := blockedBy(st, inPlan, failed, blocked); reason != "" {
				blocked[st.Recipe.Name] = reason
				continue
			}
			if ctx.Err() != nil {
				blocked[st.Recipe.Name] = "cancelled"
				continue
			}
			if s.MaxJobs > 0 && len(running) >= s.MaxJobs {
				nextPending = append(nextPending, st)
				continue
			}
			if depsDone(st, inPlan, completed) {
				start(st)
			} else {
				nextPending = append(nextPending, st)
			}
		}
		pending = nextPending
		s.status(arch, running, len(completed), len(steps))

		// 2. wait for a result
		if len(running) == 0 {
			if len(pending) > 0 {
				// nothing runs and nothing can start: only possible with a
				// dependency missing from the plan order
				for _, st := range pending {
					blocked[st.Recipe.Name] = "dependency not satisfied"
				}
				pending = nil
			}
			break
		}

		res := <-resultChan
		delete(running, res.name)
		if res.err != nil {
			failed[res.name] = res.err
			if first == nil && ctx.Err() == nil {
				first = res.err
			}
			s.Log.Errorf("%s/%s failed after %s: %v", arch, res.name, res.duration.Round(time.Millisecond), res.err)
		} else {
			completed[res.name] = true
			s.Log.Infof("%s/%s done in %s", arch, res.name, res.duration.Round(time.Millisecond))
		}
	}
	if s.Status != nil {
		fmt.Fprint(s.Status, "\r\033[K")
	}

	if len(failed) == 0 && len(blocked) == 0 {
		return nil
	}
	if first == nil {
		first = ctx.Err()
	}
	if first == nil {
		// every failure happened after cancellation
		for _, st := range steps {
			if err, ok := failed[st.Recipe.Name]; ok {
				first = err
				break
			}
		}
	}
	perr := &PlanError{Arch: arch, First: first}
	for _, st := range steps {
		if _, ok := failed[st.Recipe.Name]; ok {
			perr.Failed = append(perr.Failed, st.Recipe.Name)
		}
		if reason, ok := blocked[st.Recipe.Name]; ok {
			perr.Blocked = append(perr.Blocked, st.Recipe.Name)
			s.Log.Warnf("%s/%s not built: %s", arch, st.Recipe.Name, reason)
		}
	}
	return perr
}

// blockedBy names the reason st can never run, "" when it still can.
func blockedBy(st Step, inPlan map[string]bool, failed map[string]error, blocked map[string]string) string {
	for _, d := range st.Deps {
		if !inPlan[d] {
			continue
		}
		if _, ok := failed[d]; ok {
			return "dependency failed: " + d
		}
		if _, ok := blocked[d]; ok {
			return "dependency blocked: " + d
		}
	}
	return ""
}

// depsDone reports whether every in-plan dependency completed. Dependencies
// outside the plan are already satisfied, typically by the cache.
func depsDone(st Step, inPlan map[string]bool, completed map[string]bool) bool {
	for _, d := range st.Deps {
		if inPlan[d] && !completed[d] {
			return false
		}
	}
	return true
}

func (s *Scheduler) status(arch string, running map[string]time.Time, done, total int) {
	if s.Status == nil {
		return
	}
	names := make([]string, 0, len(running))
	for n := range running {
		names = append(names, n)
	}
	sort.Strings(names)
	line := fmt.Sprintf("[%s %d/%d] %s", arch, done, total, strings.Join(names, ", "))
	fmt.Fprint(s.Status, "\r\033[K"+colNote.Sprint(line))
}
