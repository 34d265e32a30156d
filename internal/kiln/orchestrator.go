package kiln

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Options carries the collaborators of an Orchestrator. Zero values select
// the production implementations.
type Options struct {
	Runner    Runner
	Installer Installer
	Remote    RemoteStore
	Log       *Logger

	// Console receives the parallel build status line, usually a terminal.
	Console io.Writer
}

// Orchestrator ties the components together: resolve, prune cached steps,
// then acquire, configure, build and cache what is left.
type Orchestrator struct {
	cfg      *Config
	reg      *Registry
	resolver *Resolver
	source   *SourceEngine
	envs     *EnvBuilder
	builder  *BuildExecutor
	cache    *ArtifactCache
	log      *Logger
	console  io.Writer

	fetchSem   *semaphore.Weighted
	buildSem   *semaphore.Weighted
	buildLocks *keyedMutex
}

func NewOrchestrator(cfg *Config, reg *Registry, opts Options) *Orchestrator {
	if opts.Runner == nil {
		opts.Runner = NewExecutor()
	}
	if opts.Log == nil {
		opts.Log = NewLogger(os.Stdout, cfg.Debug, cfg.Verbose)
	}
	builder := NewBuildExecutor(cfg, opts.Runner, opts.Installer)
	return &Orchestrator{
		cfg:        cfg,
		reg:        reg,
		resolver:   NewResolver(reg),
		source:     NewSourceEngine(cfg, opts.Runner, opts.Log),
		envs:       NewEnvBuilder(cfg, builder.Strategies()),
		builder:    builder,
		cache:      NewArtifactCache(cfg.ArtifactsDir(), opts.Remote, opts.Log),
		log:        opts.Log,
		console:    opts.Console,
		fetchSem:   semaphore.NewWeighted(int64(cfg.FetchJobs)),
		buildSem:   semaphore.NewWeighted(int64(cfg.Jobs)),
		buildLocks: newKeyedMutex(),
	}
}

// Cache exposes the artifact cache.
func (o *Orchestrator) Cache() *ArtifactCache { return o.cache }

// PlannedStep is a resolved step with everything needed to build it.
type PlannedStep struct {
	Step
	Key      Key
	Env      Environment
	BuildDir string
	Artifact *Artifact // set when cached
}

// Plan is the work for one architecture.
type Plan struct {
	Arch   *Arch
	Steps  []PlannedStep // to build, in order
	Cached []PlannedStep
}

// Plan resolves names for arch and splits the result into cached and
// outstanding steps. Damaged cache entries are dropped and rebuilt.
func (o *Orchestrator) Plan(ctx context.Context, names []string, arch *Arch) (*Plan, error) {
	steps, err := o.resolver.Resolve(names, arch)
	if err != nil {
		return nil, err
	}
	plan := &Plan{Arch: arch}
	for _, st := range steps {
		ps, err := o.planStep(st)
		if err != nil {
			return nil, err
		}
		a, err := o.cache.Get(ctx, ps.Key)
		var corrupt *CacheCorruptionError
		switch {
		case err == nil:
			ps.Artifact = a
			plan.Cached = append(plan.Cached, ps)
			continue
		case errors.Is(err, ErrCacheMiss):
		case errors.As(err, &corrupt):
			o.log.Warnf("%v, rebuilding", err)
			if rmErr := o.cache.Remove(ps.Key); rmErr != nil {
				return nil, rmErr
			}
		default:
			return nil, err
		}
		plan.Steps = append(plan.Steps, ps)
	}
	return plan, nil
}

func (o *Orchestrator) planStep(st Step) (PlannedStep, error) {
	env, err := o.envs.BuildEnv(st.Recipe, st.Arch)
	if err != nil {
		return PlannedStep{}, err
	}
	return PlannedStep{
		Step: st,
		Key: Key{
			Recipe:         st.Recipe.Name,
			Version:        st.Recipe.Version,
			Arch:           st.Arch.Name,
			EnvFingerprint: env.Fingerprint(),
		},
		Env:      env,
		BuildDir: o.cfg.BuildDir(st.Arch.Name, st.Recipe.Name),
	}, nil
}

// Env returns the environment name is built with on arch.
func (o *Orchestrator) Env(name string, arch *Arch) (Environment, error) {
	r, err := o.reg.Lookup(name)
	if err != nil {
		return Environment{}, err
	}
	return o.envs.BuildEnv(r, arch)
}

// Result summarises one architecture of a build.
type Result struct {
	Arch   string
	Built  []*Artifact
	Cached []*Artifact
}

// Build builds names for every arch. Every plan is resolved before anything
// runs, so unknown recipes and cycles fail early. Architectures run in
// parallel and a failure in one does not stop the others.
func (o *Orchestrator) Build(ctx context.Context, names []string, arches []*Arch) ([]*Result, error) {
	plans := make([]*Plan, 0, len(arches))
	for _, a := range arches {
		p, err := o.Plan(ctx, names, a)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}

	results := make([]*Result, len(plans))
	errs := make([]error, len(plans))
	var g errgroup.Group
	for i, p := range plans {
		results[i] = &Result{Arch: p.Arch.Name}
		for _, c := range p.Cached {
			o.log.Infof("%s/%s is cached (%s)", p.Arch.Name, c.Recipe.Name, c.Key.Digest()[:12])
			results[i].Cached = append(results[i].Cached, c.Artifact)
		}
		g.Go(func() error {
			errs[i] = o.runPlan(ctx, p, results[i], len(plans) == 1)
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

func (o *Orchestrator) runPlan(ctx context.Context, p *Plan, res *Result, showStatus bool) error {
	if len(p.Steps) == 0 {
		return nil
	}
	byName := make(map[string]PlannedStep, len(p.Steps))
	steps := make([]Step, 0, len(p.Steps))
	for _, ps := range p.Steps {
		byName[ps.Recipe.Name] = ps
		steps = append(steps, ps.Step)
	}

	sched := &Scheduler{Log: o.log}
	if showStatus && !o.cfg.Verbose {
		sched.Status = o.console
	}
	built := make(chan *Artifact, len(steps))
	err := sched.Run(ctx, p.Arch.Name, steps, func(ctx context.Context, st Step) error {
		a, err := o.runStep(ctx, byName[st.Recipe.Name])
		if err == nil {
			built <- a
		}
		return err
	})
	close(built)
	for a := range built {
		res.Built = append(res.Built, a)
	}
	return err
}

// runStep is the per step pipeline: acquire, patch, compile, strip,
// install and cache, strictly in that order.
func (o *Orchestrator) runStep(ctx context.Context, ps PlannedStep) (*Artifact, error) {
	r, arch := ps.Recipe, ps.Arch.Name
	digest := ps.Key.Digest()
	if err := o.buildLocks.Lock(ctx, digest); err != nil {
		return nil, err
	}
	defer o.buildLocks.Unlock(digest)
	buildLock, err := o.cache.LockBuild(ps.Key)
	if err != nil {
		return nil, err
	}
	defer buildLock.Unlock()

	// a concurrent plan or another kiln process may have produced it meanwhile
	if a, err := o.cache.Get(ctx, ps.Key); err == nil {
		o.log.Infof("%s/%s was cached by a concurrent build", arch, r.Name)
		return a, nil
	}

	logPath := strings.TrimSuffix(o.cfg.LogPath(arch, r.Name), ".xz")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, err
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create build log: %w", err)
	}
	var logOut io.Writer = logFile
	if o.cfg.Verbose {
		logOut = io.MultiWriter(logFile, o.log.Writer())
	}
	stepLog := o.log.WithOutput(logOut)
	defer func() {
		logFile.Close()
		if err := compressXZ(logPath, o.cfg.LogPath(arch, r.Name)); err != nil {
			o.log.Warnf("failed to compress build log: %v", err)
		}
	}()

	o.log.Infof("Building %s %s for %s", r.Name, r.Version, arch)
	stepLog.Infof("Key %s", ps.Key)
	for _, kv := range ps.Env.Environ() {
		stepLog.Debugf("  %s\n", kv)
	}

	if err := o.fetchSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	err = o.source.WithLogger(stepLog).EnsureSource(ctx, r, ps.BuildDir)
	o.fetchSem.Release(1)
	if err != nil {
		stepLog.Errorf("%v", err)
		return nil, err
	}

	stageDir, err := os.MkdirTemp(filepath.Dir(ps.BuildDir), ".stage-"+r.Name+"-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(stageDir)

	if err := o.buildSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	err = o.builder.Build(ctx, &Job{
		Recipe:   r,
		Arch:     ps.Arch,
		Env:      ps.Env,
		BuildDir: ps.BuildDir,
		StageDir: stageDir,
		Log:      stepLog,
	})
	o.buildSem.Release(1)
	if err != nil {
		stepLog.Errorf("%v", err)
		// verbose runs already echoed the output
		var bf *BuildFailedError
		if errors.As(err, &bf) && bf.Output != "" && !o.cfg.Verbose {
			o.log.Errorf("%s/%s: %s output:", arch, r.Name, bf.Tool)
			fmt.Fprint(o.log.Writer(), strings.TrimRight(bf.Output, "\n")+"\n")
		}
		o.log.Errorf("Build log: %s", o.cfg.LogPath(arch, r.Name))
		return nil, err
	}

	// an aborted step never reaches the cache
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, err := o.cache.Put(ctx, ps.Key, stageDir)
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", ps.Key, err)
	}
	stepLog.Infof("Cached as %s", a.Digest)
	return a, nil
}

// Fetch acquires and patches sources for names on arch without building.
func (o *Orchestrator) Fetch(ctx context.Context, names []string, arch *Arch) error {
	steps, err := o.resolver.Resolve(names, arch)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.FetchJobs)
	for _, st := range steps {
		g.Go(func() error {
			return o.source.EnsureSource(gctx, st.Recipe, o.cfg.BuildDir(arch.Name, st.Recipe.Name))
		})
	}
	return g.Wait()
}

// Clean removes build directories. No names means every recipe.
func (o *Orchestrator) Clean(names []string, arches []*Arch) error {
	if len(names) == 0 {
		names = o.reg.Names()
	}
	for _, a := range arches {
		for _, n := range names {
			if _, err := o.reg.Lookup(n); err != nil {
				return err
			}
			dir := o.cfg.BuildDir(a.Name, n)
			if !exists(dir) {
				continue
			}
			lock, err := lockFile(dir + ".lock")
			if err != nil {
				return err
			}
			err = os.RemoveAll(dir)
			lock.Unlock()
			if err != nil {
				return fmt.Errorf("remove %s: %w", dir, err)
			}
			o.log.Infof("Removed %s", dir)
		}
	}
	return nil
}
