package kiln

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Job is one build of a recipe for an architecture.
type Job struct {
	Recipe   *Recipe
	Arch     *Arch
	Env      Environment
	BuildDir string
	StageDir string
	Log      *Logger
}

// run executes c in the build directory with the job's environment.
// Failures come back as BuildFailedError carrying the tool output.
func (j *Job) run(ctx context.Context, r Runner, c Command) error {
	if c.Dir == "" {
		c.Dir = j.BuildDir
	}
	if c.Env == nil {
		c.Env = buildEnviron(j.Env)
	}
	out, err := runLogged(ctx, r, j.Log, c)
	if err != nil {
		return j.failed(c.Name, c.Args, out, err)
	}
	return nil
}

func (j *Job) failed(tool string, args []string, out string, err error) error {
	return &BuildFailedError{
		Recipe:   j.Recipe.Name,
		Arch:     j.Arch.Name,
		Tool:     tool,
		Args:     args,
		ExitCode: exitCode(err),
		Output:   out,
		Err:      err,
	}
}

// outputs returns the paths matching the recipe's output pattern.
func (j *Job) outputs() ([]string, error) {
	pattern := j.Recipe.OutputPattern()
	matches, err := filepath.Glob(filepath.Join(j.BuildDir, pattern))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, j.failed("locate", []string{pattern}, "",
			fmt.Errorf("no build output matching %s in %s", pattern, j.BuildDir))
	}
	sort.Strings(matches)
	return matches, nil
}

// verifyInstalled checks that the recipe's package landed in the stage's
// site-packages, as a package directory, a module or egg/dist info.
func (j *Job) verifyInstalled() error {
	name := j.Recipe.SitePackages
	if name == "" {
		return nil
	}
	entries, err := os.ReadDir(filepath.Join(j.StageDir, "site-packages"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, e := range entries {
		n := e.Name()
		if n == name || n == name+".py" || strings.HasPrefix(n, name+"-") {
			return nil
		}
	}
	return j.failed("install", []string{name}, "",
		fmt.Errorf("%s was not installed into %s", name, filepath.Join(j.StageDir, "site-packages")))
}

// Strategy builds one kind of recipe.
type Strategy interface {
	// ConfigureEnv adds the variables this kind of build needs on top of
	// the toolchain base. Recipe declarations are applied afterwards.
	ConfigureEnv(vars map[string]string, r *Recipe, arch *Arch)
	Build(ctx context.Context, job *Job) error
}

// Installer stages a built tree. It is an external collaborator; the default
// drives the recipe's own setup.py.
type Installer interface {
	Install(ctx context.Context, job *Job) error
}

// SetupPyInstaller runs setup.py install into the stage directory.
type SetupPyInstaller struct {
	Runner     Runner
	HostPython string
}

func (i *SetupPyInstaller) Install(ctx context.Context, job *Job) error {
	job.Log.Infof("Installing %s into %s", job.Recipe.Name, job.StageDir)
	return job.run(ctx, i.Runner, Command{
		Name: i.HostPython,
		Args: []string{job.Recipe.DescriptorName(), "install", "-O2",
			"--root", job.StageDir, "--prefix", "/", "--install-lib", "/site-packages"},
	})
}

// BuildExecutor dispatches jobs to the strategy of the recipe's kind.
type BuildExecutor struct {
	strategies map[Kind]Strategy
}

// NewBuildExecutor registers the built in strategies. A nil installer
// selects SetupPyInstaller.
func NewBuildExecutor(cfg *Config, runner Runner, installer Installer) *BuildExecutor {
	if installer == nil {
		installer = &SetupPyInstaller{Runner: runner, HostPython: cfg.HostPython}
	}
	return &BuildExecutor{strategies: map[Kind]Strategy{
		KindNativeExt: &nativeExtStrategy{
			runner:     runner,
			cython:     cfg.Cython,
			hostPython: cfg.HostPython,
			strip:      cfg.Strip,
			installer:  installer,
		},
		KindPython:   &pythonStrategy{runner: runner, hostPython: cfg.HostPython, installer: installer},
		KindPrebuilt: &prebuiltStrategy{},
		KindScript:   &scriptStrategy{runner: runner},
	}}
}

// Strategies exposes the table to the environment builder.
func (e *BuildExecutor) Strategies() map[Kind]Strategy { return e.strategies }

// Build runs the strategy for job.Recipe.
func (e *BuildExecutor) Build(ctx context.Context, job *Job) error {
	kind := job.Recipe.KindOrDefault()
	s, ok := e.strategies[kind]
	if !ok {
		return fmt.Errorf("no build strategy for kind %q", kind)
	}
	job.Log.Infof("Building %s %s for %s (%s)", job.Recipe.Name, job.Recipe.Version, job.Arch.Name, kind)
	return s.Build(ctx, job)
}

// nativeExtStrategy transpiles .pyx sources with cython, compiles the
// extension with the host python's build system, strips the objects and
// installs.
type nativeExtStrategy struct {
	runner     Runner
	cython     string
	hostPython string
	strip      bool
	installer  Installer
}

func (s *nativeExtStrategy) ConfigureEnv(vars map[string]string, r *Recipe, arch *Arch) {
	vars["LDSHARED"] = vars["CC"] + " -shared"
	vars["PYTHONNOUSERSITE"] = "1"
}

func (s *nativeExtStrategy) Build(ctx context.Context, job *Job) error {
	sources, err := findPyx(job.BuildDir, job.Recipe.CythonRoots)
	if err != nil {
		return err
	}
	for _, src := range sources {
		if err := job.run(ctx, s.runner, Command{Name: s.cython, Args: []string{"--cplus", src}}); err != nil {
			return err
		}
	}

	if err := job.run(ctx, s.runner, Command{
		Name: s.hostPython,
		Args: []string{job.Recipe.DescriptorName(), "build_ext", "-v"},
	}); err != nil {
		return err
	}

	outputs, err := job.outputs()
	if err != nil {
		return err
	}
	if s.strip {
		strip := job.Env.Get("STRIP")
		env := buildEnviron(job.Env)
		for _, out := range outputs {
			if err := stripObjects(ctx, s.runner, job.Log, strip, out, env); err != nil {
				return err
			}
		}
	}
	if err := s.installer.Install(ctx, job); err != nil {
		return err
	}
	return job.verifyInstalled()
}

// findPyx lists .pyx files below roots, relative to dir and sorted.
func findPyx(dir string, roots []string) ([]string, error) {
	var out []string
	for _, root := range roots {
		base := filepath.Join(dir, root)
		err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(path, ".pyx") {
				rel, err := filepath.Rel(dir, path)
				if err != nil {
					return err
				}
				out = append(out, rel)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan cython root %s: %w", root, err)
		}
	}
	sort.Strings(out)
	return out, nil
}

// pythonStrategy builds and installs pure python sources.
type pythonStrategy struct {
	runner     Runner
	hostPython string
	installer  Installer
}

func (s *pythonStrategy) ConfigureEnv(vars map[string]string, r *Recipe, arch *Arch) {
	vars["PYTHONNOUSERSITE"] = "1"
	vars["PYTHONDONTWRITEBYTECODE"] = "1"
}

func (s *pythonStrategy) Build(ctx context.Context, job *Job) error {
	if err := job.run(ctx, s.runner, Command{
		Name: s.hostPython,
		Args: []string{job.Recipe.DescriptorName(), "build"},
	}); err != nil {
		return err
	}
	if err := s.installer.Install(ctx, job); err != nil {
		return err
	}
	return job.verifyInstalled()
}

// prebuiltStrategy stages files from the sources as they are.
type prebuiltStrategy struct{}

func (s *prebuiltStrategy) ConfigureEnv(map[string]string, *Recipe, *Arch) {}

func (s *prebuiltStrategy) Build(ctx context.Context, job *Job) error {
	if job.Recipe.OutputPattern() == "." {
		return copyDir(job.BuildDir, job.StageDir)
	}
	outputs, err := job.outputs()
	if err != nil {
		return err
	}
	for _, out := range outputs {
		dst := filepath.Join(job.StageDir, filepath.Base(out))
		job.Log.Debugf("Staging %s\n", out)
		if err := copyPath(out, dst); err != nil {
			return fmt.Errorf("stage %s: %w", out, err)
		}
	}
	return ctx.Err()
}

// scriptStrategy runs the recipe's executable build script as
// "build <destdir> <version> <arch>" from the build directory.
type scriptStrategy struct {
	runner Runner
}

func (s *scriptStrategy) ConfigureEnv(vars map[string]string, r *Recipe, arch *Arch) {
	vars["KILN_VERSION"] = r.Version
}

func (s *scriptStrategy) Build(ctx context.Context, job *Job) error {
	script := filepath.Join(job.Recipe.Dir, "build")
	return job.run(ctx, s.runner, Command{
		Name: script,
		Args: []string{job.StageDir, job.Recipe.Version, job.Arch.Name},
	})
}
