package kiln

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// Version is set at link time.
var Version = "dev"

const defaultArch = "armeabi-v7a"

// app is the state shared by the subcommands, created lazily so that
// `kiln version` and `kiln --help` work without a config.
type app struct {
	ctx    context.Context
	stdout io.Writer

	configPath string
	arches     []string
	debug      bool
	verbose    bool

	cfg  *Config
	log  *Logger
	reg  *Registry
	orch *Orchestrator
	r2   *R2Client
}

func (a *app) init() error {
	if a.orch != nil {
		return nil
	}
	cfg, err := LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.debug {
		cfg.Debug = true
	}
	if a.verbose {
		cfg.Verbose = true
	}
	a.cfg = cfg
	a.log = NewLogger(a.stdout, cfg.Debug, cfg.Verbose)

	a.reg = NewRegistry()
	if err := LoadRepos(a.reg, cfg.RecipePaths, a.log); err != nil {
		return err
	}

	var remote RemoteStore
	if cfg.Remote.Enabled {
		a.r2, err = NewR2Client(a.ctx, cfg.Remote, cfg.Debug)
		if err != nil {
			return fmt.Errorf("remote cache: %w", err)
		}
		remote = a.r2
	}
	exec := NewExecutor()
	exec.ApplyIdlePriority = cfg.Idle
	a.orch = NewOrchestrator(cfg, a.reg, Options{
		Runner:  exec,
		Remote:  remote,
		Log:     a.log,
		Console: a.stdout,
	})
	return nil
}

func (a *app) targetArches() ([]*Arch, error) {
	names := a.arches
	if len(names) == 0 {
		names = []string{valueOr(a.cfg.Values, "KILN_ARCH", defaultArch)}
	}
	return LookupArches(names)
}

// NewRootCommand assembles the kiln command tree.
func NewRootCommand(ctx context.Context, stdout io.Writer) *cobra.Command {
	a := &app{ctx: ctx, stdout: stdout}

	root := &cobra.Command{
		Use:           "kiln",
		Short:         "Cross-compile native python extensions for Android",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.init()
		},
	}
	root.SetOut(stdout)
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", ConfigFile, "config file")
	root.PersistentFlags().StringSliceVarP(&a.arches, "arch", "a", nil, "target architectures (default $KILN_ARCH or "+defaultArch+")")
	root.PersistentFlags().BoolVarP(&a.debug, "debug", "d", false, "print debug output")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "echo build output to the console")

	root.AddCommand(
		a.buildCommand(),
		a.planCommand(),
		a.fetchCommand(),
		a.envCommand(),
		a.cleanCommand(),
		a.cacheCommand(),
		a.logCommand(),
		a.recipesCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the kiln version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "kiln %s\n", Version)
			},
		},
	)
	return root
}

func (a *app) buildCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "build <recipe>...",
		Short: "Build recipes and their dependencies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arches, err := a.targetArches()
			if err != nil {
				return err
			}
			start := time.Now()
			results, err := a.orch.Build(a.ctx, args, arches)
			for _, r := range results {
				a.log.Notef("%s: %d built, %d cached", r.Arch, len(r.Built), len(r.Cached))
			}
			if err != nil {
				return err
			}
			a.log.Infof("Done in %s", time.Since(start).Round(time.Second))
			return nil
		},
	}
}

func (a *app) planCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <recipe>...",
		Short: "Show the build order and what is already cached",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arches, err := a.targetArches()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, arch := range arches {
				p, err := a.orch.Plan(a.ctx, args, arch)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s:\n", arch.Name)
				for _, s := range p.Cached {
					fmt.Fprintf(out, "  %-24s %-12s cached %s\n", s.Recipe.Name, s.Recipe.Version, s.Key.Digest()[:12])
				}
				for _, s := range p.Steps {
					fmt.Fprintf(out, "  %-24s %-12s build  %s\n", s.Recipe.Name, s.Recipe.Version, s.Key.Digest()[:12])
				}
			}
			return nil
		},
	}
}

func (a *app) fetchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <recipe>...",
		Short: "Acquire and patch sources without building",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arches, err := a.targetArches()
			if err != nil {
				return err
			}
			for _, arch := range arches {
				if err := a.orch.Fetch(a.ctx, args, arch); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (a *app) envCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "env <recipe>",
		Short: "Print the build environment of a recipe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arches, err := a.targetArches()
			if err != nil {
				return err
			}
			for _, arch := range arches {
				env, err := a.orch.Env(args[0], arch)
				if err != nil {
					return err
				}
				if len(arches) > 1 {
					fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", arch.Name)
				}
				for _, kv := range env.Environ() {
					fmt.Fprintln(cmd.OutOrStdout(), kv)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "# fingerprint %s\n", env.Fingerprint())
			}
			return nil
		},
	}
}

func (a *app) cleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [recipe]...",
		Short: "Remove build directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			arches, err := a.targetArches()
			if err != nil {
				return err
			}
			return a.orch.Clean(args, arches)
		},
	}
}

func (a *app) cacheCommand() *cobra.Command {
	cache := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the artifact cache",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List local artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.orch.Cache().List()
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-12s %-12s %s %8s  %s\n",
					e.Key.Recipe, e.Key.Version, e.Key.Arch, e.Digest[:12],
					humanSize(e.Size), e.BuiltAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}

	var maxAge time.Duration
	clean := &cobra.Command{
		Use:   "clean",
		Short: "Remove artifacts, all of them unless --older-than is given",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.orch.Cache().Clean(maxAge)
			if err != nil {
				return err
			}
			a.log.Infof("Removed %d artifacts", n)
			return nil
		},
	}
	clean.Flags().DurationVar(&maxAge, "older-than", 0, "only remove artifacts built before this age")

	remote := &cobra.Command{
		Use:   "remote [recipe]",
		Short: "List artifacts in the remote cache",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.r2 == nil {
				return errors.New("remote cache is disabled, set KILN_REMOTE_CACHE=1")
			}
			prefix := "artifacts/"
			if len(args) == 1 {
				prefix += args[0] + "/"
			}
			objects, err := a.r2.ListObjects(a.ctx, prefix)
			if err != nil {
				return err
			}
			for _, o := range objects {
				if !strings.HasSuffix(o.Key, "/"+artifactFile) {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-60s %8s\n", strings.TrimPrefix(o.Key, "artifacts/"), humanSize(o.Size))
			}
			return nil
		},
	}

	cache.AddCommand(list, clean, remote)
	return cache
}

func (a *app) logCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "log <recipe>",
		Short: "Show the last build log of a recipe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arches, err := a.targetArches()
			if err != nil {
				return err
			}
			path := a.cfg.LogPath(arches[0].Name, args[0])
			lines, err := ReadBuildLog(path)
			if err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("no build log for %s on %s", args[0], arches[0].Name)
				}
				return err
			}
			return RunPager(cmd.OutOrStdout(), args[0]+" ("+arches[0].Name+")", lines)
		},
	}
}

func (a *app) recipesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recipes",
		Short: "List known recipes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range a.reg.Names() {
				r, _ := a.reg.Lookup(name)
				line := fmt.Sprintf("%-24s %-12s %s", r.Name, r.Version, r.KindOrDefault())
				if len(r.Depends) > 0 {
					line += "  <- " + strings.Join(r.Depends, " ")
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%c", float64(n)/float64(div), "KMGTPE"[exp])
}

// Main runs the kiln command line and returns the process exit code. The
// first SIGINT or SIGTERM cancels running builds, a second one exits at once.
func Main() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case sig := <-sigs:
			colWarn.Printf("\nReceived %v, cancelling builds. Press Ctrl+C again to exit now.\n", sig)
			cancel()
		case <-ctx.Done():
			return
		}
		<-sigs
		colError.Println("Forced exit.")
		os.Exit(130)
	}()

	root := NewRootCommand(ctx, os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		colError.Printf("Error: %v\n", err)
		if errors.Is(err, context.Canceled) {
			return 130
		}
		return ExitCode(err)
	}
	return 0
}
