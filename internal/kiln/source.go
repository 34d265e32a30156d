package kiln

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	incompleteMarker = ".kiln-incomplete"
	patchMarker      = ".kiln-patches"
	sourceStamp      = ".kiln-source"
	flattenDir       = ".kiln-flatten"
)

// SourceEngine makes sure a build directory holds the recipe's patched
// sources.
type SourceEngine struct {
	Runner     Runner
	Downloader *Downloader
	Git        string
	Patch      string
	Log        *Logger
}

// NewSourceEngine wires an engine from cfg.
func NewSourceEngine(cfg *Config, runner Runner, log *Logger) *SourceEngine {
	return &SourceEngine{
		Runner:     runner,
		Downloader: NewDownloader(cfg.SourcesDir, log),
		Git:        cfg.Git,
		Patch:      cfg.Patch,
		Log:        log,
	}
}

// WithLogger returns a copy logging to log.
func (s *SourceEngine) WithLogger(log *Logger) *SourceEngine {
	cp := *s
	cp.Log = log
	if s.Downloader != nil {
		d := *s.Downloader
		d.Log = log
		cp.Downloader = &d
	}
	return &cp
}

// EnsureSource acquires, flattens and patches the sources of r in buildDir.
// Calling it again on a complete directory does nothing.
func (s *SourceEngine) EnsureSource(ctx context.Context, r *Recipe, buildDir string) error {
	arch := filepath.Base(filepath.Dir(buildDir))

	lock, err := lockFile(buildDir + ".lock")
	if err != nil {
		return &AcquisitionError{Recipe: r.Name, Arch: arch, Err: err}
	}
	defer lock.Unlock()

	if exists(filepath.Join(buildDir, incompleteMarker)) {
		s.Log.Warnf("Discarding incomplete build directory %s", buildDir)
		if err := os.RemoveAll(buildDir); err != nil {
			return &AcquisitionError{Recipe: r.Name, Arch: arch, Err: err}
		}
	}

	id := sourceID(r)
	if stamp, err := os.ReadFile(filepath.Join(buildDir, sourceStamp)); err == nil && strings.TrimSpace(string(stamp)) != id {
		s.Log.Infof("Source of %s changed, discarding %s", r.Name, buildDir)
		if err := os.RemoveAll(buildDir); err != nil {
			return &AcquisitionError{Recipe: r.Name, Arch: arch, Err: err}
		}
	}

	if !s.hasSource(r, buildDir) {
		if err := s.acquire(ctx, r, buildDir); err != nil {
			if rmErr := os.RemoveAll(buildDir); rmErr != nil {
				s.Log.Warnf("Failed to remove %s: %v", buildDir, rmErr)
			}
			return &AcquisitionError{Recipe: r.Name, Arch: arch, Err: err}
		}
	} else {
		s.Log.Debugf("Sources of %s already present in %s\n", r.Name, buildDir)
	}

	if err := s.applyPatches(ctx, r, buildDir); err != nil {
		return err
	}
	return removeIfExists(filepath.Join(buildDir, incompleteMarker))
}

func sourceID(r *Recipe) string {
	if r.IsRepository() {
		return r.SourceURL() + "#" + r.GitRef()
	}
	return r.SourceURL()
}

// hasSource reports whether buildDir already holds flattened sources.
func (s *SourceEngine) hasSource(r *Recipe, buildDir string) bool {
	if r.Descriptor == "" && r.KindOrDefault() != KindNativeExt && r.KindOrDefault() != KindPython {
		return exists(filepath.Join(buildDir, sourceStamp))
	}
	return exists(filepath.Join(buildDir, r.DescriptorName()))
}

func (s *SourceEngine) acquire(ctx context.Context, r *Recipe, buildDir string) error {
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return err
	}
	if err := touch(filepath.Join(buildDir, incompleteMarker)); err != nil {
		return err
	}

	checkout := filepath.Join(buildDir, r.CheckoutName())
	descriptor := filepath.Join(checkout, r.DescriptorName())
	needDescriptor := r.Descriptor != "" || r.KindOrDefault() == KindNativeExt || r.KindOrDefault() == KindPython

	if !needDescriptor || !exists(descriptor) {
		if err := os.RemoveAll(checkout); err != nil {
			return err
		}
		if r.IsRepository() {
			if err := s.clone(ctx, r, checkout); err != nil {
				return err
			}
		} else if err := s.download(ctx, r, checkout); err != nil {
			return err
		}
	}

	if needDescriptor && !exists(descriptor) {
		return fmt.Errorf("%s not found in the sources of %s", r.DescriptorName(), r.Name)
	}
	if err := flatten(checkout, buildDir); err != nil {
		return fmt.Errorf("flatten %s: %w", checkout, err)
	}
	return os.WriteFile(filepath.Join(buildDir, sourceStamp), []byte(sourceID(r)+"\n"), 0o644)
}

func (s *SourceEngine) clone(ctx context.Context, r *Recipe, dest string) error {
	args := []string{"clone", "--branch", r.GitRef(), "--single-branch", "--recursive", r.SourceURL(), dest}
	out, err := runLogged(ctx, s.Runner, s.Log, Command{
		Name: s.Git,
		Args: args,
		Dir:  filepath.Dir(dest),
		Env:  append(os.Environ(), "GIT_TERMINAL_PROMPT=0"),
	})
	if err != nil {
		if out = strings.TrimSpace(out); out != "" {
			return fmt.Errorf("git clone %s: %w\n%s", r.SourceURL(), err, out)
		}
		return fmt.Errorf("git clone %s: %w", r.SourceURL(), err)
	}
	return nil
}

func (s *SourceEngine) download(ctx context.Context, r *Recipe, dest string) error {
	u := r.SourceURL()
	if !isArchive(u) {
		return fmt.Errorf("unsupported archive format: %s", u)
	}
	path, err := s.Downloader.Fetch(ctx, u)
	if err != nil {
		return err
	}
	base := filepath.Base(u)
	if err := verifyChecksum(r.Checksums, base, path); err != nil {
		// drop the bad file from the shared cache
		_ = os.Remove(path)
		return err
	}
	if _, ok := r.Checksums[base]; !ok {
		sum, _, _ := hashFile(path)
		s.Log.Debugf("No checksum declared for %s (blake3 %s)\n", base, sum)
	}
	s.Log.Infof("Extracting %s", base)
	return extractArchive(path, dest)
}

// flatten moves the contents of checkout into dir and removes checkout.
// The checkout is renamed aside first so an entry sharing its name can be
// moved up.
func flatten(checkout, dir string) error {
	if filepath.Clean(checkout) == filepath.Clean(dir) {
		return nil
	}
	tmp := filepath.Join(dir, flattenDir)
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	if err := os.Rename(checkout, tmp); err != nil {
		return err
	}
	entries, err := os.ReadDir(tmp)
	if err != nil {
		return err
	}
	for _, e := range entries {
		dst := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(tmp, e.Name()), dst); err != nil {
			return err
		}
	}
	return os.Remove(tmp)
}

// applyPatches applies every patch not yet recorded in the marker file.
func (s *SourceEngine) applyPatches(ctx context.Context, r *Recipe, buildDir string) error {
	if len(r.Patches) == 0 {
		return nil
	}
	applied, err := readPatchMarker(filepath.Join(buildDir, patchMarker))
	if err != nil {
		return err
	}

	for _, p := range r.Patches {
		path := filepath.Join(r.Dir, p)
		sum, _, err := hashFile(path)
		if err != nil {
			return &PatchApplyError{Recipe: r.Name, Patch: p, Err: err}
		}
		if prev, ok := applied[p]; ok {
			if prev != sum {
				return &PatchApplyError{
					Recipe: r.Name,
					Patch:  p,
					Err:    errors.New("patch changed after it was applied, clean the build directory"),
				}
			}
			s.Log.Debugf("Patch %s already applied\n", p)
			continue
		}

		// from here on the directory is modified, keep it marked incomplete
		// until every patch went in
		if err := touch(filepath.Join(buildDir, incompleteMarker)); err != nil {
			return err
		}

		check := Command{Name: s.Patch, Args: []string{"-p1", "-N", "--dry-run", "-i", path}, Dir: buildDir}
		if out, err := runLogged(ctx, s.Runner, s.Log, check); err != nil {
			return &PatchApplyError{Recipe: r.Name, Patch: p, Output: out, Err: err}
		}
		apply := Command{Name: s.Patch, Args: []string{"-p1", "-N", "-i", path}, Dir: buildDir}
		if out, err := runLogged(ctx, s.Runner, s.Log, apply); err != nil {
			return &PatchApplyError{Recipe: r.Name, Patch: p, Output: out, Err: err}
		}
		if err := appendPatchMarker(filepath.Join(buildDir, patchMarker), p, sum); err != nil {
			return err
		}
		applied[p] = sum
	}
	return nil
}

func readPatchMarker(path string) (map[string]string, error) {
	applied := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return applied, nil
		}
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 {
			applied[fields[0]] = fields[1]
		}
	}
	return applied, scanner.Err()
}

func appendPatchMarker(path, name, sum string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%s %s\n", name, sum); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
