package kiln

import (
	"context"
	"io/fs"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// stripObjects strips every *.o and *.so below dir in place. Individual
// failures are logged as warnings and never fail the build.
func stripObjects(ctx context.Context, r Runner, log *Logger, strip, dir string, env []string) error {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && (strings.HasSuffix(path, ".o") || strings.HasSuffix(path, ".so")) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		log.Debugf("-> No objects to strip in %s\n", dir)
		return nil
	}
	log.Infof("Stripping %d object(s) in parallel", len(paths))

	maxConcurrency := runtime.GOMAXPROCS(0) * 4
	if maxConcurrency < 8 {
		maxConcurrency = 8
	}
	concurrencyLimit := make(chan struct{}, maxConcurrency)

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failedFiles []string

	for _, p := range paths {
		wg.Add(1)
		concurrencyLimit <- struct{}{}
		go func(p string) {
			defer wg.Done()
			defer func() { <-concurrencyLimit }()

			log.Debugf("  -> Stripping %s\n", p)
			out, err := runLogged(ctx, r, log, Command{Name: strip, Args: []string{p}, Dir: dir, Env: env})
			if err != nil {
				log.Warnf("failed to strip %s: %v %s", p, err, strings.TrimSpace(out))
				failedMu.Lock()
				failedFiles = append(failedFiles, p)
				failedMu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	if len(failedFiles) > 0 {
		log.Warnf("%d file(s) could not be stripped, continuing", len(failedFiles))
	}
	return ctx.Err()
}
