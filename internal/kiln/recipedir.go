package kiln

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// recipeFile is the optional recipe.toml of a recipe directory.
type recipeFile struct {
	Descriptor   string   `toml:"descriptor"`
	CheckoutDir  string   `toml:"checkout_dir"`
	CythonRoots  []string `toml:"cython_roots"`
	SitePackages string   `toml:"site_packages"`
	OutputGlob   string   `toml:"output_glob"`
	Env          envFile  `toml:"env"`
}

type envFile struct {
	LinkVar    string    `toml:"link_var"`
	Wrap       []string  `toml:"wrap"`
	SystemLibs []string  `toml:"system_libs"`
	Vars       []varFile `toml:"var"`
}

type varFile struct {
	Name  string   `toml:"name"`
	Mode  string   `toml:"mode"`
	Flags []string `toml:"flags"`
	Value string   `toml:"value"`
}

// LoadRecipeDir reads the recipe stored in dir. The directory name is the
// recipe name.
func LoadRecipeDir(dir string) (*Recipe, error) {
	name := filepath.Base(dir)
	r := &Recipe{Name: name, Dir: dir}

	data, err := os.ReadFile(filepath.Join(dir, "version"))
	if err != nil {
		return nil, fmt.Errorf("could not read version file for %s: %w", name, err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return nil, &InvalidRecipeError{Name: name, Reason: "empty version file"}
	}
	r.Version = fields[0]

	sources, err := readLines(filepath.Join(dir, "sources"))
	if err != nil {
		return nil, fmt.Errorf("could not read sources file for %s: %w", name, err)
	}
	switch len(sources) {
	case 0:
		return nil, &InvalidRecipeError{Name: name, Reason: "sources file is empty"}
	case 1:
	default:
		return nil, &InvalidRecipeError{Name: name, Reason: "sources file lists more than one locator"}
	}
	if loc, ok := strings.CutPrefix(sources[0], "git+"); ok {
		loc, ref, _ := strings.Cut(loc, "#")
		r.RepoURL = loc
		r.Ref = ref
	} else {
		r.ArchiveURL = sources[0]
	}

	if r.Depends, err = readLines(filepath.Join(dir, "depends")); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read depends file: %w", err)
	}
	for i, d := range r.Depends {
		// only the name matters, anything after it is annotation
		r.Depends[i] = strings.Fields(d)[0]
	}

	if kind, err := readLines(filepath.Join(dir, "kind")); err == nil && len(kind) > 0 {
		r.Kind = Kind(kind[0])
	} else if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if r.Patches, err = listPatches(dir); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	if r.Checksums, err = readChecksums(filepath.Join(dir, "checksums")); err != nil {
		return nil, err
	}

	if err := applyRecipeFile(r, filepath.Join(dir, "recipe.toml")); err != nil {
		return nil, err
	}

	if r.KindOrDefault() == KindScript {
		info, err := os.Stat(filepath.Join(dir, "build"))
		if err != nil || info.Mode()&0o111 == 0 {
			return nil, &InvalidRecipeError{Name: name, Reason: "kind script needs an executable build file"}
		}
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func applyRecipeFile(r *Recipe, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var rf recipeFile
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&rf); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	r.Descriptor = rf.Descriptor
	r.CheckoutDir = rf.CheckoutDir
	r.CythonRoots = rf.CythonRoots
	r.SitePackages = rf.SitePackages
	r.OutputGlob = rf.OutputGlob
	r.Env = EnvSpec{
		LinkVar:    rf.Env.LinkVar,
		Wrap:       rf.Env.Wrap,
		SystemLibs: rf.Env.SystemLibs,
	}
	for _, v := range rf.Env.Vars {
		spec := VarSpec{Name: v.Name, Mode: VarMode(v.Mode), Value: v.Value}
		for _, f := range v.Flags {
			spec.Flags = append(spec.Flags, ParseFlag(f))
		}
		r.Env.Vars = append(r.Env.Vars, spec)
	}
	return nil
}

// listPatches returns recipe relative patch paths in apply order: the
// order of patches/series when present, otherwise sorted by name.
func listPatches(dir string) ([]string, error) {
	patchDir := filepath.Join(dir, "patches")
	series, err := readLines(filepath.Join(patchDir, "series"))
	if err == nil {
		out := make([]string, 0, len(series))
		for _, p := range series {
			if _, err := os.Stat(filepath.Join(patchDir, p)); err != nil {
				return nil, fmt.Errorf("patch %s listed in series: %w", p, err)
			}
			out = append(out, filepath.Join("patches", p))
		}
		return out, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	entries, err := os.ReadDir(patchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		out = append(out, filepath.Join("patches", e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// LoadRepos registers every recipe found under paths. Recipes inside one
// repository register in name order. A name found in an earlier path
// shadows later ones.
func LoadRepos(reg *Registry, paths []string, log *Logger) error {
	for _, repo := range paths {
		entries, err := os.ReadDir(repo)
		if err != nil {
			if os.IsNotExist(err) {
				log.Warnf("Recipe path %s does not exist", repo)
				continue
			}
			return err
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(repo, e.Name())
			if _, err := os.Stat(filepath.Join(dir, "version")); err != nil {
				continue
			}
			if _, err := reg.Lookup(e.Name()); err == nil {
				log.Debugf("%s in %s is shadowed by an earlier recipe path\n", e.Name(), repo)
				continue
			}
			r, err := LoadRecipeDir(dir)
			if err != nil {
				return err
			}
			if err := reg.Register(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// readLines returns the non-empty lines of a file with '#' comments removed.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}
		// trailing comments need leading whitespace, URLs may carry #ref
		if i := strings.IndexAny(line, " \t"); i >= 0 {
			if j := strings.Index(line[i:], "#"); j >= 0 {
				line = line[:i+j]
			}
		}
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out, scanner.Err()
}
