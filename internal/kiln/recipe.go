package kiln

import (
	"fmt"
	"slices"
	"strings"
)

// Kind selects the build strategy of a recipe.
type Kind string

const (
	KindNativeExt Kind = "native-ext" // python build system, cython generated extensions
	KindPython    Kind = "python"
	KindPrebuilt  Kind = "prebuilt"
	KindScript    Kind = "script" // the recipe's own build script
)

// VarMode decides what happens to the inherited value of a variable.
type VarMode string

const (
	ModeOverride VarMode = "override"
	ModeAppend   VarMode = "append"
)

// VarSpec declares the recipe's value for one variable. Flags and Value are
// joined, flags first.
type VarSpec struct {
	Name  string
	Mode  VarMode
	Flags Flags
	Value string
}

// EnvSpec is the recipe's environment declaration. Vars apply in order,
// then Wrap and SystemLibs are appended to LinkVar.
type EnvSpec struct {
	Vars       []VarSpec
	Wrap       []string
	SystemLibs []string
	LinkVar    string
}

// Recipe describes how to obtain and build one library.
type Recipe struct {
	Name    string
	Version string

	// Exactly one of RepoURL and ArchiveURL is set. ${VERSION} is expanded.
	RepoURL    string
	ArchiveURL string

	// Ref is the git ref to clone, Version when empty.
	Ref string

	Depends []string
	Kind    Kind
	Patches []string

	Descriptor   string
	CheckoutDir  string
	CythonRoots  []string
	SitePackages string
	OutputGlob   string

	Env EnvSpec

	Dir       string
	Checksums map[string]string
}

// Validate rejects malformed declarations.
func (r *Recipe) Validate() error {
	if r.Name == "" {
		return &InvalidRecipeError{Name: r.Name, Reason: "empty name"}
	}
	if strings.ContainsAny(r.Name, "/ \t") {
		return &InvalidRecipeError{Name: r.Name, Reason: "name must not contain slashes or spaces"}
	}
	if r.Version == "" {
		return &InvalidRecipeError{Name: r.Name, Reason: "empty version"}
	}
	switch {
	case r.RepoURL == "" && r.ArchiveURL == "":
		return &InvalidRecipeError{Name: r.Name, Reason: "no source locator"}
	case r.RepoURL != "" && r.ArchiveURL != "":
		return &InvalidRecipeError{Name: r.Name, Reason: "both repository and archive locators set"}
	}
	if slices.Contains(r.Depends, r.Name) {
		return &InvalidRecipeError{Name: r.Name, Reason: "depends on itself"}
	}
	switch r.KindOrDefault() {
	case KindNativeExt, KindPython, KindPrebuilt, KindScript:
	default:
		return &InvalidRecipeError{Name: r.Name, Reason: fmt.Sprintf("unknown kind %q", r.Kind)}
	}
	for _, v := range r.Env.Vars {
		if v.Name == "" {
			return &InvalidRecipeError{Name: r.Name, Reason: "env var without name"}
		}
		switch v.Mode {
		case "", ModeOverride, ModeAppend:
		default:
			return &InvalidRecipeError{Name: r.Name, Reason: fmt.Sprintf("env %s: unknown mode %q", v.Name, v.Mode)}
		}
	}
	return nil
}

// KindOrDefault returns Kind, native-ext when unset.
func (r *Recipe) KindOrDefault() Kind {
	if r.Kind == "" {
		return KindNativeExt
	}
	return r.Kind
}

// IsRepository reports whether sources come from a git clone.
func (r *Recipe) IsRepository() bool { return r.RepoURL != "" }

// SourceURL is the locator with ${VERSION} expanded.
func (r *Recipe) SourceURL() string {
	u := r.ArchiveURL
	if r.RepoURL != "" {
		u = r.RepoURL
	}
	return r.expand(u)
}

// GitRef is the branch or tag passed to git clone.
func (r *Recipe) GitRef() string {
	if r.Ref != "" {
		return r.expand(r.Ref)
	}
	return r.Version
}

// DescriptorName is the file whose presence marks a usable checkout.
func (r *Recipe) DescriptorName() string {
	if r.Descriptor != "" {
		return r.Descriptor
	}
	return "setup.py"
}

// CheckoutName is the directory a clone or extraction lands in.
func (r *Recipe) CheckoutName() string {
	if r.CheckoutDir != "" {
		return r.CheckoutDir
	}
	return r.Name
}

// OutputPattern is the glob, relative to the build directory, matching the
// build output.
func (r *Recipe) OutputPattern() string {
	if r.OutputGlob != "" {
		return r.OutputGlob
	}
	if r.KindOrDefault() == KindPrebuilt {
		return "."
	}
	return "build/lib*"
}

func (r *Recipe) expand(s string) string {
	return strings.ReplaceAll(s, "${VERSION}", r.Version)
}
