package kiln

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const ndkHostTag = "linux-x86_64"

// EnvBuilder computes the cross build environment of a recipe.
type EnvBuilder struct {
	cfg        *Config
	strategies map[Kind]Strategy

	// HostPath is appended after the toolchain directory in PATH.
	HostPath string
}

func NewEnvBuilder(cfg *Config, strategies map[Kind]Strategy) *EnvBuilder {
	return &EnvBuilder{cfg: cfg, strategies: strategies, HostPath: os.Getenv("PATH")}
}

// ToolchainBin is the NDK directory holding the cross compilers.
func (b *EnvBuilder) ToolchainBin(arch *Arch) string {
	if b.cfg.NDK == "" {
		return ""
	}
	if b.cfg.Compiler == "clang" {
		return filepath.Join(b.cfg.NDK, "toolchains", "llvm", "prebuilt", ndkHostTag, "bin")
	}
	return filepath.Join(b.cfg.NDK, "toolchains", arch.GCCToolchain, "prebuilt", ndkHostTag, "bin")
}

// Sysroot is the target sysroot inside the NDK.
func (b *EnvBuilder) Sysroot(arch *Arch) string {
	if b.cfg.NDK == "" {
		return ""
	}
	if b.cfg.Compiler == "clang" {
		return filepath.Join(b.cfg.NDK, "toolchains", "llvm", "prebuilt", ndkHostTag, "sysroot")
	}
	return filepath.Join(b.cfg.NDK, "platforms", "android-"+strconv.Itoa(b.cfg.APILevel), "arch-"+arch.Platform)
}

// base is the environment every recipe starts from.
func (b *EnvBuilder) base(r *Recipe, arch *Arch) map[string]string {
	api := strconv.Itoa(b.cfg.APILevel)
	prefix := arch.ToolchainPrefix()
	vars := make(map[string]string)

	if b.cfg.Compiler == "clang" {
		driver := arch.ClangTarget + api + "-clang"
		vars["CC"] = driver
		vars["CXX"] = driver + "++"
		vars["AR"] = "llvm-ar"
		vars["RANLIB"] = "llvm-ranlib"
		vars["LD"] = "ld.lld"
		vars["STRIP"] = "llvm-strip"
	} else {
		vars["CC"] = prefix + "gcc"
		vars["CXX"] = prefix + "g++"
		vars["AR"] = prefix + "ar"
		vars["RANLIB"] = prefix + "ranlib"
		vars["LD"] = prefix + "ld"
		vars["STRIP"] = prefix + "strip"
	}

	cflags := Flags{{Name: "-O2"}, {Name: "-fPIC"}}
	cflags = append(cflags, arch.CFlags...)
	var ldflags Flags
	if sysroot := b.Sysroot(arch); sysroot != "" {
		cflags = append(cflags, Flag{Name: "--sysroot=", Value: sysroot})
		ldflags = append(ldflags, Flag{Name: "--sysroot=", Value: sysroot})
	}
	cflags = append(cflags, Define("__ANDROID_API__="+api))
	vars["CFLAGS"] = cflags.String()
	vars["CXXFLAGS"] = cflags.String()
	vars["LDFLAGS"] = ldflags.String()

	path := b.HostPath
	if bin := b.ToolchainBin(arch); bin != "" {
		path = bin + string(filepath.ListSeparator) + path
	}
	vars["PATH"] = strings.TrimSuffix(path, string(filepath.ListSeparator))

	vars["KILN_ARCH"] = arch.Name
	vars["KILN_TRIPLE"] = arch.Triple
	vars["KILN_BUILD_DIR"] = b.cfg.BuildDir(arch.Name, r.Name)
	vars["NDK"] = b.cfg.NDK
	vars["ANDROID_API"] = api
	vars["MAKEFLAGS"] = "-j" + strconv.Itoa(b.cfg.Jobs)
	return vars
}

// BuildEnv returns the environment r is built with on arch: the base
// toolchain variables, then the strategy's additions, then the recipe's
// declarations in order, then wrapped symbols and system libraries.
func (b *EnvBuilder) BuildEnv(r *Recipe, arch *Arch) (Environment, error) {
	vars := b.base(r, arch)
	if s, ok := b.strategies[r.KindOrDefault()]; ok {
		s.ConfigureEnv(vars, r, arch)
	}

	placeholders := map[string]string{
		"BUILD_DIR": vars["KILN_BUILD_DIR"],
		"ARCH":      arch.Name,
		"TRIPLE":    arch.Triple,
		"NDK":       b.cfg.NDK,
		"API":       strconv.Itoa(b.cfg.APILevel),
		"VERSION":   r.Version,
	}
	expand := func(s string) string {
		return expandPlaceholders(s, placeholders, vars)
	}

	for _, spec := range r.Env.Vars {
		parts := make([]string, 0, len(spec.Flags)+1)
		for _, f := range spec.Flags {
			parts = append(parts, expand(f.String()))
		}
		if spec.Value != "" {
			parts = append(parts, expand(spec.Value))
		}
		value := strings.Join(parts, " ")

		switch spec.Mode {
		case ModeOverride:
			vars[spec.Name] = value
		case ModeAppend, "":
			vars[spec.Name] = joinTokens(vars[spec.Name], value)
		default:
			return Environment{}, fmt.Errorf("%s: env %s: unknown mode %q", r.Name, spec.Name, spec.Mode)
		}
	}

	linkVar := r.Env.LinkVar
	if linkVar == "" {
		linkVar = "LDFLAGS"
	}
	var link Flags
	for _, sym := range r.Env.Wrap {
		link = append(link, WrapSymbol(sym))
	}
	for _, lib := range r.Env.SystemLibs {
		link = append(link, Lib(lib))
	}
	if len(link) > 0 {
		vars[linkVar] = joinTokens(vars[linkVar], link.String())
	}

	return NewEnvironment(vars), nil
}

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandPlaceholders replaces ${NAME} with a placeholder or, failing that,
// a variable computed so far. Unknown names stay as written.
func expandPlaceholders(s string, placeholders, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := placeholders[name]; ok {
			return v
		}
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

func joinTokens(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + " " + b
}
