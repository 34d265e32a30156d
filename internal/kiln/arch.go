package kiln

import "sort"

// Arch is a target ABI. Values from LookupArch are shared, callers must not
// modify them.
type Arch struct {
	Name        string
	Triple      string
	ClangTarget string

	// GCCToolchain is the NDK toolchains/ entry of the gcc cross compiler.
	GCCToolchain string

	// Platform is the arch-<x> directory below an NDK platform.
	Platform string

	CFlags Flags
}

// ToolchainPrefix is the prefix of the binutils and gcc drivers.
func (a *Arch) ToolchainPrefix() string { return a.Triple + "-" }

func (a *Arch) String() string { return a.Name }

var archTable = map[string]*Arch{
	"armeabi-v7a": {
		Name:         "armeabi-v7a",
		Triple:       "arm-linux-androideabi",
		ClangTarget:  "armv7a-linux-androideabi",
		GCCToolchain: "arm-linux-androideabi-4.9",
		Platform:     "arm",
		CFlags: Flags{
			{Name: "-march=armv7-a"},
			{Name: "-mfloat-abi=softfp"},
			{Name: "-mfpu=vfp"},
			{Name: "-mthumb"},
		},
	},
	"arm64-v8a": {
		Name:         "arm64-v8a",
		Triple:       "aarch64-linux-android",
		ClangTarget:  "aarch64-linux-android",
		GCCToolchain: "aarch64-linux-android-4.9",
		Platform:     "arm64",
		CFlags:       Flags{{Name: "-march=armv8-a"}},
	},
	"x86": {
		Name:         "x86",
		Triple:       "i686-linux-android",
		ClangTarget:  "i686-linux-android",
		GCCToolchain: "x86-4.9",
		Platform:     "x86",
		CFlags: Flags{
			{Name: "-march=i686"},
			{Name: "-mtune=intel"},
			{Name: "-mssse3"},
			{Name: "-mfpmath=sse"},
			{Name: "-m32"},
		},
	},
	"x86_64": {
		Name:         "x86_64",
		Triple:       "x86_64-linux-android",
		ClangTarget:  "x86_64-linux-android",
		GCCToolchain: "x86_64-4.9",
		Platform:     "x86_64",
		CFlags: Flags{
			{Name: "-march=x86-64"},
			{Name: "-msse4.2"},
			{Name: "-mpopcnt"},
			{Name: "-m64"},
			{Name: "-mtune=intel"},
		},
	},
}

var archAliases = map[string]string{
	"arm-v7":  "armeabi-v7a",
	"armv7":   "armeabi-v7a",
	"armv7a":  "armeabi-v7a",
	"arm64":   "arm64-v8a",
	"aarch64": "arm64-v8a",
	"i686":    "x86",
	"amd64":   "x86_64",
}

// LookupArch resolves an ABI name or alias.
func LookupArch(name string) (*Arch, error) {
	if canonical, ok := archAliases[name]; ok {
		name = canonical
	}
	a, ok := archTable[name]
	if !ok {
		return nil, &UnknownArchError{Name: name}
	}
	return a, nil
}

// LookupArches resolves every name, failing on the first unknown one.
// Duplicates (including alias and canonical name) collapse.
func LookupArches(names []string) ([]*Arch, error) {
	var out []*Arch
	seen := make(map[string]bool)
	for _, n := range names {
		a, err := LookupArch(n)
		if err != nil {
			return nil, err
		}
		if seen[a.Name] {
			continue
		}
		seen[a.Name] = true
		out = append(out, a)
	}
	return out, nil
}

// ArchNames lists the canonical ABI names.
func ArchNames() []string {
	names := make([]string, 0, len(archTable))
	for n := range archTable {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
