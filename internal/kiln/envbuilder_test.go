package kiln

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnvBuilder(cfg *Config) *EnvBuilder {
	b := NewEnvBuilder(cfg, NewBuildExecutor(cfg, &fakeRunner{}, nil).Strategies())
	b.HostPath = "/usr/bin:/bin"
	return b
}

func TestBuildEnvGCCBase(t *testing.T) {
	cfg := newTestConfig(t)
	b := newTestEnvBuilder(cfg)
	arch := mustArch(t, "arm-v7")

	env, err := b.BuildEnv(repoRecipe("six"), arch)
	require.NoError(t, err)

	assert.Equal(t, "arm-linux-androideabi-gcc", env.Get("CC"))
	assert.Equal(t, "arm-linux-androideabi-g++", env.Get("CXX"))
	assert.Equal(t, "arm-linux-androideabi-strip", env.Get("STRIP"))
	assert.Equal(t, "arm-linux-androideabi-gcc -shared", env.Get("LDSHARED"))
	assert.Equal(t,
		"-O2 -fPIC -march=armv7-a -mfloat-abi=softfp -mfpu=vfp -mthumb --sysroot=/opt/ndk/platforms/android-21/arch-arm -D__ANDROID_API__=21",
		env.Get("CFLAGS"))
	assert.Equal(t, "--sysroot=/opt/ndk/platforms/android-21/arch-arm", env.Get("LDFLAGS"))
	assert.Equal(t, "/opt/ndk/toolchains/arm-linux-androideabi-4.9/prebuilt/linux-x86_64/bin:/usr/bin:/bin", env.Get("PATH"))
	assert.Equal(t, cfg.BuildDir("armeabi-v7a", "six"), env.Get("KILN_BUILD_DIR"))
	assert.Equal(t, "-j2", env.Get("MAKEFLAGS"))
}

func TestBuildEnvClang(t *testing.T) {
	cfg := newTestConfig(t, "KILN_COMPILER=clang", "KILN_API=24")
	b := newTestEnvBuilder(cfg)

	env, err := b.BuildEnv(repoRecipe("six"), mustArch(t, "arm64"))
	require.NoError(t, err)
	assert.Equal(t, "aarch64-linux-android24-clang", env.Get("CC"))
	assert.Equal(t, "aarch64-linux-android24-clang++", env.Get("CXX"))
	assert.Equal(t, "llvm-strip", env.Get("STRIP"))
	assert.Contains(t, env.Get("CFLAGS"), "--sysroot=/opt/ndk/toolchains/llvm/prebuilt/linux-x86_64/sysroot")
	assert.True(t, strings.HasPrefix(env.Get("PATH"), "/opt/ndk/toolchains/llvm/prebuilt/linux-x86_64/bin:"))
}

func TestBuildEnvOverrideDropsInheritedFlags(t *testing.T) {
	cfg := newTestConfig(t)
	b := newTestEnvBuilder(cfg)
	arch := mustArch(t, "x86")

	r := repoRecipe("grpc")
	r.Env = EnvSpec{
		Vars: []VarSpec{
			{Name: "CFLAGS", Mode: ModeOverride, Flags: Flags{Include("${BUILD_DIR}/include"), Define("ARCH=${ARCH}")}},
			{Name: "CXXFLAGS", Mode: ModeAppend, Flags: ParseFlags("-std=c++11 -fno-rtti")},
			{Name: "GRPC_PYTHON_BUILD_WITH_CYTHON", Value: "1"},
			{Name: "LDSHARED", Mode: ModeOverride, Value: "${CC} -shared -L${NDK}/lib"},
			{Name: "EXTRA", Value: "${NOT_DEFINED}"},
		},
		Wrap:       []string{"memcpy"},
		SystemLibs: []string{"log", "m"},
	}

	env, err := b.BuildEnv(r, arch)
	require.NoError(t, err)

	buildDir := cfg.BuildDir("x86", "grpc")
	assert.Equal(t, "-I"+buildDir+"/include -DARCH=x86", env.Get("CFLAGS"))
	for _, inherited := range arch.CFlags.Strings() {
		assert.NotContains(t, strings.Fields(env.Get("CFLAGS")), inherited)
	}
	cxx := strings.Fields(env.Get("CXXFLAGS"))
	assert.Equal(t, []string{"-std=c++11", "-fno-rtti"}, cxx[len(cxx)-2:])
	assert.Contains(t, cxx, "-march=i686")

	assert.Equal(t, "1", env.Get("GRPC_PYTHON_BUILD_WITH_CYTHON"))
	assert.Equal(t, "i686-linux-android-gcc -shared -L/opt/ndk/lib", env.Get("LDSHARED"))
	assert.Equal(t, "${NOT_DEFINED}", env.Get("EXTRA"))
	assert.True(t, strings.HasSuffix(env.Get("LDFLAGS"), " -Wl,-wrap,memcpy -llog -lm"), env.Get("LDFLAGS"))
}

func TestBuildEnvLinkVar(t *testing.T) {
	b := newTestEnvBuilder(newTestConfig(t))
	r := repoRecipe("grpc")
	r.Env = EnvSpec{LinkVar: "GRPC_LIBS", SystemLibs: []string{"dl"}}

	env, err := b.BuildEnv(r, mustArch(t, "x86_64"))
	require.NoError(t, err)
	assert.Equal(t, "-ldl", env.Get("GRPC_LIBS"))
	assert.NotContains(t, env.Get("LDFLAGS"), "-ldl")
}

func TestBuildEnvFingerprint(t *testing.T) {
	cfg := newTestConfig(t)
	b := newTestEnvBuilder(cfg)
	arch := mustArch(t, "arm-v7")
	r := repoRecipe("grpc")

	first, err := b.BuildEnv(r, arch)
	require.NoError(t, err)
	b.HostPath = "/home/dev/bin:/usr/bin"
	second, err := b.BuildEnv(r, arch)
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint(), second.Fingerprint(), "host PATH changes keep artifacts valid")

	r.Env.Vars = []VarSpec{{Name: "CFLAGS", Value: "-DNDEBUG"}}
	third, err := b.BuildEnv(r, arch)
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint(), third.Fingerprint())

	other, err := b.BuildEnv(repoRecipe("grpc"), mustArch(t, "arm64"))
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint(), other.Fingerprint())
}

func TestBuildEnvScriptVersion(t *testing.T) {
	b := newTestEnvBuilder(newTestConfig(t))
	r := repoRecipe("tool")
	r.Kind = KindScript
	env, err := b.BuildEnv(r, mustArch(t, "x86"))
	require.NoError(t, err)
	assert.Equal(t, "1.0", env.Get("KILN_VERSION"))
	_, ok := env.Lookup("LDSHARED")
	assert.False(t, ok)
}
