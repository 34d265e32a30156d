package kiln

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupArchAliases(t *testing.T) {
	for alias, want := range map[string]string{
		"arm-v7":      "armeabi-v7a",
		"armv7":       "armeabi-v7a",
		"armeabi-v7a": "armeabi-v7a",
		"arm64":       "arm64-v8a",
		"aarch64":     "arm64-v8a",
		"x86":         "x86",
		"amd64":       "x86_64",
	} {
		a, err := LookupArch(alias)
		require.NoError(t, err, alias)
		assert.Equal(t, want, a.Name, alias)
	}

	a := mustArch(t, "arm-v7")
	assert.Equal(t, "arm-linux-androideabi-", a.ToolchainPrefix())
	assert.Equal(t, "armv7a-linux-androideabi", a.ClangTarget)
	assert.Contains(t, a.CFlags.Strings(), "-march=armv7-a")
}

func TestLookupArchUnknown(t *testing.T) {
	_, err := LookupArch("mips")
	var ue *UnknownArchError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "mips", ue.Name)
	assert.Contains(t, err.Error(), "arm64-v8a")
}

func TestLookupArchesDeduplicates(t *testing.T) {
	arches, err := LookupArches([]string{"arm64", "arm-v7", "arm64-v8a"})
	require.NoError(t, err)
	require.Len(t, arches, 2)
	assert.Equal(t, "arm64-v8a", arches[0].Name)
	assert.Equal(t, "armeabi-v7a", arches[1].Name)

	_, err = LookupArches([]string{"x86", "sparc"})
	assert.Error(t, err)
}
