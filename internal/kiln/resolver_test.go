package kiln

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planNames(steps []Step) []string {
	var out []string
	for _, s := range steps {
		out = append(out, s.Recipe.Name)
	}
	return out
}

func TestResolveOrder(t *testing.T) {
	// registration order deliberately differs from dependency order
	reg := registryOf(t,
		repoRecipe("app", "grpc", "six"),
		repoRecipe("grpc", "setuptools", "cython"),
		repoRecipe("six"),
		repoRecipe("cython", "setuptools"),
		repoRecipe("setuptools"),
		repoRecipe("unrelated"),
	)
	arch := mustArch(t, "arm-v7")

	steps, err := NewResolver(reg).Resolve([]string{"app"}, arch)
	require.NoError(t, err)
	want := []string{"six", "setuptools", "cython", "grpc", "app"}
	if diff := cmp.Diff(want, planNames(steps)); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
	for _, s := range steps {
		assert.Same(t, arch, s.Arch)
	}
	assert.Equal(t, "armeabi-v7a/app", steps[len(steps)-1].ID())
	assert.Equal(t, []string{"grpc", "six"}, steps[len(steps)-1].Deps)
}

func TestResolveIsStable(t *testing.T) {
	reg := registryOf(t, repoRecipe("a"), repoRecipe("b"), repoRecipe("c", "a", "b"))
	arch := mustArch(t, "x86")
	first, err := NewResolver(reg).Resolve([]string{"c"}, arch)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := NewResolver(reg).Resolve([]string{"b", "c"}, arch)
		require.NoError(t, err)
		assert.Equal(t, planNames(first), planNames(again))
	}
}

func TestResolveSharedDependencyOnce(t *testing.T) {
	reg := registryOf(t, repoRecipe("d"), repoRecipe("b", "d"), repoRecipe("c", "d"), repoRecipe("a", "b", "c"))
	steps, err := NewResolver(reg).Resolve([]string{"a", "c"}, mustArch(t, "arm64"))
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "b", "c", "a"}, planNames(steps))
}

func TestResolveCycle(t *testing.T) {
	reg := registryOf(t, repoRecipe("a", "b"), repoRecipe("b", "c"), repoRecipe("c", "a"))
	_, err := NewResolver(reg).Resolve([]string{"a"}, mustArch(t, "x86"))
	var ce *CyclicDependencyError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"a", "b", "c", "a"}, ce.Cycle)
	assert.Equal(t, "dependency cycle: a -> b -> c -> a", err.Error())
}

func TestResolveUnknown(t *testing.T) {
	reg := registryOf(t, repoRecipe("grpc", "openssl"))
	_, err := NewResolver(reg).Resolve([]string{"grpc"}, mustArch(t, "x86"))
	var ue *UnknownRecipeError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "openssl", ue.Name)
	assert.Equal(t, "grpc", ue.RequiredBy)

	_, err = NewResolver(reg).Resolve([]string{"nope"}, mustArch(t, "x86"))
	require.True(t, errors.As(err, &ue))
	assert.Empty(t, ue.RequiredBy)
}
