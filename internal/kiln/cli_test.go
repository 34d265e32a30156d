package kiln

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestRepo lays out a config file and a recipe repository with
// setuptools and a dependent git recipe.
func writeTestRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	repo := filepath.Join(root, "recipes")

	writeFile(t, filepath.Join(repo, "setuptools", "version"), "41.0.1 1\n")
	writeFile(t, filepath.Join(repo, "setuptools", "sources"), "https://files.example.com/setuptools-41.0.1.zip\n")
	writeFile(t, filepath.Join(repo, "setuptools", "kind"), "python\n")

	writeFile(t, filepath.Join(repo, "grpc", "version"), "1.20.1 1\n")
	writeFile(t, filepath.Join(repo, "grpc", "sources"), "git+https://github.com/grpc/grpc.git#v${VERSION}\n")
	writeFile(t, filepath.Join(repo, "grpc", "depends"), "setuptools\n")

	conf := filepath.Join(root, "kiln.conf")
	writeFile(t, conf, strings.Join([]string{
		"# test configuration",
		"KILN_ROOT=" + filepath.Join(root, "var"),
		"KILN_PATH=" + repo,
		`KILN_NDK="/opt/ndk"`,
		"KILN_JOBS=1",
	}, "\n")+"\n")
	return conf
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand(context.Background(), &out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCLIVersion(t *testing.T) {
	out, err := runCLI(t, "version", "--config", "/nonexistent/kiln.conf")
	require.NoError(t, err)
	assert.Equal(t, "kiln dev\n", out)
}

func TestCLIRecipes(t *testing.T) {
	out, err := runCLI(t, "--config", writeTestRepo(t), "recipes")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Regexp(t, `^grpc\s+1\.20\.1\s+native-ext  <- setuptools$`, lines[0])
	assert.Regexp(t, `^setuptools\s+41\.0\.1\s+python$`, lines[1])
}

func TestCLIPlan(t *testing.T) {
	out, err := runCLI(t, "--config", writeTestRepo(t), "plan", "grpc", "-a", "x86,arm64")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "x86:", lines[0])
	assert.Regexp(t, `^  setuptools\s+41\.0\.1\s+build  [0-9a-f]{12}$`, lines[1])
	assert.Regexp(t, `^  grpc\s+1\.20\.1\s+build  [0-9a-f]{12}$`, lines[2])
	assert.Equal(t, "arm64-v8a:", lines[3])
}

func TestCLIEnv(t *testing.T) {
	out, err := runCLI(t, "--config", writeTestRepo(t), "env", "grpc", "--arch", "x86")
	require.NoError(t, err)
	assert.Contains(t, out, "KILN_ARCH=x86\n")
	assert.Contains(t, out, "NDK=/opt/ndk\n")
	assert.Regexp(t, `(?m)^CC=\S+`, out)
	assert.Regexp(t, `(?m)^# fingerprint [0-9a-f]+$`, out)
}

func TestCLIErrors(t *testing.T) {
	conf := writeTestRepo(t)

	_, err := runCLI(t, "--config", conf, "plan", "grpc", "-a", "mips")
	var ua *UnknownArchError
	assert.ErrorAs(t, err, &ua)

	_, err = runCLI(t, "--config", conf, "plan", "numpy")
	var ur *UnknownRecipeError
	assert.ErrorAs(t, err, &ur)
	assert.Equal(t, 1, ExitCode(err))

	_, err = runCLI(t, "--config", conf, "cache", "remote")
	assert.ErrorContains(t, err, "remote cache is disabled")

	_, err = runCLI(t, "--config", conf, "log", "grpc")
	assert.ErrorContains(t, err, "no build log for grpc")
}

func TestCLICacheList(t *testing.T) {
	out, err := runCLI(t, "--config", writeTestRepo(t), "cache", "list")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512B", humanSize(512))
	assert.Equal(t, "1.5K", humanSize(1536))
	assert.Equal(t, "3.0M", humanSize(3*1024*1024))
}
