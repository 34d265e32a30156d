package kiln

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommonTopDir(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{[]string{"pkg-1.0/", "pkg-1.0/setup.py", "pkg-1.0/src/a.c"}, "pkg-1.0/"},
		{[]string{"./pkg/setup.py", "./pkg/README"}, "pkg/"},
		{[]string{"pkg/setup.py", "other/README"}, ""},
		{[]string{"pkg/setup.py", "README"}, ""},
		{nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, commonTopDir(tt.names), "%v", tt.names)
	}
}

func TestIsArchive(t *testing.T) {
	for _, name := range []string{"a.tar.gz", "a.tgz", "a.tar.xz", "a.tar.zst", "a.tar.bz2", "a.tar", "a.zip"} {
		assert.True(t, isArchive(name), name)
	}
	assert.False(t, isArchive("https://github.com/grpc/grpc.git"))
	assert.False(t, isArchive("a.rar"))
}

func TestExtractTarZstKeepsRootFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "src.tar.zst")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw, err := zstd.NewWriter(f)
	require.NoError(t, err)
	tw := tar.NewWriter(zw)
	for name, body := range map[string]string{"setup.py": "#", "lib/a.py": "a"} {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	dest := filepath.Join(dir, "out")
	require.NoError(t, extractArchive(path, dest))
	assert.FileExists(t, filepath.Join(dest, "setup.py"))
	assert.FileExists(t, filepath.Join(dest, "lib", "a.py"))
}

func TestExtractTarGzStripsTopDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pkg-1.0.tar.gz")
	writeTarGz(t, path, "pkg-1.0", map[string]string{"setup.py": "# setup", "pkg/mod.py": "x = 1"})

	dest := filepath.Join(dir, "out")
	require.NoError(t, extractArchive(path, dest))
	data, err := os.ReadFile(filepath.Join(dest, "pkg", "mod.py"))
	require.NoError(t, err)
	assert.Equal(t, "x = 1", string(data))
	assert.NoDirExists(t, filepath.Join(dest, "pkg-1.0"))
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "setuptools-41.0.1.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range map[string]string{"setuptools-41.0.1/setup.py": "#", "setuptools-41.0.1/setuptools/__init__.py": ""} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	dest := filepath.Join(dir, "out")
	require.NoError(t, extractArchive(path, dest))
	assert.FileExists(t, filepath.Join(dest, "setup.py"))
	assert.FileExists(t, filepath.Join(dest, "setuptools", "__init__.py"))
}

func TestExtractRejectsEscapingPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evil.tar.gz")
	writeTarGz(t, path, "pkg", map[string]string{"../../escape": "x"})

	err := extractArchive(path, filepath.Join(dir, "out"))
	require.ErrorContains(t, err, "illegal file path")
	assert.NoFileExists(t, filepath.Join(dir, "escape"))
}

func TestPackUnpackArtifact(t *testing.T) {
	dir := t.TempDir()
	stage := filepath.Join(dir, "stage")
	writeFile(t, filepath.Join(stage, "site-packages", "grpc", "__init__.py"), "")
	writeFile(t, filepath.Join(stage, "site-packages", "grpc", "_cython", "cygrpc.so"), "\x7fELF")
	require.NoError(t, os.Symlink("cygrpc.so", filepath.Join(stage, "site-packages", "grpc", "_cython", "cygrpc.so.1")))

	archive := filepath.Join(dir, artifactFile)
	files, err := packArtifact(stage, archive)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"site-packages/grpc/__init__.py",
		"site-packages/grpc/_cython/cygrpc.so",
		"site-packages/grpc/_cython/cygrpc.so.1",
	}, files)

	out := filepath.Join(dir, "out")
	require.NoError(t, unpackArtifact(archive, out))
	data, err := os.ReadFile(filepath.Join(out, "site-packages", "grpc", "_cython", "cygrpc.so"))
	require.NoError(t, err)
	assert.Equal(t, "\x7fELF", string(data))
	target, err := os.Readlink(filepath.Join(out, "site-packages", "grpc", "_cython", "cygrpc.so.1"))
	require.NoError(t, err)
	assert.Equal(t, "cygrpc.so", target)
}
