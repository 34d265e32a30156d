package kiln

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(recipe string) Key {
	return Key{Recipe: recipe, Version: "1.0", Arch: "armeabi-v7a", EnvFingerprint: hashString("env")}
}

func stageTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		writeFile(t, filepath.Join(dir, name), body)
	}
	return dir
}

func TestKeyDigest(t *testing.T) {
	base := testKey("grpc")
	assert.Equal(t, base.Digest(), testKey("grpc").Digest())
	assert.Len(t, base.Digest(), 64)

	for _, changed := range []Key{
		{Recipe: "grpcio", Version: "1.0", Arch: "armeabi-v7a", EnvFingerprint: base.EnvFingerprint},
		{Recipe: "grpc", Version: "1.1", Arch: "armeabi-v7a", EnvFingerprint: base.EnvFingerprint},
		{Recipe: "grpc", Version: "1.0", Arch: "arm64-v8a", EnvFingerprint: base.EnvFingerprint},
		{Recipe: "grpc", Version: "1.0", Arch: "armeabi-v7a", EnvFingerprint: hashString("other")},
	} {
		assert.NotEqual(t, base.Digest(), changed.Digest(), "%+v", changed)
	}
}

func TestCachePutGet(t *testing.T) {
	c := NewArtifactCache(t.TempDir(), nil, testLogger())
	k := testKey("grpc")
	ctx := context.Background()

	_, err := c.Get(ctx, k)
	require.ErrorIs(t, err, ErrCacheMiss)
	assert.False(t, c.Has(k))

	stage := stageTree(t, map[string]string{"site-packages/grpc/__init__.py": "", "site-packages/grpc/cygrpc.so": "so"})
	put, err := c.Put(ctx, k, stage)
	require.NoError(t, err)
	assert.Equal(t, k.Digest(), put.Digest)
	assert.NotEmpty(t, put.BuildID)
	assert.True(t, c.Has(k))

	got, err := c.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, put.Checksum, got.Checksum)
	assert.Equal(t, put.BuildID, got.BuildID)
	assert.Equal(t, []string{"site-packages/grpc/__init__.py", "site-packages/grpc/cygrpc.so"}, got.Files)

	out := t.TempDir()
	require.NoError(t, got.Extract(out))
	assert.FileExists(t, filepath.Join(out, "site-packages", "grpc", "cygrpc.so"))

	other := k
	other.EnvFingerprint = hashString("changed flags")
	_, err = c.Get(ctx, other)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestCacheCorruption(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		corrupt func(t *testing.T, dir string)
	}{
		{"truncated archive", func(t *testing.T, dir string) {
			require.NoError(t, os.Truncate(filepath.Join(dir, artifactFile), 10))
		}},
		{"missing metadata", func(t *testing.T, dir string) {
			require.NoError(t, os.Remove(filepath.Join(dir, metadataFile)))
		}},
		{"garbage metadata", func(t *testing.T, dir string) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, metadataFile), []byte("{"), 0o644))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewArtifactCache(t.TempDir(), nil, testLogger())
			k := testKey("grpc")
			_, err := c.Put(ctx, k, stageTree(t, map[string]string{"a.so": "x"}))
			require.NoError(t, err)

			tt.corrupt(t, c.entryDir(k))
			_, err = c.Get(ctx, k)
			var ce *CacheCorruptionError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, k, ce.Key)

			require.NoError(t, c.Remove(k))
			_, err = c.Get(ctx, k)
			assert.ErrorIs(t, err, ErrCacheMiss)
		})
	}
}

func TestCacheConcurrentPut(t *testing.T) {
	c := NewArtifactCache(t.TempDir(), nil, testLogger())
	k := testKey("grpc")
	stage := stageTree(t, map[string]string{"a.so": "x"})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Put(context.Background(), k, stage)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	_, err := c.Get(context.Background(), k)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Dir(c.entryDir(k)))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "staging directories are cleaned up")
	}
}

func TestCachePutCancelledPublishesNothing(t *testing.T) {
	c := NewArtifactCache(t.TempDir(), nil, testLogger())
	k := testKey("grpc")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Put(ctx, k, stageTree(t, map[string]string{"a.so": "x"}))
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, c.Has(k))
}

func TestCacheListAndClean(t *testing.T) {
	c := NewArtifactCache(t.TempDir(), nil, testLogger())
	ctx := context.Background()
	for _, name := range []string{"six", "grpc"} {
		_, err := c.Put(ctx, testKey(name), stageTree(t, map[string]string{"a.py": name}))
		require.NoError(t, err)
	}

	entries, err := c.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "grpc", entries[0].Key.Recipe)
	assert.Equal(t, "six", entries[1].Key.Recipe)

	n, err := c.Clean(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = c.Clean(0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	entries, err = c.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// memRemote is an in-memory RemoteStore.
type memRemote struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemRemote() *memRemote { return &memRemote{objects: make(map[string][]byte)} }

func (m *memRemote) DownloadToFile(ctx context.Context, key, path string) error {
	m.mu.Lock()
	data, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return ErrCacheMiss
	}
	return os.WriteFile(path, data, 0o644)
}

func (m *memRemote) UploadLocalFile(ctx context.Context, key, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return nil
}

func TestCacheRemoteTier(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	k := testKey("grpc")

	producer := NewArtifactCache(t.TempDir(), remote, testLogger())
	put, err := producer.Put(ctx, k, stageTree(t, map[string]string{"a.so": "x"}))
	require.NoError(t, err)
	assert.Contains(t, remote.objects, remoteKey(k, artifactFile))
	assert.Contains(t, remote.objects, remoteKey(k, metadataFile))

	consumer := NewArtifactCache(t.TempDir(), remote, testLogger())
	got, err := consumer.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, put.BuildID, got.BuildID)
	assert.True(t, consumer.Has(k), "remote hits are kept locally")

	_, err = consumer.Get(ctx, testKey("six"))
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestCacheRemoteCorruptIsMiss(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	k := testKey("grpc")
	remote.objects[remoteKey(k, metadataFile)] = []byte("{}")
	remote.objects[remoteKey(k, artifactFile)] = []byte("junk")

	c := NewArtifactCache(t.TempDir(), remote, testLogger())
	_, err := c.Get(ctx, k)
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.False(t, c.Has(k))
}
