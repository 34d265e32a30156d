package kiln

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	artifactFile = "artifact.tar.zst"
	metadataFile = "metadata.json"
)

// Key identifies one build output. Any change to a field is a different
// artifact, there is no other invalidation.
type Key struct {
	Recipe         string `json:"recipe"`
	Version        string `json:"version"`
	Arch           string `json:"arch"`
	EnvFingerprint string `json:"env_fingerprint"`
}

// Digest is the content address of the key.
func (k Key) Digest() string {
	return hashString(strings.Join([]string{k.Recipe, k.Version, k.Arch, k.EnvFingerprint}, "\x00"))
}

func (k Key) String() string {
	return fmt.Sprintf("%s-%s/%s@%s", k.Recipe, k.Version, k.Arch, k.Digest()[:12])
}

// Artifact is a cached, archived stage directory.
type Artifact struct {
	Key      Key       `json:"key"`
	Digest   string    `json:"digest"`
	Path     string    `json:"-"`
	Checksum string    `json:"checksum"`
	Size     int64     `json:"size"`
	BuildID  string    `json:"build_id"`
	BuiltAt  time.Time `json:"built_at"`
	Files    []string  `json:"files"`
}

// Extract unpacks the artifact into dest.
func (a *Artifact) Extract(dest string) error {
	return unpackArtifact(a.Path, dest)
}

// RemoteStore is an optional second tier behind the local cache.
type RemoteStore interface {
	DownloadToFile(ctx context.Context, key, path string) error
	UploadLocalFile(ctx context.Context, key, path string) error
}

// ArtifactCache stores artifacts under <dir>/<recipe>/<arch>/<digest>/.
// Readers never take locks, writers are serialised per key in process and
// across processes, and entries appear by atomic rename.
type ArtifactCache struct {
	dir    string
	locks  *keyedMutex
	remote RemoteStore
	log    *Logger
}

// NewArtifactCache returns a cache rooted at dir. remote may be nil.
func NewArtifactCache(dir string, remote RemoteStore, log *Logger) *ArtifactCache {
	return &ArtifactCache{dir: dir, locks: newKeyedMutex(), remote: remote, log: log}
}

func (c *ArtifactCache) entryDir(k Key) string {
	return filepath.Join(c.dir, k.Recipe, k.Arch, k.Digest())
}

func remoteKey(k Key, file string) string {
	return path.Join("artifacts", k.Recipe, k.Arch, k.Digest(), file)
}

// LockBuild takes the per key build lock shared with other kiln processes.
// It is separate from the publish lock taken by Put, so a holder can still
// call Put.
func (c *ArtifactCache) LockBuild(k Key) (*fileLock, error) {
	return lockFile(c.entryDir(k) + ".build.lock")
}

// Has reports whether a local entry exists, without verifying it.
func (c *ArtifactCache) Has(k Key) bool {
	dir := c.entryDir(k)
	return exists(filepath.Join(dir, metadataFile)) && exists(filepath.Join(dir, artifactFile))
}

// Get returns the verified artifact for k. A missing entry is ErrCacheMiss,
// a damaged one CacheCorruptionError.
func (c *ArtifactCache) Get(ctx context.Context, k Key) (*Artifact, error) {
	dir := c.entryDir(k)
	if !exists(filepath.Join(dir, metadataFile)) && !exists(filepath.Join(dir, artifactFile)) {
		if c.remote == nil {
			return nil, ErrCacheMiss
		}
		if err := c.fetchRemote(ctx, k); err != nil {
			if !errors.Is(err, ErrCacheMiss) {
				c.log.Warnf("Remote cache lookup for %s failed: %v", k, err)
			}
			return nil, ErrCacheMiss
		}
	}
	return c.load(k, dir)
}

func (c *ArtifactCache) load(k Key, dir string) (*Artifact, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, &CacheCorruptionError{Key: k, Reason: "metadata unreadable", Err: err}
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, &CacheCorruptionError{Key: k, Reason: "metadata invalid", Err: err}
	}
	if a.Key != k {
		return nil, &CacheCorruptionError{Key: k, Reason: "metadata describes " + a.Key.String()}
	}
	a.Path = filepath.Join(dir, artifactFile)
	sum, size, err := hashFile(a.Path)
	if err != nil {
		return nil, &CacheCorruptionError{Key: k, Reason: "archive unreadable", Err: err}
	}
	if sum != a.Checksum || size != a.Size {
		return nil, &CacheCorruptionError{Key: k, Reason: "archive checksum mismatch"}
	}
	return &a, nil
}

// Put archives stageDir as the artifact of k and publishes it. An existing
// entry is replaced. Nothing is published when ctx is done.
func (c *ArtifactCache) Put(ctx context.Context, k Key, stageDir string) (*Artifact, error) {
	digest := k.Digest()
	if err := c.locks.Lock(ctx, digest); err != nil {
		return nil, err
	}
	defer c.locks.Unlock(digest)

	final := c.entryDir(k)
	parent := filepath.Dir(final)
	lock, err := lockFile(final + ".lock")
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	tmp, err := os.MkdirTemp(parent, ".tmp-"+digest[:12]+"-")
	if err != nil {
		return nil, fmt.Errorf("create cache staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	files, err := packArtifact(stageDir, filepath.Join(tmp, artifactFile))
	if err != nil {
		return nil, err
	}
	sum, size, err := hashFile(filepath.Join(tmp, artifactFile))
	if err != nil {
		return nil, err
	}
	a := &Artifact{
		Key:      k,
		Digest:   digest,
		Checksum: sum,
		Size:     size,
		BuildID:  uuid.NewString(),
		BuiltAt:  time.Now().UTC(),
		Files:    files,
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(tmp, metadataFile), data, 0o644); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(final); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, final); err != nil {
		return nil, fmt.Errorf("publish cache entry %s: %w", k, err)
	}
	a.Path = filepath.Join(final, artifactFile)
	c.log.Debugf("Cached %s (%d bytes, build %s)\n", k, a.Size, a.BuildID)

	if c.remote != nil {
		c.pushRemote(ctx, k, final)
	}
	return a, nil
}

// pushRemote uploads an entry. Failures only warn, the local entry is
// already valid.
func (c *ArtifactCache) pushRemote(ctx context.Context, k Key, dir string) {
	for _, f := range []string{artifactFile, metadataFile} {
		if err := c.remote.UploadLocalFile(ctx, remoteKey(k, f), filepath.Join(dir, f)); err != nil {
			c.log.Warnf("Remote cache upload of %s failed: %v", k, err)
			return
		}
	}
}

func (c *ArtifactCache) fetchRemote(ctx context.Context, k Key) error {
	digest := k.Digest()
	if err := c.locks.Lock(ctx, digest); err != nil {
		return err
	}
	defer c.locks.Unlock(digest)

	final := c.entryDir(k)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp(filepath.Dir(final), ".remote-"+digest[:12]+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	// metadata first, it is the cheap existence probe
	for _, f := range []string{metadataFile, artifactFile} {
		if err := c.remote.DownloadToFile(ctx, remoteKey(k, f), filepath.Join(tmp, f)); err != nil {
			return err
		}
	}
	if _, err := c.load(k, tmp); err != nil {
		return err
	}
	if exists(final) {
		return nil
	}
	c.log.Infof("Fetched %s from remote cache", k)
	return os.Rename(tmp, final)
}

// Remove deletes the local entry of k.
func (c *ArtifactCache) Remove(k Key) error {
	return os.RemoveAll(c.entryDir(k))
}

// List returns every readable local entry, sorted by recipe, arch and age.
// Damaged entries are skipped.
func (c *ArtifactCache) List() ([]*Artifact, error) {
	metas, err := filepath.Glob(filepath.Join(c.dir, "*", "*", "*", metadataFile))
	if err != nil {
		return nil, err
	}
	var out []*Artifact
	for _, m := range metas {
		if strings.HasPrefix(filepath.Base(filepath.Dir(m)), ".") {
			continue
		}
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		var a Artifact
		if err := json.Unmarshal(data, &a); err != nil {
			c.log.Debugf("Skipping unreadable %s: %v\n", m, err)
			continue
		}
		a.Path = filepath.Join(filepath.Dir(m), artifactFile)
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Recipe != out[j].Key.Recipe {
			return out[i].Key.Recipe < out[j].Key.Recipe
		}
		if out[i].Key.Arch != out[j].Key.Arch {
			return out[i].Key.Arch < out[j].Key.Arch
		}
		return out[i].BuiltAt.Before(out[j].BuiltAt)
	})
	return out, nil
}

// Clean removes entries built more than maxAge ago, every entry when
// maxAge is zero. It returns the number removed.
func (c *ArtifactCache) Clean(maxAge time.Duration) (int, error) {
	entries, err := c.List()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, a := range entries {
		if maxAge > 0 && a.BuiltAt.After(cutoff) {
			continue
		}
		if err := c.Remove(a.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
