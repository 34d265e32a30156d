package kiln

import (
	"archive/tar"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

var archiveSuffixes = []string{".tar.gz", ".tgz", ".tar.xz", ".tar.zst", ".tar.bz2", ".tar", ".zip"}

// isArchive reports whether name has a suffix extractArchive handles.
func isArchive(name string) bool {
	for _, s := range archiveSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// extractArchive unpacks src into dest. A single top level directory shared
// by every entry is stripped.
func extractArchive(src, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	if strings.HasSuffix(src, ".zip") {
		return unzip(src, dest)
	}

	var names []string
	if err := walkTar(src, func(hdr *tar.Header, _ io.Reader) error {
		names = append(names, hdr.Name)
		return nil
	}); err != nil {
		return err
	}
	prefix := commonTopDir(names)

	return walkTar(src, func(hdr *tar.Header, r io.Reader) error {
		name := strings.TrimPrefix(strings.TrimPrefix(hdr.Name, "./"), prefix)
		if name == "" || name == "." {
			return nil
		}
		if hdr.Typeflag == tar.TypeLink {
			hdr.Linkname = strings.TrimPrefix(strings.TrimPrefix(hdr.Linkname, "./"), prefix)
		}
		return writeTarEntry(dest, name, hdr, r)
	})
}

// openDecompressed wraps f according to the suffix of path.
func openDecompressed(path string, f io.Reader) (io.Reader, func(), error) {
	noop := func() {}
	switch {
	case strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create gzip reader for %s: %w", path, err)
		}
		return gz, func() { gz.Close() }, nil
	case strings.HasSuffix(path, ".tar.bz2"):
		return bzip2.NewReader(f), noop, nil
	case strings.HasSuffix(path, ".tar.xz"):
		r, err := xz.NewReader(f)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create xz reader for %s: %w", path, err)
		}
		return r, noop, nil
	case strings.HasSuffix(path, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create zstd reader for %s: %w", path, err)
		}
		return zr, zr.Close, nil
	case strings.HasSuffix(path, ".tar"):
		return f, noop, nil
	}
	return nil, noop, fmt.Errorf("unsupported archive format: %s", path)
}

// walkTar calls fn for every content entry of the archive. PAX headers are
// skipped.
func walkTar(path string, fn func(*tar.Header, io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer f.Close()

	r, closeFn, err := openDecompressed(path, f)
	if err != nil {
		return err
	}
	defer closeFn()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", path, err)
		}
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

// commonTopDir returns "dir/" when every name lives below the same single
// top level directory, otherwise "".
func commonTopDir(names []string) string {
	var top string
	for _, n := range names {
		n = strings.TrimPrefix(n, "./")
		if n == "" || n == "." {
			continue
		}
		first, _, found := strings.Cut(n, "/")
		if !found {
			// a file at the root
			return ""
		}
		if top == "" {
			top = first
		} else if first != top {
			return ""
		}
	}
	if top == "" {
		return ""
	}
	return top + "/"
}

// safeJoin rejects entries that would land outside dest.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if target != filepath.Clean(dest) && !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal file path in archive: %s", name)
	}
	return target, nil
}

func writeTarEntry(dest, name string, hdr *tar.Header, r io.Reader) error {
	target, err := safeJoin(dest, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent dir for %s: %w", target, err)
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
			return fmt.Errorf("failed to create dir %s: %w", target, err)
		}
	case tar.TypeReg:
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)|0o600)
		if err != nil {
			return fmt.Errorf("failed to create file %s: %w", target, err)
		}
		if _, err := io.Copy(out, r); err != nil {
			out.Close()
			return fmt.Errorf("failed to write file %s: %w", target, err)
		}
		if err := out.Close(); err != nil {
			return err
		}
		_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)
	case tar.TypeSymlink:
		_ = os.Remove(target)
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return fmt.Errorf("failed to create symlink %s -> %s: %w", target, hdr.Linkname, err)
		}
	case tar.TypeLink:
		src, err := safeJoin(dest, hdr.Linkname)
		if err != nil {
			return err
		}
		_ = os.Remove(target)
		if err := os.Link(src, target); err != nil {
			return fmt.Errorf("failed to create hard link %s: %w", target, err)
		}
	}
	return nil
}

func unzip(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	prefix := commonTopDir(names)

	for _, f := range r.File {
		name := strings.TrimPrefix(f.Name, prefix)
		if name == "" {
			continue
		}
		fpath, err := safeJoin(dest, name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(fpath), 0o755); err != nil {
			return err
		}
		outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode()|0o600)
		if err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return err
		}
		_, err = io.Copy(outFile, rc)
		outFile.Close()
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// packArtifact writes srcDir as a tar.zst to dst and returns the archived
// file paths relative to srcDir.
func packArtifact(srcDir, dst string) ([]string, error) {
	out, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact file: %w", err)
	}
	defer out.Close()

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	var files []string
	err = filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil || rel == "." {
			return err
		}
		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uid, hdr.Gid, hdr.Uname, hdr.Gname = 0, 0, "", ""
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			if info.Mode()&os.ModeSymlink != 0 {
				files = append(files, hdr.Name)
			}
			return nil
		}
		files = append(files, hdr.Name)
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		zw.Close()
		return nil, fmt.Errorf("pack %s: %w", srcDir, err)
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return files, out.Close()
}

// unpackArtifact extracts a tar.zst written by packArtifact into dest.
func unpackArtifact(src, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return walkTar(src, func(hdr *tar.Header, r io.Reader) error {
		name := strings.TrimSuffix(hdr.Name, "/")
		if name == "" {
			return nil
		}
		return writeTarEntry(dest, name, hdr, r)
	})
}
