package kiln

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// compressXZ writes srcPath xz compressed to destPath and removes srcPath.
func compressXZ(srcPath, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := destPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w, err := xz.NewWriter(dst)
	if err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to create xz writer: %w", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Close(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, destPath); err != nil {
		return err
	}
	return os.Remove(srcPath)
}

// ReadBuildLog returns the lines of a compressed build log.
func ReadBuildLog(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	xr, err := xz.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create xz reader: %w", err)
	}
	var lines []string
	scanner := bufio.NewScanner(xr)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	return lines, scanner.Err()
}
