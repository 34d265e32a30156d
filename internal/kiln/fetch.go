package kiln

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Downloader keeps downloaded archives in a shared, content addressed
// sources cache. Concurrent fetches of the same URL (from other steps or
// other kiln processes) wait on a file lock and reuse the result.
type Downloader struct {
	Client *http.Client
	Dir    string
	Log    *Logger

	// Progress receives a progress bar when set, usually a terminal.
	Progress io.Writer
}

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Minute,
	}
}

// NewDownloader returns a Downloader storing files under dir.
func NewDownloader(dir string, log *Logger) *Downloader {
	d := &Downloader{Client: newHTTPClient(), Dir: dir, Log: log}
	if isTerminal(os.Stderr) {
		d.Progress = os.Stderr
	}
	return d
}

// archiveName is the file name a URL is stored under in the cache.
func archiveName(rawURL string) string {
	base := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		base = path.Base(u.Path)
	}
	return hashString(rawURL)[:16] + "-" + base
}

// Fetch returns the local path of rawURL, downloading it when needed.
func (d *Downloader) Fetch(ctx context.Context, rawURL string) (string, error) {
	dest := filepath.Join(d.Dir, archiveName(rawURL))
	if _, err := os.Stat(dest); err == nil {
		d.Log.Debugf("Using cached %s\n", dest)
		return dest, nil
	}

	lock, err := lockFile(dest + ".lock")
	if err != nil {
		return "", err
	}
	defer lock.Unlock()

	// another process may have finished it while we waited
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	d.Log.Infof("Downloading %s", rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download of %s failed with status: %s", rawURL, resp.Status)
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create destination file %s: %w", tmp, err)
	}

	var w io.Writer = out
	if d.Progress != nil {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(d.Progress),
			progressbar.OptionSetDescription(path.Base(dest)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
		w = io.MultiWriter(out, bar)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write to destination file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return dest, nil
}
