package kiln

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
)

// FetchOptions configures a Fetcher.
type FetchOptions struct {
	CacheDir string
	// Retries is the number of extra attempts after a transport failure.
	Retries int
	// Backoff is the delay before the first retry. It doubles every attempt.
	Backoff time.Duration
	Mirror  Mirror
	// Quiet disables status lines and the progress bar.
	Quiet  bool
	Client *http.Client
	Out    io.Writer
}

// Fetcher downloads source artifacts into a verified cache.
type Fetcher struct {
	opts   FetchOptions
	client *http.Client
	sleep  func(ctx context.Context, d time.Duration) error
}

func newHttpClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{
		Transport: transport,
		Timeout:   300 * time.Second, // 5 min total timeout for large downloads
	}
}

func NewFetcher(opts FetchOptions) *Fetcher {
	client := opts.Client
	if client == nil {
		client = newHttpClient()
	}
	return &Fetcher{opts: opts, client: client, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CachePath is where the artifact for rawURL is stored once verified.
func (f *Fetcher) CachePath(rawURL string) string {
	return filepath.Join(f.opts.CacheDir, hashString(rawURL)[:16]+"-"+artifactName(rawURL))
}

// artifactName is the last path element of the URL, keeping the extension
// the extractor relies on.
func artifactName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		if base := path.Base(u.Path); base != "/" && base != "." {
			return base
		}
	}
	return "source"
}

// Fetch returns the path of a verified copy of rawURL. A cached copy is
// re-verified before it is reused. Transport failures are retried according
// to the options; a checksum mismatch is returned immediately.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, want Checksum) (string, error) {
	if want.IsZero() {
		return "", &FetchError{URL: rawURL, Err: errors.New("no checksum given")}
	}
	if err := os.MkdirAll(f.opts.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory %s: %w", f.opts.CacheDir, err)
	}

	dest := f.CachePath(rawURL)
	lock, err := lockFile(dest)
	if err != nil {
		return "", err
	}
	defer lock.Unlock()

	if _, err := os.Stat(dest); err == nil {
		err := verifyFile(dest, rawURL, want)
		if err == nil {
			debugf("Using cached %s\n", dest)
			return dest, nil
		}
		var mismatch *ChecksumMismatchError
		if !errors.As(err, &mismatch) {
			return "", err
		}
		f.status("Cached %s is corrupt, downloading again", filepath.Base(dest))
		if err := os.Remove(dest); err != nil {
			return "", fmt.Errorf("failed to remove corrupt cache entry %s: %w", dest, err)
		}
	}

	src := f.opts.Mirror.Apply(rawURL)
	if src != rawURL {
		debugf("Mirror rewrote %s -> %s\n", rawURL, src)
	}

	backoff := f.opts.Backoff
	attempts := f.opts.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = f.download(ctx, src, dest, want)
		if lastErr == nil {
			return dest, nil
		}

		var mismatch *ChecksumMismatchError
		if errors.As(lastErr, &mismatch) {
			mismatch.URL = rawURL
			return "", mismatch
		}
		if ctx.Err() != nil {
			return "", &FetchError{URL: src, Err: ctx.Err()}
		}
		if attempt == attempts {
			break
		}

		f.status("Download of %s failed (%v), retrying in %s", src, lastErr, backoff)
		if err := f.sleep(ctx, backoff); err != nil {
			return "", &FetchError{URL: src, Err: err}
		}
		backoff *= 2
	}
	return "", &FetchError{URL: src, Err: lastErr}
}

// download streams src into a temporary file in the cache while hashing it
// and renames it to dest only when the digest matches.
func (f *Fetcher) download(ctx context.Context, src, dest string, want Checksum) error {
	h, err := want.newHash()
	if err != nil {
		return err
	}

	body, size, err := f.open(ctx, src)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	renamed := false
	defer func() {
		if !renamed {
			os.Remove(tmpPath)
		}
	}()

	writers := []io.Writer{tmp, h}
	if bar := f.progress(size, artifactName(src)); bar != nil {
		defer bar.Finish()
		writers = append(writers, bar)
	}

	debugf("Downloading %s -> %s\n", src, dest)
	if _, err := io.Copy(io.MultiWriter(writers...), body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to download %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}

	got := sumOf(want.Algorithm, h)
	if !got.Equal(want) {
		return &ChecksumMismatchError{URL: src, Expected: want, Actual: got}
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to move download into cache: %w", err)
	}
	renamed = true
	return nil
}

// open returns a reader for src and its size, or -1 if unknown. file://
// URLs and plain paths are read from disk.
func (f *Fetcher) open(ctx context.Context, src string) (io.ReadCloser, int64, error) {
	if local, ok := localPath(src); ok {
		file, err := os.Open(local)
		if err != nil {
			return nil, 0, err
		}
		size := int64(-1)
		if fi, err := file.Stat(); err == nil {
			size = fi.Size()
		}
		return file, size, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("download failed with status: %s", resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}

func localPath(src string) (string, bool) {
	if strings.HasPrefix(src, "file://") {
		u, err := url.Parse(src)
		if err != nil {
			return strings.TrimPrefix(src, "file://"), true
		}
		return filepath.FromSlash(u.Path), true
	}
	if !strings.Contains(src, "://") {
		return src, true
	}
	return "", false
}

func (f *Fetcher) progress(size int64, name string) *progressbar.ProgressBar {
	if f.opts.Quiet || f.opts.Out != nil || !isTerminal(os.Stderr) {
		return nil
	}
	return progressbar.DefaultBytes(size, name)
}

func (f *Fetcher) status(format string, a ...any) {
	if f.opts.Quiet {
		return
	}
	status(f.opts.Out, format, a...)
}
