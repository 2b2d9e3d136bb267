package kiln

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T, opts FetchOptions) *Fetcher {
	t.Helper()
	if opts.CacheDir == "" {
		opts.CacheDir = t.TempDir()
	}
	opts.Quiet = true
	f := NewFetcher(opts)
	f.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func TestFetchDownloadsAndVerifies(t *testing.T) {
	payload := []byte("source tarball contents")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(payload)
	}))
	defer srv.Close()

	f := newTestFetcher(t, FetchOptions{})
	want := Checksum{Algorithm: AlgSHA256, Hex: sha256Hex(payload)}
	url := srv.URL + "/pkg-1.0.tar.gz"

	path, err := f.Fetch(context.Background(), url, want)
	require.NoError(t, err)
	assert.Equal(t, "pkg-1.0.tar.gz", filepath.Base(path)[17:])
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// The verified cache entry is reused.
	again, err := f.Fetch(context.Background(), url, want)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.EqualValues(t, 1, hits.Load())
}

func TestFetchChecksumMismatch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	cache := t.TempDir()
	f := newTestFetcher(t, FetchOptions{CacheDir: cache, Retries: 3})
	want := Checksum{Algorithm: AlgSHA256, Hex: sha256Hex([]byte("original"))}

	_, err := f.Fetch(context.Background(), srv.URL+"/src.tar", want)
	var mismatch *ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, srv.URL+"/src.tar", mismatch.URL)
	assert.Equal(t, sha256Hex([]byte("tampered")), mismatch.Actual.Hex)

	// Mismatches are not retried.
	assert.EqualValues(t, 1, hits.Load())

	// Nothing but the lock file is left behind.
	entries, err := os.ReadDir(cache)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, ".lock", filepath.Ext(e.Name()), "unexpected cache entry %s", e.Name())
	}
	assert.Equal(t, exitChecksumMismatch, ExitCode(err))
}

func TestFetchRetriesTransportFailures(t *testing.T) {
	payload := []byte("eventually")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	var delays []time.Duration
	f := newTestFetcher(t, FetchOptions{Retries: 2, Backoff: time.Second})
	f.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err := f.Fetch(context.Background(), srv.URL+"/x.zip", Checksum{Algorithm: AlgSHA256, Hex: sha256Hex(payload)})
	require.NoError(t, err)
	assert.EqualValues(t, 3, hits.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newTestFetcher(t, FetchOptions{Retries: 1})
	_, err := f.Fetch(context.Background(), srv.URL+"/gone.tar", Checksum{Algorithm: AlgSHA256, Hex: sha256Hex([]byte("x"))})

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.ErrorContains(t, err, "404")
	assert.EqualValues(t, 2, hits.Load())
	assert.Equal(t, exitFetch, ExitCode(err))
}

func TestFetchDefaultIsSingleAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newTestFetcher(t, FetchOptions{})
	_, err := f.Fetch(context.Background(), srv.URL+"/a.tar", Checksum{Algorithm: AlgSHA256, Hex: sha256Hex([]byte("x"))})
	require.Error(t, err)
	assert.EqualValues(t, 1, hits.Load())
}

func TestFetchReplacesCorruptCacheEntry(t *testing.T) {
	payload := []byte("good bytes")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(payload)
	}))
	defer srv.Close()

	f := newTestFetcher(t, FetchOptions{})
	url := srv.URL + "/file.tar"
	want := Checksum{Algorithm: AlgBlake3, Hex: hashString(string(payload))}

	require.NoError(t, os.MkdirAll(f.opts.CacheDir, 0o755))
	require.NoError(t, os.WriteFile(f.CachePath(url), []byte("corrupt"), 0o644))

	path, err := f.Fetch(context.Background(), url, want)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.EqualValues(t, 1, hits.Load())
}

func TestFetchLocalSources(t *testing.T) {
	payload := []byte("local artifact")
	src := filepath.Join(t.TempDir(), "local.tar")
	require.NoError(t, os.WriteFile(src, payload, 0o644))
	want := Checksum{Algorithm: AlgSHA256, Hex: sha256Hex(payload)}

	for _, url := range []string{src, "file://" + filepath.ToSlash(src)} {
		f := newTestFetcher(t, FetchOptions{})
		path, err := f.Fetch(context.Background(), url, want)
		require.NoError(t, err, url)
		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestFetchMirror(t *testing.T) {
	payload := []byte("mirrored")
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Write(payload)
	}))
	defer srv.Close()

	f := newTestFetcher(t, FetchOptions{Mirror: Mirror{From: "https://upstream.invalid/", To: srv.URL + "/mirror/"}})
	_, err := f.Fetch(context.Background(), "https://upstream.invalid/python/Python-2.7.tgz", Checksum{Algorithm: AlgSHA256, Hex: sha256Hex(payload)})
	require.NoError(t, err)
	assert.Equal(t, []string{"/mirror/python/Python-2.7.tgz"}, paths)
}

func TestFetchRequiresChecksum(t *testing.T) {
	f := newTestFetcher(t, FetchOptions{})
	_, err := f.Fetch(context.Background(), "http://example.invalid/x", Checksum{})
	var fetchErr *FetchError
	assert.ErrorAs(t, err, &fetchErr)
}

func TestFetchCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f := newTestFetcher(t, FetchOptions{Retries: 5})
	f.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	_, err := f.Fetch(ctx, srv.URL+"/a.tar", Checksum{Algorithm: AlgSHA256, Hex: sha256Hex([]byte("x"))})
	assert.True(t, errors.Is(err, context.Canceled))
}
