package kiln

import (
	"archive/tar"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInstallTree(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "opt", "omnibus")
	files := map[string]string{
		manifestName:               "omnibus 2.9.1\n\npython 2.7.9\n\n",
		"bin/python":               "#!/bin/sh\n",
		"lib/python2.7/os.py":      "import sys\n",
		"embedded/share/README.md": "readme\n",
	}
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

func bundleEntries(t *testing.T, path string) []*tar.Header {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()

	var hdrs []*tar.Header
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		hdrs = append(hdrs, hdr)
	}
	return hdrs
}

func TestCreateBundle(t *testing.T) {
	installDir := newInstallTree(t)
	dest := filepath.Join(t.TempDir(), "out", BundleName("omnibus", "2.9.1", Platform{OS: "linux", Arch: "amd64"}))
	assert.Equal(t, "omnibus-2.9.1-linux-amd64.tar.zst", filepath.Base(dest))

	sum, err := CreateBundle(installDir, dest)
	require.NoError(t, err)
	assert.Equal(t, AlgBlake3, sum.Algorithm)

	want, err := ComputeChecksum(dest, AlgBlake3)
	require.NoError(t, err)
	assert.True(t, sum.Equal(want))

	sidecar, err := os.ReadFile(dest + ".b3")
	require.NoError(t, err)
	assert.Equal(t, sum.Hex+"  omnibus-2.9.1-linux-amd64.tar.zst\n", string(sidecar))

	var names []string
	for _, hdr := range bundleEntries(t, dest) {
		names = append(names, hdr.Name)
		assert.Equal(t, 0, hdr.Uid, hdr.Name)
		assert.Equal(t, "root", hdr.Uname, hdr.Name)
	}
	assert.Equal(t, []string{
		"./",
		"bin/",
		"bin/python",
		"embedded/",
		"embedded/share/",
		"embedded/share/README.md",
		"lib/",
		"lib/python2.7/",
		"lib/python2.7/os.py",
		manifestName,
	}, names)

	m, err := bundleManifest(dest)
	require.NoError(t, err)
	assert.Equal(t, "omnibus", m.Project)
	assert.Equal(t, "2.9.1", m.Version)
	assert.Equal(t, []ManifestEntry{{Name: "python", Version: "2.7.9"}}, m.Entries)
}

func TestCreateBundleIsReproducible(t *testing.T) {
	installDir := newInstallTree(t)
	out := t.TempDir()

	first, err := CreateBundle(installDir, filepath.Join(out, "a.tar.zst"))
	require.NoError(t, err)
	second, err := CreateBundle(installDir, filepath.Join(out, "b.tar.zst"))
	require.NoError(t, err)
	assert.Equal(t, first.Hex, second.Hex)
}

func TestCreateBundleIgnoresTimestamps(t *testing.T) {
	first := newInstallTree(t)
	second := newInstallTree(t)
	stamp := time.Date(2015, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, filepath.Walk(second, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Chtimes(path, stamp, stamp)
	}))

	out := t.TempDir()
	a, err := CreateBundle(first, filepath.Join(out, "a.tar.zst"))
	require.NoError(t, err)
	b, err := CreateBundle(second, filepath.Join(out, "b.tar.zst"))
	require.NoError(t, err)
	assert.Equal(t, a.Hex, b.Hex)

	for _, hdr := range bundleEntries(t, filepath.Join(out, "b.tar.zst")) {
		assert.True(t, hdr.ModTime.Equal(time.Unix(0, 0)), hdr.Name)
	}
}

func TestBundleManifestMissing(t *testing.T) {
	installDir := newInstallTree(t)
	require.NoError(t, os.Remove(filepath.Join(installDir, manifestName)))
	dest := filepath.Join(t.TempDir(), "x.tar.zst")
	_, err := CreateBundle(installDir, dest)
	require.NoError(t, err)

	_, err = bundleManifest(dest)
	assert.ErrorContains(t, err, "has no "+manifestName)
}

// fakeBucket is a minimal path-style S3 endpoint.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodHead:
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestPublishBundle(t *testing.T) {
	bucket := &fakeBucket{objects: map[string][]byte{}}
	srv := httptest.NewServer(bucket)
	defer srv.Close()

	cfg := &Config{Values: map[string]string{
		"KILN_S3_ENDPOINT":          srv.URL,
		"KILN_S3_BUCKET":            "artifacts",
		"KILN_S3_ACCESS_KEY_ID":     "key",
		"KILN_S3_SECRET_ACCESS_KEY": "secret",
	}}
	ctx := context.Background()
	store, err := NewBucketStore(ctx, cfg)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "omnibus-2.9.1-linux-amd64.tar.zst")
	_, err = CreateBundle(newInstallTree(t), dest)
	require.NoError(t, err)

	require.NoError(t, PublishBundle(ctx, store, "omnibus", "2.9.1", dest, false))
	bucket.mu.Lock()
	assert.Contains(t, bucket.objects, "artifacts/omnibus/2.9.1/omnibus-2.9.1-linux-amd64.tar.zst")
	assert.Contains(t, bucket.objects, "artifacts/omnibus/2.9.1/omnibus-2.9.1-linux-amd64.tar.zst.b3")
	bucket.mu.Unlock()

	err = PublishBundle(ctx, store, "omnibus", "2.9.1", dest, false)
	assert.ErrorContains(t, err, "already exists")

	assert.NoError(t, PublishBundle(ctx, store, "omnibus", "2.9.1", dest, true))
}

func TestNewBucketStoreValidation(t *testing.T) {
	_, err := NewBucketStore(context.Background(), &Config{Values: map[string]string{}})
	assert.ErrorContains(t, err, "KILN_S3_BUCKET")

	_, err = NewBucketStore(context.Background(), &Config{Values: map[string]string{
		"KILN_S3_BUCKET":        "artifacts",
		"KILN_S3_ACCESS_KEY_ID": "key",
	}})
	assert.ErrorContains(t, err, "KILN_S3_SECRET_ACCESS_KEY")
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "application/zstd", contentTypeFor("a/b.tar.zst"))
	assert.Equal(t, "text/plain; charset=utf-8", contentTypeFor("a/b.tar.zst.b3"))
	assert.Equal(t, "application/octet-stream", contentTypeFor("a/b.bin"))
}
