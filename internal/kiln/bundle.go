package kiln

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// bundleEpoch is the timestamp of every bundle entry.
var bundleEpoch = time.Unix(0, 0).UTC()

// manifestName is the file name of the manifest inside the install tree.
const manifestName = "version-manifest.txt"

// BundleName is the default file name of a bundle for the project.
func BundleName(project, version string, p Platform) string {
	return fmt.Sprintf("%s-%s-%s-%s.tar.zst", project, version, p.OS, p.Arch)
}

// CreateBundle archives installDir into a tar+zstd file at dest and writes
// dest+".b3" holding its blake3 checksum. Entries are added in lexical
// order, owned by root and stamped with a fixed time, so the same content
// always yields the same archive.
func CreateBundle(installDir, dest string) (Checksum, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Checksum{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".bundle-*")
	if err != nil {
		return Checksum{}, fmt.Errorf("failed to create bundle file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeBundle(tmp, installDir); err != nil {
		tmp.Close()
		return Checksum{}, err
	}
	if err := tmp.Close(); err != nil {
		return Checksum{}, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return Checksum{}, fmt.Errorf("failed to move bundle into place: %w", err)
	}

	sum, err := ComputeChecksum(dest, AlgBlake3)
	if err != nil {
		return Checksum{}, err
	}
	line := fmt.Sprintf("%s  %s\n", sum.Hex, filepath.Base(dest))
	if err := os.WriteFile(dest+".b3", []byte(line), 0o644); err != nil {
		return Checksum{}, fmt.Errorf("failed to write checksum file: %w", err)
	}
	return sum, nil
}

func writeBundle(w io.Writer, installDir string) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %v", err)
	}
	tw := tar.NewWriter(zw)

	err = filepath.Walk(installDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(installDir, path)
		if err != nil {
			return err
		}

		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
		}

		hdr, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return err
		}
		if rel == "." {
			hdr.Name = "./"
			hdr.Mode = 0o755
		} else {
			hdr.Name = filepath.ToSlash(rel)
			if info.IsDir() {
				hdr.Name += "/"
			}
		}

		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "root", "root"
		hdr.ModTime = bundleEpoch
		hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			if _, err := io.Copy(tw, f); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
		return nil
	})
	if err != nil {
		tw.Close()
		zw.Close()
		return fmt.Errorf("failed to add files to bundle: %v", err)
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// bundleKey is the object key a bundle file is published under.
func bundleKey(project, version, file string) string {
	return project + "/" + version + "/" + filepath.Base(file)
}

// PublishBundle uploads bundle and its .b3 sidecar. Existing objects are
// left alone unless force is set.
func PublishBundle(ctx context.Context, store *BucketStore, project, version, bundle string, force bool) error {
	sidecar := bundle + ".b3"
	for _, file := range []string{bundle, sidecar} {
		if _, err := os.Stat(file); err != nil {
			return &IOFailureError{Recipe: project, Op: "publish", Path: file, Err: err}
		}
	}

	for _, file := range []string{bundle, sidecar} {
		key := bundleKey(project, version, file)
		if !force {
			exists, err := store.Exists(ctx, key)
			if err != nil {
				return fmt.Errorf("failed to check %s: %w", key, err)
			}
			if exists {
				return fmt.Errorf("%s already exists in bucket %s (use -force to overwrite)", key, store.BucketName)
			}
		}
		if err := store.UploadLocalFile(ctx, key, file); err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		status(nil, "Uploaded %s", key)
	}
	return nil
}

// bundleManifest reads the version manifest stored at the root of a bundle.
func bundleManifest(bundle string) (*Manifest, error) {
	f, err := os.Open(bundle)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tar read: %w", err)
		}
		if path.Clean(hdr.Name) == manifestName {
			return ParseManifest(tr)
		}
	}
	return nil, fmt.Errorf("%s has no %s", bundle, manifestName)
}
