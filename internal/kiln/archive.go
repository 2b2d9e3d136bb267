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

// isArchive reports whether name has an extension extractArchive handles.
func isArchive(name string) bool {
	for _, ext := range []string{".tar", ".tar.gz", ".tgz", ".tar.xz", ".txz", ".tar.zst", ".tar.bz2", ".tbz2", ".zip"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// extractArchive unpacks src into dest. If every entry lives under a single
// top-level directory, that directory is stripped.
func extractArchive(src, dest string) error {
	if strings.HasSuffix(src, ".zip") {
		return unzip(src, dest)
	}
	return extractTar(src, dest)
}

// topLevelPrefix returns "dir/" when every name is inside dir, or "".
func topLevelPrefix(names []string) string {
	var prefix string
	for _, name := range names {
		name = strings.TrimPrefix(name, "./")
		if name == "" {
			continue
		}
		slashIdx := strings.IndexByte(name, '/')
		if slashIdx == -1 {
			// A bare directory entry is fine, a bare file is at the root
			if !strings.HasSuffix(name, "/") {
				return ""
			}
			slashIdx = len(name) - 1
		}
		top := name[:slashIdx+1]
		if prefix == "" {
			prefix = top
		} else if top != prefix {
			return ""
		}
	}
	return prefix
}

// safeJoin joins name onto dest and rejects entries escaping dest.
func safeJoin(dest, name string) (string, error) {
	p := filepath.Join(dest, name)
	if p != dest && !strings.HasPrefix(p, dest+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal file path in archive: %s", name)
	}
	return p, nil
}

func stripName(name, prefix string) string {
	name = strings.TrimPrefix(name, "./")
	if prefix != "" {
		name = strings.TrimPrefix(name, prefix)
	}
	return name
}

func unzip(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	dest, err = filepath.Abs(dest)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	prefix := topLevelPrefix(names)

	for _, f := range r.File {
		name := stripName(f.Name, prefix)
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

		outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return err
		}

		_, err = io.Copy(outFile, rc)

		// Close files inside the loop to avoid holding too many file descriptors.
		outFile.Close()
		rc.Close()

		if err != nil {
			return err
		}
	}
	return nil
}

// openTar opens a possibly compressed tarball, picking the decompressor
// from the file extension.
func openTar(path string) (*tar.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}

	var r io.Reader = f
	closers := []func(){func() { f.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch {
	case strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to create gzip reader for %s: %w", path, err)
		}
		closers = append(closers, func() { gz.Close() })
		r = gz
	case strings.HasSuffix(path, ".tar.bz2") || strings.HasSuffix(path, ".tbz2"):
		r = bzip2.NewReader(f)
	case strings.HasSuffix(path, ".tar.xz") || strings.HasSuffix(path, ".txz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to create xz reader for %s: %w", path, err)
		}
		r = xr
	case strings.HasSuffix(path, ".tar.zst"):
		zst, err := zstd.NewReader(f)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to create zstd reader for %s: %w", path, err)
		}
		closers = append(closers, zst.Close)
		r = zst
	case strings.HasSuffix(path, ".tar"):
		// No compression
	default:
		closeAll()
		return nil, nil, fmt.Errorf("unsupported archive format: %s", path)
	}
	return tar.NewReader(r), closeAll, nil
}

func isContentEntry(hdr *tar.Header) bool {
	return hdr.Typeflag != tar.TypeXHeader && hdr.Typeflag != tar.TypeXGlobalHeader
}

// extractTar reads the archive twice: once to find a common top-level
// directory and once to unpack.
func extractTar(src, dest string) error {
	dest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}

	tr, closeFn, err := openTar(src)
	if err != nil {
		return err
	}
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			closeFn()
			return fmt.Errorf("error reading tar header in %s: %w", src, err)
		}
		if isContentEntry(hdr) {
			names = append(names, hdr.Name)
		}
	}
	closeFn()

	prefix := topLevelPrefix(names)
	if prefix != "" {
		debugf("Detected tar prefix for stripping: %s\n", prefix)
	}

	tr, closeFn, err = openTar(src)
	if err != nil {
		return err
	}
	defer closeFn()

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", src, err)
		}
		if !isContentEntry(hdr) {
			continue
		}

		name := stripName(hdr.Name, prefix)
		if name == "" {
			continue
		}
		targetPath, err := safeJoin(dest, name)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", targetPath, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)|0o700); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", targetPath, err)
			}
		case tar.TypeReg:
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", targetPath, err)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to write file %s: %w", targetPath, err)
			}
			outFile.Close()
			if err := os.Chtimes(targetPath, hdr.ModTime, hdr.ModTime); err != nil {
				return fmt.Errorf("failed to set times for file %s: %w", targetPath, err)
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", targetPath, hdr.Linkname, err)
			}
		case tar.TypeLink:
			linkTarget, err := safeJoin(dest, stripName(hdr.Linkname, prefix))
			if err != nil {
				return err
			}
			if err := os.Link(linkTarget, targetPath); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create hard link %s: %w", targetPath, err)
			}
		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}
	return nil
}
