package kiln

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ulikunitz/xz"
)

// Builder executes recipes one at a time.
type Builder struct {
	Fetcher *Fetcher
	// LogsDir receives <name>.log.xz for every recipe built. Empty disables
	// build logs.
	LogsDir string
	// Out receives status lines. Nil means stdout.
	Out io.Writer
}

// Build fetches r's source into a fresh working directory and runs its
// steps in order. The first failing step aborts the recipe. The working
// directory is removed on every exit path.
func (b *Builder) Build(ctx context.Context, bc *BuildContext, r *Recipe) (err error) {
	if r.Source == nil && len(r.Steps) == 0 {
		debugf("%s has nothing to build\n", r.Name)
		return bc.sched.pass(ctx, bc.turn)
	}
	status(b.Out, "Building %s %s", r.Name, r.Version)
	start := time.Now()

	workDir, err := os.MkdirTemp(bc.TmpDir, "kiln-"+r.Name+"-")
	if err != nil {
		return &IOFailureError{Recipe: r.Name, Op: "mkdir", Path: bc.TmpDir, Err: err}
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil && err == nil {
			err = &IOFailureError{Recipe: r.Name, Op: "delete", Path: workDir, Err: rmErr}
		}
	}()

	logFile, err := os.CreateTemp(bc.TmpDir, "kiln-log-*")
	if err != nil {
		return &IOFailureError{Recipe: r.Name, Op: "create", Path: bc.TmpDir, Err: err}
	}
	defer func() {
		logFile.Close()
		if b.LogsDir != "" {
			if saveErr := saveBuildLog(logFile.Name(), b.logPath(r.Name)); saveErr != nil {
				debugf("failed to save build log for %s: %v\n", r.Name, saveErr)
			}
		}
		os.Remove(logFile.Name())
	}()

	rbc := bc.forRecipe(r, workDir, logFile)
	fmt.Fprintf(logFile, "== %s %s (%s)\n", r.Name, r.Version, rbc.Platform)

	if r.Source != nil {
		release, err := bc.sched.acquire(ctx)
		if err != nil {
			return fmt.Errorf("%s: build interrupted: %w", r.Name, err)
		}
		err = b.prepareSource(ctx, rbc, r)
		release()
		if err != nil {
			fmt.Fprintf(logFile, "!! %v\n", err)
			return err
		}
	}

	// Steps write the shared install tree, so they run in resolved order
	// even when sources were prepared concurrently.
	if err := bc.sched.wait(ctx, bc.turn); err != nil {
		return fmt.Errorf("%s: build interrupted: %w", r.Name, err)
	}
	defer func() {
		if err == nil {
			bc.sched.finish(bc.turn)
		}
	}()

	for i, step := range r.Steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: build interrupted: %w", r.Name, err)
		}
		index := i + 1
		fmt.Fprintf(logFile, "== step %d: %s\n", index, step.Describe())
		debugf("%s step %d: %s\n", r.Name, index, step.Describe())

		if err := b.runStep(ctx, rbc, index, step); err != nil {
			fmt.Fprintf(logFile, "!! %v\n", err)
			return err
		}
	}

	status(b.Out, "Built %s %s in %s", r.Name, r.Version, time.Since(start).Round(time.Millisecond))
	return nil
}

func (b *Builder) logPath(name string) string {
	return filepath.Join(b.LogsDir, name+".log.xz")
}

// prepareSource fetches and verifies the recipe source, then unpacks or
// copies it into the working directory. Any failure here means no step runs.
func (b *Builder) prepareSource(ctx context.Context, bc *BuildContext, r *Recipe) error {
	if b.Fetcher == nil {
		return &FetchError{Recipe: r.Name, URL: r.Source.URL, Err: errors.New("no fetcher configured")}
	}
	path, err := b.Fetcher.Fetch(ctx, r.Source.URL, r.Source.Checksum)
	if err != nil {
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) {
			fetchErr.Recipe = r.Name
			return fetchErr
		}
		return fmt.Errorf("%s: %w", r.Name, err)
	}
	fmt.Fprintf(bc.Log, "fetched %s (%s)\n", r.Source.URL, r.Source.Checksum)

	name := artifactName(r.Source.URL)
	if r.Source.Extract && isArchive(name) {
		if err := extractArchive(path, bc.WorkDir); err != nil {
			return &IOFailureError{Recipe: r.Name, Op: "extract", Path: path, Err: err}
		}
		return nil
	}
	dest := filepath.Join(bc.WorkDir, name)
	if err := copyFile(path, dest); err != nil {
		return &IOFailureError{Recipe: r.Name, Op: "copy", Path: dest, Err: err}
	}
	return nil
}

func (b *Builder) runStep(ctx context.Context, bc *BuildContext, index int, step Step) error {
	name := bc.Recipe.Name
	switch s := step.(type) {
	case ShellCommand:
		if err := runCommand(ctx, bc, s); err != nil {
			code, ok := exitCode(err)
			if !ok {
				code = -1
			}
			return &BuildFailedError{Recipe: name, Step: index, ExitCode: code, Err: err}
		}
	case FileOp:
		if err := runFileOp(bc, s); err != nil {
			path := bc.Path(s.Path)
			var pathErr *fs.PathError
			if errors.As(err, &pathErr) {
				path = pathErr.Path
			}
			return &IOFailureError{Recipe: name, Step: index, Op: string(s.Kind), Path: path, Err: err}
		}
	case Block:
		fn := s.Fn
		if fn == nil {
			var ok bool
			if fn, ok = LookupBlock(s.Name); !ok {
				return &BuildFailedError{Recipe: name, Step: index, ExitCode: -1, Err: fmt.Errorf("no block registered as %q", s.Name)}
			}
		}
		if err := fn(ctx, bc); err != nil {
			return &BuildFailedError{Recipe: name, Step: index, ExitCode: -1, Err: err}
		}
	default:
		return &BuildFailedError{Recipe: name, Step: index, ExitCode: -1, Err: fmt.Errorf("unknown step type %T", step)}
	}
	return nil
}

func runCommand(ctx context.Context, bc *BuildContext, s ShellCommand) error {
	shell := bc.Platform.shell()
	cmd := exec.Command(shell[0], append(shell[1:], s.Text)...)
	cmd.Dir = bc.WorkDir
	cmd.Env = bc.stepEnv(s.Env)

	var out io.Writer = io.Discard
	if bc.Log != nil {
		out = bc.Log
	}
	if Debug {
		out = io.MultiWriter(out, os.Stdout)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	return NewExecutor(ctx).Run(cmd)
}

// runFileOp applies a file operation while holding the install tree lock.
func runFileOp(bc *BuildContext, op FileOp) error {
	unlock := bc.lockInstallTree()
	defer unlock()

	path := bc.Path(op.Path)
	switch op.Kind {
	case OpMkdir:
		return os.MkdirAll(path, 0o755)
	case OpDelete:
		if _, err := os.Lstat(path); err != nil {
			return err
		}
		return os.RemoveAll(path)
	case OpCopy:
		return copyPath(path, bc.Path(op.Dest))
	}
	return fmt.Errorf("unknown file operation %q", op.Kind)
}

// copyPath copies a file or a directory tree. Copying onto an existing
// directory places src inside it. Existing files are overwritten.
func copyPath(src, dest string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if di, err := os.Stat(dest); err == nil && di.IsDir() {
		dest = filepath.Join(dest, filepath.Base(src))
	}

	if !info.IsDir() {
		return copyEntry(src, dest, info)
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, fi.Mode().Perm()|0o700)
		}
		return copyEntry(p, target, fi)
	})
}

func copyEntry(src, dest string, info fs.FileInfo) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		os.Remove(dest)
		return os.Symlink(target, dest)
	}
	return copyFile(src, dest)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// saveBuildLog xz-compresses the raw log at src into dest.
func saveBuildLog(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".log-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	xw, err := xz.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to create xz writer: %w", err)
	}
	if _, err := io.Copy(xw, in); err != nil {
		xw.Close()
		tmp.Close()
		return err
	}
	if err := xw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// readBuildLog returns the decompressed log for recipe name.
func readBuildLog(logsDir, name string) (string, error) {
	f, err := os.Open(filepath.Join(logsDir, name+".log.xz"))
	if err != nil {
		return "", err
	}
	defer f.Close()

	xr, err := xz.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to create xz reader: %w", err)
	}
	data, err := io.ReadAll(xr)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
