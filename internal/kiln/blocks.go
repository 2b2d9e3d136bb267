package kiln

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// BlockFunc is the callback behind a Block step.
type BlockFunc func(ctx context.Context, bc *BuildContext) error

var (
	blocksMu sync.RWMutex
	blocks   = map[string]BlockFunc{
		"clean-pyc":      cleanPyc,
		"strip-la-files": stripLaFiles,
	}
)

// RegisterBlock makes fn available to recipe files under name.
func RegisterBlock(name string, fn BlockFunc) {
	blocksMu.Lock()
	defer blocksMu.Unlock()
	blocks[name] = fn
}

// LookupBlock returns the callback registered under name.
func LookupBlock(name string) (BlockFunc, bool) {
	blocksMu.RLock()
	defer blocksMu.RUnlock()
	fn, ok := blocks[name]
	return fn, ok
}

// BlockNames lists the registered callbacks, sorted.
func BlockNames() []string {
	blocksMu.RLock()
	defer blocksMu.RUnlock()
	names := make([]string, 0, len(blocks))
	for n := range blocks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// cleanPyc removes compiled python bytecode from the install tree.
func cleanPyc(ctx context.Context, bc *BuildContext) error {
	return removeMatching(ctx, bc, func(path string, d fs.DirEntry) bool {
		if d.IsDir() {
			return d.Name() == "__pycache__"
		}
		return strings.HasSuffix(path, ".pyc") || strings.HasSuffix(path, ".pyo")
	})
}

// stripLaFiles removes libtool archives from the install tree.
func stripLaFiles(ctx context.Context, bc *BuildContext) error {
	return removeMatching(ctx, bc, func(path string, d fs.DirEntry) bool {
		return !d.IsDir() && strings.HasSuffix(path, ".la")
	})
}

func removeMatching(ctx context.Context, bc *BuildContext, match func(string, fs.DirEntry) bool) error {
	unlock := bc.lockInstallTree()
	defer unlock()

	var victims []string
	err := filepath.WalkDir(bc.InstallDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if match(path, d) {
			victims = append(victims, path)
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, v := range victims {
		if err := os.RemoveAll(v); err != nil {
			return fmt.Errorf("remove %s: %w", v, err)
		}
	}
	if bc.Log != nil {
		fmt.Fprintf(bc.Log, "removed %d paths under %s\n", len(victims), bc.InstallDir)
	}
	return nil
}
