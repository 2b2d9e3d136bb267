package kiln

import (
	"errors"
	"fmt"
	"strings"
)

// Exit codes reported by the kiln binary.
const (
	exitOK                   = 0
	exitGeneric              = 1
	exitUsage                = 2
	exitUnresolvedDependency = 3
	exitCyclicDependency     = 4
	exitChecksumMismatch     = 5
	exitBuildFailed          = 6
	exitIOFailure            = 7
	exitManifestWrite        = 8
	exitFetch                = 9
)

// UnresolvedDependencyError is returned when a recipe names a dependency
// that is not in the recipe set.
type UnresolvedDependencyError struct {
	Recipe     string
	Dependency string
}

func (e *UnresolvedDependencyError) Error() string {
	if e.Recipe == "" {
		return fmt.Sprintf("unresolved dependency: no recipe named %q", e.Dependency)
	}
	return fmt.Sprintf("unresolved dependency: %s requires %q which is not defined", e.Recipe, e.Dependency)
}

// CyclicDependencyError names the cycle as a path starting and ending at the
// same recipe.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return "cyclic dependency: " + strings.Join(e.Cycle, " -> ")
}

// ChecksumMismatchError is returned when a fetched artifact does not hash to
// the expected value.
type ChecksumMismatchError struct {
	URL      string
	Expected Checksum
	Actual   Checksum
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.URL, e.Expected, e.Actual)
}

// FetchError wraps transport failures while retrieving a recipe's source.
type FetchError struct {
	Recipe string
	URL    string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Recipe == "" {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("%s: fetch %s: %v", e.Recipe, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// BuildFailedError is returned when a command step exits non-zero or a block
// callback fails. ExitCode is -1 for block failures and for commands that
// did not exit on their own (killed by a signal or cancelled).
type BuildFailedError struct {
	Recipe   string
	Step     int
	ExitCode int
	Err      error
}

func (e *BuildFailedError) Error() string {
	if e.ExitCode <= 0 {
		return fmt.Sprintf("%s: step %d failed: %v", e.Recipe, e.Step, e.Err)
	}
	return fmt.Sprintf("%s: step %d exited with code %d", e.Recipe, e.Step, e.ExitCode)
}

func (e *BuildFailedError) Unwrap() error { return e.Err }

// IOFailureError is returned when a file operation step fails.
type IOFailureError struct {
	Recipe string
	Step   int
	Op     string
	Path   string
	Err    error
}

func (e *IOFailureError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	switch {
	case e.Recipe == "":
		return msg
	case e.Step > 0:
		return fmt.Sprintf("%s: step %d: %s", e.Recipe, e.Step, msg)
	}
	return e.Recipe + ": " + msg
}

func (e *IOFailureError) Unwrap() error { return e.Err }

// ManifestWriteError is returned when the version manifest cannot be
// persisted.
type ManifestWriteError struct {
	Path string
	Err  error
}

func (e *ManifestWriteError) Error() string {
	return fmt.Sprintf("failed to write manifest %s: %v", e.Path, e.Err)
}

func (e *ManifestWriteError) Unwrap() error { return e.Err }

// usageError marks bad command-line input.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, a ...any) error {
	return &usageError{msg: fmt.Sprintf(format, a...)}
}

// ExitCode maps an error returned by a kiln command to the process exit
// status.
func ExitCode(err error) int {
	if err == nil {
		return exitOK
	}

	var (
		unresolved *UnresolvedDependencyError
		cyclic     *CyclicDependencyError
		mismatch   *ChecksumMismatchError
		failed     *BuildFailedError
		ioFail     *IOFailureError
		manifest   *ManifestWriteError
		fetch      *FetchError
		usage      *usageError
	)

	switch {
	case errors.As(err, &usage):
		return exitUsage
	case errors.As(err, &unresolved):
		return exitUnresolvedDependency
	case errors.As(err, &cyclic):
		return exitCyclicDependency
	case errors.As(err, &mismatch):
		return exitChecksumMismatch
	case errors.As(err, &failed):
		if failed.ExitCode > 0 && failed.ExitCode < 256 {
			return failed.ExitCode
		}
		return exitBuildFailed
	case errors.As(err, &ioFail):
		return exitIOFailure
	case errors.As(err, &manifest):
		return exitManifestWrite
	case errors.As(err, &fetch):
		return exitFetch
	}
	return exitGeneric
}
