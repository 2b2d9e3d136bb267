package kiln

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	mismatch := &ChecksumMismatchError{URL: "https://example.com/a.tgz"}
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"generic", errors.New("boom"), 1},
		{"usage", usagef("bad flag"), 2},
		{"unresolved", &UnresolvedDependencyError{Recipe: "a", Dependency: "b"}, 3},
		{"cyclic", &CyclicDependencyError{Cycle: []string{"a", "b", "a"}}, 4},
		{"mismatch", mismatch, 5},
		{"mismatch inside fetch", &FetchError{Recipe: "a", URL: mismatch.URL, Err: mismatch}, 5},
		{"step exit code", &BuildFailedError{Recipe: "a", Step: 1, ExitCode: 42}, 42},
		{"block failure", &BuildFailedError{Recipe: "a", Step: 1, ExitCode: -1, Err: errors.New("x")}, 6},
		{"signal exit", &BuildFailedError{Recipe: "a", Step: 1, ExitCode: 300}, 6},
		{"io", &IOFailureError{Recipe: "a", Step: 2, Op: "copy", Path: "/x", Err: fs.ErrNotExist}, 7},
		{"manifest", &ManifestWriteError{Path: "/x", Err: fs.ErrPermission}, 8},
		{"fetch", &FetchError{URL: "https://example.com", Err: errors.New("timeout")}, 9},
		{"wrapped", fmt.Errorf("build: %w", &CyclicDependencyError{Cycle: []string{"a", "a"}}), 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "cyclic dependency: a -> b -> a",
		(&CyclicDependencyError{Cycle: []string{"a", "b", "a"}}).Error())
	assert.Equal(t, `unresolved dependency: a requires "zlib" which is not defined`,
		(&UnresolvedDependencyError{Recipe: "a", Dependency: "zlib"}).Error())
	assert.Equal(t, "copy /x: file does not exist",
		(&IOFailureError{Op: "copy", Path: "/x", Err: fs.ErrNotExist}).Error())
	assert.Equal(t, "python: step 3: mkdir /x: file does not exist",
		(&IOFailureError{Recipe: "python", Step: 3, Op: "mkdir", Path: "/x", Err: fs.ErrNotExist}).Error())
	assert.Equal(t, "python: step 2 exited with code 2",
		(&BuildFailedError{Recipe: "python", Step: 2, ExitCode: 2}).Error())

	cause := errors.New("disk full")
	assert.ErrorIs(t, &ManifestWriteError{Path: "/x", Err: cause}, cause)
	assert.ErrorIs(t, &FetchError{Err: cause}, cause)
}
