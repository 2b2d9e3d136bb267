package kiln

import (
	"fmt"
	"runtime"
	"slices"
	"strings"
)

// Platform identifies the target a build runs for. It is resolved once when
// the BuildContext is created and never re-read while steps execute.
type Platform struct {
	OS   string
	Arch string
}

// HostPlatform returns the platform kiln itself runs on.
func HostPlatform() Platform {
	return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
}

// ParsePlatform parses "os/arch" or a bare "os".
func ParsePlatform(s string) (Platform, error) {
	osName, archName, _ := strings.Cut(strings.TrimSpace(s), "/")
	if osName == "" {
		return Platform{}, fmt.Errorf("empty platform %q", s)
	}
	if archName == "" {
		archName = runtime.GOARCH
	}
	return Platform{OS: strings.ToLower(osName), Arch: strings.ToLower(archName)}, nil
}

func (p Platform) String() string {
	return p.OS + "/" + p.Arch
}

// Windows reports whether the platform is a Windows target.
func (p Platform) Windows() bool {
	return p.OS == "windows"
}

// Matches reports whether the platform is selected by a step's platform
// list. An empty list selects every platform. Entries may be an OS name, an
// "os/arch" pair, or "posix" for every non-Windows OS.
func (p Platform) Matches(platforms []string) bool {
	if len(platforms) == 0 {
		return true
	}
	return slices.ContainsFunc(platforms, func(want string) bool {
		want = strings.ToLower(strings.TrimSpace(want))
		switch {
		case want == "posix":
			return !p.Windows()
		case strings.Contains(want, "/"):
			return want == p.String()
		default:
			return want == p.OS
		}
	})
}

// Choose returns the Windows steps on Windows and the POSIX steps
// elsewhere. Recipes call it while being constructed so the step list the
// Builder sees is already specific to one platform.
func (p Platform) Choose(windows, posix []Step) []Step {
	if p.Windows() {
		return windows
	}
	return posix
}

// shell returns the interpreter used for command steps.
func (p Platform) shell() []string {
	if p.Windows() {
		return []string{"cmd", "/C"}
	}
	return []string{"/bin/sh", "-c"}
}
