package kiln

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func envEntries(env []string, name string) []string {
	var out []string
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		if strings.EqualFold(k, name) {
			out = append(out, kv)
		}
	}
	return out
}

func TestStepEnvWindowsPathIsCaseInsensitive(t *testing.T) {
	bc := &BuildContext{
		InstallDir: `C:\opt\omnibus`,
		Platform:   Platform{OS: "windows", Arch: "amd64"},
		Env: []string{
			`=C:=C:\Users\build`,
			`Path=C:\Windows\system32;C:\Windows`,
			`cflags=/O2`,
			`SystemRoot=C:\Windows`,
		},
	}

	env := bc.stepEnv(map[string]string{"PATH": `C:\tools`, "SYSTEMROOT": `D:\Windows`})

	assert.Equal(t, []string{`Path=C:\tools`}, envEntries(env, "PATH"))
	assert.Equal(t, []string{`SystemRoot=D:\Windows`}, envEntries(env, "SYSTEMROOT"))
	assert.Empty(t, envEntries(env, "CFLAGS"))

	env = bc.stepEnv(nil)
	assert.Equal(t, []string{"Path=" + bc.EmbeddedBin() + `;C:\Windows\system32;C:\Windows`}, envEntries(env, "PATH"))
}

func TestStepEnvPosixKeepsCase(t *testing.T) {
	requirePosixShell(t)
	bc := &BuildContext{
		InstallDir: "/opt/omnibus",
		Platform:   Platform{OS: "linux", Arch: "amd64"},
		Env:        []string{"PATH=/usr/bin:/bin", "Path=unrelated", "CFLAGS=-O3"},
		WorkDir:    "/tmp/kiln-x-1",
	}

	env := bc.stepEnv(map[string]string{"FOO": "bar"})

	assert.Contains(t, env, "PATH=/opt/omnibus/embedded/bin:/usr/bin:/bin")
	assert.Contains(t, env, "Path=unrelated")
	assert.Contains(t, env, "KILN_INSTALL_DIR=/opt/omnibus")
	assert.Contains(t, env, "KILN_PROJECT_DIR=/tmp/kiln-x-1")
	assert.Contains(t, env, "FOO=bar")
	assert.Empty(t, envEntries(env, "CFLAGS"))
}
