package kiln

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const projectHCL = `
project "scalarizr" {
  install_dir   = "/opt/scalarizr"
  build_version = "2.9.1"
  dependencies  = ["python-pysnmp", "scripts"]
}
`

const softwareHCL = `
software "python" {
  default_version = "2.7.9"

  source {
    url      = "https://www.python.org/ftp/python/${version}/Python-${version}.tgz"
    checksum = "md5:5eebcaa0030dc4061156d3429657fb83"
  }

  step "command" {
    platforms = ["posix"]
    command   = "./configure --prefix=${install_dir}/embedded"
    env = {
      CFLAGS = "-I${install_dir}/embedded/include"
    }
  }

  step "command" {
    platforms = ["windows"]
    command   = "msiexec /a python-${version}.msi"
  }
}

software "python-pysnmp" {
  default_version = "4.2.4"
  dependencies    = ["python"]

  step "command" {
    command = windows ? "${install_dir}/embedded/python/Scripts/pip.exe install -I pysnmp==${version}" : "${install_dir}/embedded/bin/pip install -I pysnmp==${version}"
  }
}

software "scripts" {
  default_version = build_version

  step "mkdir" {
    path = "${install_dir}/etc/${project}"
  }

  step "copy" {
    path = "files/${name}"
    dest = format("%s/etc/%s", install_dir, upper(project))
  }

  step "delete" {
    path = join("/", [install_dir, "tmp"])
  }

  step "block" {
    name = "clean-pyc"
  }
}
`

func writeRecipes(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

func TestLoadRecipes(t *testing.T) {
	dir := writeRecipes(t, map[string]string{
		"project.hcl":         projectHCL,
		"software/python.hcl": softwareHCL,
		"software/README.txt": "ignored",
	})
	linux := Platform{OS: "linux", Arch: "amd64"}

	project, set, err := LoadRecipes(dir, linux)
	require.NoError(t, err)
	assert.Equal(t, "scalarizr", project.Name)
	assert.Equal(t, "/opt/scalarizr", project.InstallDir)
	assert.Equal(t, "2.9.1", project.BuildVersion)
	assert.Equal(t, 4, set.Len())

	root, ok := set.Get("scalarizr")
	require.True(t, ok)
	assert.Equal(t, []string{"python-pysnmp", "scripts"}, root.Dependencies)
	assert.Empty(t, root.Steps)

	python, ok := set.Get("python")
	require.True(t, ok)
	assert.Equal(t, "2.7.9", python.Version)
	require.NotNil(t, python.Source)
	assert.Equal(t, "https://www.python.org/ftp/python/2.7.9/Python-2.7.9.tgz", python.Source.URL)
	assert.Equal(t, Checksum{Algorithm: AlgMD5, Hex: "5eebcaa0030dc4061156d3429657fb83"}, python.Source.Checksum)
	assert.True(t, python.Source.Extract)
	require.Len(t, python.Steps, 1)
	assert.Equal(t, ShellCommand{
		Text: "./configure --prefix=/opt/scalarizr/embedded",
		Env:  map[string]string{"CFLAGS": "-I/opt/scalarizr/embedded/include"},
	}, python.Steps[0])

	pysnmp, _ := set.Get("python-pysnmp")
	assert.Equal(t, []string{"python"}, pysnmp.Dependencies)
	assert.Equal(t, []Step{sh("/opt/scalarizr/embedded/bin/pip install -I pysnmp==4.2.4")}, pysnmp.Steps)

	scripts, _ := set.Get("scripts")
	assert.Equal(t, "2.9.1", scripts.Version)
	require.Len(t, scripts.Steps, 4)
	assert.Equal(t, FileOp{Kind: OpMkdir, Path: "/opt/scalarizr/etc/scalarizr"}, scripts.Steps[0])
	assert.Equal(t, FileOp{Kind: OpCopy, Path: "files/scripts", Dest: "/opt/scalarizr/etc/SCALARIZR"}, scripts.Steps[1])
	assert.Equal(t, FileOp{Kind: OpDelete, Path: "/opt/scalarizr/tmp"}, scripts.Steps[2])
	block, ok := scripts.Steps[3].(Block)
	require.True(t, ok)
	assert.Equal(t, "clean-pyc", block.Name)
	assert.NotNil(t, block.Fn)

	order, err := Resolve(set, project.Name)
	require.NoError(t, err)
	assert.Equal(t, []string{"python", "python-pysnmp", "scripts", "scalarizr"}, names(order))
}

func TestLoadRecipesWindows(t *testing.T) {
	dir := writeRecipes(t, map[string]string{"all.hcl": projectHCL + softwareHCL})
	windows := Platform{OS: "windows", Arch: "amd64"}

	_, set, err := LoadRecipes(dir, windows)
	require.NoError(t, err)

	python, _ := set.Get("python")
	assert.Equal(t, []Step{sh("msiexec /a python-2.7.9.msi")}, python.Steps)

	pysnmp, _ := set.Get("python-pysnmp")
	assert.Equal(t, []Step{sh("/opt/scalarizr/embedded/python/Scripts/pip.exe install -I pysnmp==4.2.4")}, pysnmp.Steps)
}

func TestLoadRecipesSingleFile(t *testing.T) {
	dir := writeRecipes(t, map[string]string{"all.hcl": projectHCL + softwareHCL})
	project, set, err := LoadRecipes(filepath.Join(dir, "all.hcl"), Platform{OS: "linux", Arch: "arm64"})
	require.NoError(t, err)
	assert.Equal(t, "scalarizr", project.Name)
	assert.Equal(t, 4, set.Len())
}

// softwareX wraps body in a software block next to the project.
func softwareX(body string) string {
	return projectHCL + "software \"x\" {\n  default_version = \"1\"\n" + body + "\n}\n"
}

func TestLoadRecipesErrors(t *testing.T) {
	linux := Platform{OS: "linux", Arch: "amd64"}
	tests := []struct {
		name  string
		files map[string]string
		want  string
	}{
		{
			name:  "no project",
			files: map[string]string{"a.hcl": `software "x" { default_version = "1" }`},
			want:  "no project block found",
		},
		{
			name:  "two projects",
			files: map[string]string{"a.hcl": projectHCL, "b.hcl": projectHCL},
			want:  "only one project",
		},
		{
			name: "duplicate software",
			files: map[string]string{
				"a.hcl": projectHCL + `software "x" { default_version = "1" }`,
				"b.hcl": `software "x" { default_version = "2" }`,
			},
			want: `duplicate recipe "x"`,
		},
		{
			name:  "missing default_version",
			files: map[string]string{"a.hcl": projectHCL + `software "x" { dependencies = [] }`},
			want:  "default_version",
		},
		{
			name:  "unknown step kind",
			files: map[string]string{"a.hcl": softwareX(`step "chmod" { path = "a" }`)},
			want:  `unknown step kind "chmod"`,
		},
		{
			name:  "step missing field",
			files: map[string]string{"a.hcl": softwareX(`step "copy" { path = "a" }`)},
			want:  `copy step requires "dest"`,
		},
		{
			name:  "step with foreign field",
			files: map[string]string{"a.hcl": softwareX("step \"mkdir\" {\n  path = \"a\"\n  command = \"ls\"\n}")},
			want:  `mkdir step does not accept "command"`,
		},
		{
			name:  "unregistered block",
			files: map[string]string{"a.hcl": softwareX(`step "block" { name = "nope" }`)},
			want:  `no block registered as "nope"`,
		},
		{
			name:  "bad checksum",
			files: map[string]string{"a.hcl": softwareX("source {\n  url = \"http://x/y.tgz\"\n  checksum = \"sha1:abc\"\n}")},
			want:  "source checksum",
		},
		{
			name:  "software name with space",
			files: map[string]string{"a.hcl": projectHCL + `software "my lib" { default_version = "1.0" }`},
			want:  `recipe name "my lib"`,
		},
		{
			name:  "version with space",
			files: map[string]string{"a.hcl": projectHCL + `software "x" { default_version = "1.0 beta" }`},
			want:  `version "1.0 beta" of recipe "x"`,
		},
		{
			name:  "project name with space",
			files: map[string]string{"a.hcl": "project \"my agent\" {\n  install_dir   = \"/opt/a\"\n  build_version = \"1\"\n}\n"},
			want:  `recipe name "my agent"`,
		},
		{
			name:  "syntax error",
			files: map[string]string{"a.hcl": `project "p" {`},
			want:  "failed to parse HCL file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeRecipes(t, tt.files)
			_, _, err := LoadRecipes(dir, linux)
			assert.ErrorContains(t, err, tt.want)
		})
	}

	t.Run("empty directory", func(t *testing.T) {
		_, _, err := LoadRecipes(t.TempDir(), linux)
		assert.ErrorContains(t, err, "no .hcl recipe files")
	})
}
