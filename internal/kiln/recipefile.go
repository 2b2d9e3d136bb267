package kiln

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// Project is the root of a recipe tree.
type Project struct {
	Name         string
	InstallDir   string
	BuildVersion string
	Dependencies []string
	File         string
}

// Recipe returns the root recipe the resolver starts from.
func (p *Project) Recipe() *Recipe {
	return &Recipe{Name: p.Name, Version: p.BuildVersion, Dependencies: p.Dependencies, File: p.File}
}

// recipeFile holds every top-level block of a file. Block bodies are kept
// undecoded until the evaluation context for them exists.
type recipeFile struct {
	Projects []*hclProject  `hcl:"project,block"`
	Software []*hclSoftware `hcl:"software,block"`
}

type hclProject struct {
	Name   string   `hcl:"name,label"`
	Remain hcl.Body `hcl:",remain"`
}

type hclProjectBody struct {
	InstallDir   string   `hcl:"install_dir"`
	BuildVersion string   `hcl:"build_version"`
	Dependencies []string `hcl:"dependencies,optional"`
}

type hclSoftware struct {
	Name   string   `hcl:"name,label"`
	Remain hcl.Body `hcl:",remain"`
}

// default_version is decoded on its own first so the rest of the body can
// refer to it as version.
type hclSoftwareHead struct {
	DefaultVersion string   `hcl:"default_version"`
	Remain         hcl.Body `hcl:",remain"`
}

type hclSoftwareBody struct {
	Dependencies []string   `hcl:"dependencies,optional"`
	Source       *hclSource `hcl:"source,block"`
	Steps        []*hclStep `hcl:"step,block"`
}

type hclSource struct {
	URL      string `hcl:"url"`
	Checksum string `hcl:"checksum"`
	Extract  *bool  `hcl:"extract,optional"`
}

type hclStep struct {
	Kind      string            `hcl:"kind,label"`
	Platforms []string          `hcl:"platforms,optional"`
	Command   *string           `hcl:"command,optional"`
	Env       map[string]string `hcl:"env,optional"`
	Path      *string           `hcl:"path,optional"`
	Dest      *string           `hcl:"dest,optional"`
	Name      *string           `hcl:"name,optional"`
}

type parsedFile struct {
	path string
	root recipeFile
}

// recipeFunctions are callable from any expression in a recipe file.
var recipeFunctions = map[string]function.Function{
	"upper":   stdlib.UpperFunc,
	"lower":   stdlib.LowerFunc,
	"join":    stdlib.JoinFunc,
	"concat":  stdlib.ConcatFunc,
	"format":  stdlib.FormatFunc,
	"replace": stdlib.ReplaceFunc,
}

// LoadRecipes parses every .hcl file under path (or path itself) for
// platform. The returned set contains the project's root recipe.
func LoadRecipes(path string, platform Platform) (*Project, *RecipeSet, error) {
	files, err := findRecipeFiles(path)
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("no .hcl recipe files found in %s", path)
	}

	parser := hclparse.NewParser()
	parsed := make([]parsedFile, 0, len(files))
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		var root recipeFile
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
			return nil, nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}
		parsed = append(parsed, parsedFile{path: file, root: root})
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"windows": cty.BoolVal(platform.Windows()),
			"os":      cty.StringVal(platform.OS),
			"arch":    cty.StringVal(platform.Arch),
		},
		Functions: recipeFunctions,
	}

	project, err := decodeProject(parsed, evalCtx)
	if err != nil {
		return nil, nil, err
	}

	projectCtx := evalCtx.NewChild()
	projectCtx.Variables = map[string]cty.Value{
		"install_dir":   cty.StringVal(project.InstallDir),
		"project":       cty.StringVal(project.Name),
		"build_version": cty.StringVal(project.BuildVersion),
	}

	set, err := NewRecipeSet(project.Recipe())
	if err != nil {
		return nil, nil, err
	}
	for _, pf := range parsed {
		for _, sw := range pf.root.Software {
			r, err := decodeSoftware(sw, pf.path, projectCtx, platform)
			if err != nil {
				return nil, nil, err
			}
			if err := set.Add(r); err != nil {
				return nil, nil, err
			}
		}
	}

	debugf("loaded %d recipes from %d files\n", set.Len(), len(files))
	return project, set, nil
}

func findRecipeFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("error accessing path %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".hcl") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func decodeProject(parsed []parsedFile, evalCtx *hcl.EvalContext) (*Project, error) {
	var (
		found *hclProject
		file  string
	)
	for _, pf := range parsed {
		for _, p := range pf.root.Projects {
			if found != nil {
				return nil, fmt.Errorf("project %q in %s: only one project may be declared (already have %q in %s)", p.Name, pf.path, found.Name, file)
			}
			found, file = p, pf.path
		}
	}
	if found == nil {
		return nil, fmt.Errorf("no project block found")
	}

	var body hclProjectBody
	if diags := gohcl.DecodeBody(found.Remain, evalCtx, &body); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode project %q in %s: %w", found.Name, file, diags)
	}
	if body.InstallDir == "" {
		return nil, fmt.Errorf("project %q in %s: install_dir must not be empty", found.Name, file)
	}
	if body.BuildVersion == "" {
		return nil, fmt.Errorf("project %q in %s: build_version must not be empty", found.Name, file)
	}

	return &Project{
		Name:         found.Name,
		InstallDir:   body.InstallDir,
		BuildVersion: body.BuildVersion,
		Dependencies: body.Dependencies,
		File:         file,
	}, nil
}

func decodeSoftware(sw *hclSoftware, file string, projectCtx *hcl.EvalContext, platform Platform) (*Recipe, error) {
	nameCtx := projectCtx.NewChild()
	nameCtx.Variables = map[string]cty.Value{"name": cty.StringVal(sw.Name)}

	var head hclSoftwareHead
	if diags := gohcl.DecodeBody(sw.Remain, nameCtx, &head); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode software %q in %s: %w", sw.Name, file, diags)
	}
	if head.DefaultVersion == "" {
		return nil, fmt.Errorf("software %q in %s: default_version must not be empty", sw.Name, file)
	}

	swCtx := projectCtx.NewChild()
	swCtx.Variables = map[string]cty.Value{
		"name":    cty.StringVal(sw.Name),
		"version": cty.StringVal(head.DefaultVersion),
	}

	var body hclSoftwareBody
	if diags := gohcl.DecodeBody(head.Remain, swCtx, &body); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode software %q in %s: %w", sw.Name, file, diags)
	}

	r := &Recipe{
		Name:         sw.Name,
		Version:      head.DefaultVersion,
		Dependencies: body.Dependencies,
		File:         file,
	}

	if body.Source != nil {
		sum, err := ParseChecksum(body.Source.Checksum)
		if err != nil {
			return nil, fmt.Errorf("software %q in %s: source checksum: %w", sw.Name, file, err)
		}
		extract := true
		if body.Source.Extract != nil {
			extract = *body.Source.Extract
		}
		r.Source = &Source{URL: body.Source.URL, Checksum: sum, Extract: extract}
	}

	for i, hs := range body.Steps {
		if !platform.Matches(hs.Platforms) {
			debugf("%s: dropping step %d (%s), platforms %v\n", sw.Name, i+1, hs.Kind, hs.Platforms)
			continue
		}
		step, err := hs.toStep()
		if err != nil {
			return nil, fmt.Errorf("software %q in %s: step %d: %w", sw.Name, file, i+1, err)
		}
		r.Steps = append(r.Steps, step)
	}
	return r, nil
}

// toStep validates the attributes set for the step kind.
func (hs *hclStep) toStep() (Step, error) {
	set := map[string]bool{
		"command": hs.Command != nil,
		"env":     hs.Env != nil,
		"path":    hs.Path != nil,
		"dest":    hs.Dest != nil,
		"name":    hs.Name != nil,
	}
	allow := func(kind string, required []string, optional ...string) error {
		allowed := map[string]bool{}
		for _, a := range required {
			if !set[a] {
				return fmt.Errorf("%s step requires %q", kind, a)
			}
			allowed[a] = true
		}
		for _, a := range optional {
			allowed[a] = true
		}
		for a, ok := range set {
			if ok && !allowed[a] {
				return fmt.Errorf("%s step does not accept %q", kind, a)
			}
		}
		return nil
	}

	switch hs.Kind {
	case "command":
		if err := allow(hs.Kind, []string{"command"}, "env"); err != nil {
			return nil, err
		}
		return ShellCommand{Text: *hs.Command, Env: hs.Env}, nil
	case string(OpMkdir), string(OpDelete):
		if err := allow(hs.Kind, []string{"path"}); err != nil {
			return nil, err
		}
		return FileOp{Kind: FileOpKind(hs.Kind), Path: *hs.Path}, nil
	case string(OpCopy):
		if err := allow(hs.Kind, []string{"path", "dest"}); err != nil {
			return nil, err
		}
		return FileOp{Kind: OpCopy, Path: *hs.Path, Dest: *hs.Dest}, nil
	case "block":
		if err := allow(hs.Kind, []string{"name"}); err != nil {
			return nil, err
		}
		fn, ok := LookupBlock(*hs.Name)
		if !ok {
			return nil, fmt.Errorf("no block registered as %q (known: %s)", *hs.Name, strings.Join(BlockNames(), ", "))
		}
		return Block{Name: *hs.Name, Fn: fn}, nil
	}
	return nil, fmt.Errorf("unknown step kind %q", hs.Kind)
}
