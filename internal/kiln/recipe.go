package kiln

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
)

// Recipe is a named, versioned build unit.
type Recipe struct {
	Name         string
	Version      string
	Source       *Source
	Dependencies []string
	Steps        []Step

	// File is the recipe file the recipe was declared in, if any.
	File string
}

// Source describes the remote artifact a recipe builds from.
type Source struct {
	URL      string
	Checksum Checksum
	Extract  bool
}

// Step is one build action. The concrete types are ShellCommand, FileOp
// and Block.
type Step interface {
	Describe() string
}

// ShellCommand runs Text through the platform shell with Env layered on top
// of the step environment.
type ShellCommand struct {
	Text string
	Env  map[string]string
}

func (s ShellCommand) Describe() string { return s.Text }

// FileOpKind selects what a FileOp does.
type FileOpKind string

const (
	OpMkdir  FileOpKind = "mkdir"
	OpDelete FileOpKind = "delete"
	OpCopy   FileOpKind = "copy"
)

// FileOp is a filesystem mutation. Relative paths are taken relative to the
// recipe's working directory.
type FileOp struct {
	Kind FileOpKind
	Path string
	Dest string
}

func (s FileOp) Describe() string {
	if s.Kind == OpCopy {
		return fmt.Sprintf("copy %s %s", s.Path, s.Dest)
	}
	return fmt.Sprintf("%s %s", s.Kind, s.Path)
}

// Block invokes a registered callback with the BuildContext.
type Block struct {
	Name string
	Fn   BlockFunc
}

func (s Block) Describe() string { return "block " + s.Name }

// BuildContext is the state shared by every step of a build invocation. The
// Builder hands each recipe a copy with WorkDir and Log filled in.
type BuildContext struct {
	InstallDir     string
	Platform       Platform
	Project        string
	ProjectVersion string
	CacheDir       string
	TmpDir         string
	Env            []string

	// Per-recipe fields.
	Recipe  *Recipe
	WorkDir string
	Log     io.Writer

	// Out receives status lines. Nil means stdout.
	Out io.Writer

	fsMu *sync.Mutex

	// Set in parallel mode. turn is the recipe's position in the resolved
	// order.
	sched *schedule
	turn  int
}

// NewBuildContext captures the process environment and the resolved platform
// for one build invocation.
func NewBuildContext(project *Recipe, installDir string, cfg *Config) *BuildContext {
	return &BuildContext{
		InstallDir:     installDir,
		Platform:       cfg.Platform,
		Project:        project.Name,
		ProjectVersion: project.Version,
		CacheDir:       cfg.CacheDir,
		TmpDir:         cfg.TmpDir,
		Env:            os.Environ(),
		fsMu:           &sync.Mutex{},
	}
}

// forRecipe returns the copy of bc handed to r's steps.
func (bc *BuildContext) forRecipe(r *Recipe, workDir string, log io.Writer) *BuildContext {
	c := *bc
	c.Recipe = r
	c.WorkDir = workDir
	c.Log = log
	if c.fsMu == nil {
		c.fsMu = &sync.Mutex{}
	}
	return &c
}

// scheduled returns a copy of bc that builds at position turn of sched.
func (bc *BuildContext) scheduled(sched *schedule, turn int) *BuildContext {
	c := *bc
	c.sched = sched
	c.turn = turn
	return &c
}

// lockInstallTree serializes file operations on the shared install tree
// when recipes build concurrently.
func (bc *BuildContext) lockInstallTree() func() {
	if bc.fsMu == nil {
		return func() {}
	}
	bc.fsMu.Lock()
	return bc.fsMu.Unlock
}

// EmbeddedBin is the directory prepended to PATH for every step.
func (bc *BuildContext) EmbeddedBin() string {
	return filepath.Join(bc.InstallDir, "embedded", "bin")
}

// Path resolves p against the recipe's working directory.
func (bc *BuildContext) Path(p string) string {
	if filepath.IsAbs(p) || bc.WorkDir == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(bc.WorkDir, p)
}

// strippedFlags are never inherited by build steps; recipes set them
// explicitly through step overrides.
var strippedFlags = []string{"CFLAGS", "CXXFLAGS", "LDFLAGS"}

// stepEnv builds a fresh environment for a single step. Windows variable
// names are case-insensitive, so there the first spelling seen (usually
// "Path") is kept and later writes to any spelling replace its value.
func (bc *BuildContext) stepEnv(overrides map[string]string) []string {
	key := func(k string) string { return k }
	if bc.Platform.Windows() {
		key = strings.ToUpper
	}

	names := make(map[string]string, len(bc.Env)+4)
	values := make(map[string]string, len(bc.Env)+4)
	var order []string
	set := func(k, v string) {
		nk := key(k)
		if _, ok := names[nk]; !ok {
			names[nk] = k
			order = append(order, nk)
		}
		values[nk] = v
	}

	for _, kv := range bc.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		set(k, v)
	}
	for _, k := range strippedFlags {
		delete(values, key(k))
	}

	sep := string(os.PathListSeparator)
	if bc.Platform.Windows() {
		sep = ";"
	}
	if p := values[key("PATH")]; p != "" {
		set("PATH", bc.EmbeddedBin()+sep+p)
	} else {
		set("PATH", bc.EmbeddedBin())
	}
	set("KILN_INSTALL_DIR", bc.InstallDir)
	if bc.WorkDir != "" {
		set("KILN_PROJECT_DIR", bc.WorkDir)
	}
	for k, v := range overrides {
		set(k, v)
	}

	out := make([]string, 0, len(values))
	for _, nk := range order {
		if v, ok := values[nk]; ok {
			out = append(out, names[nk]+"="+v)
		}
	}
	return out
}

// RecipeSet holds recipes keyed by name in declaration order.
type RecipeSet struct {
	byName map[string]*Recipe
	order  []string
}

func NewRecipeSet(recipes ...*Recipe) (*RecipeSet, error) {
	s := &RecipeSet{byName: make(map[string]*Recipe)}
	for _, r := range recipes {
		if err := s.Add(r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers r. Names must be unique, and neither name nor version may
// contain whitespace since both are written as fields of a manifest line.
func (s *RecipeSet) Add(r *Recipe) error {
	if r.Name == "" {
		return fmt.Errorf("recipe has no name")
	}
	if strings.ContainsFunc(r.Name, unicode.IsSpace) {
		return fmt.Errorf("recipe name %q%s must not contain whitespace", r.Name, declaredIn(r))
	}
	if strings.ContainsFunc(r.Version, unicode.IsSpace) {
		return fmt.Errorf("version %q of recipe %q%s must not contain whitespace", r.Version, r.Name, declaredIn(r))
	}
	if prev, ok := s.byName[r.Name]; ok {
		if prev.File != "" && r.File != "" {
			return fmt.Errorf("duplicate recipe %q (declared in %s and %s)", r.Name, prev.File, r.File)
		}
		return fmt.Errorf("duplicate recipe %q", r.Name)
	}
	if s.byName == nil {
		s.byName = make(map[string]*Recipe)
	}
	s.byName[r.Name] = r
	s.order = append(s.order, r.Name)
	return nil
}

func declaredIn(r *Recipe) string {
	if r.File == "" {
		return ""
	}
	return " in " + r.File
}

func (s *RecipeSet) Get(name string) (*Recipe, bool) {
	r, ok := s.byName[name]
	return r, ok
}

func (s *RecipeSet) Len() int { return len(s.order) }

// Recipes returns all recipes in declaration order.
func (s *RecipeSet) Recipes() []*Recipe {
	out := make([]*Recipe, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.byName[n])
	}
	return out
}
