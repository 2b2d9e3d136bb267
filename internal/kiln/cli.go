package kiln

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

// printHelp prints the commands table
func printHelp() {
	colSuccess.Println("Usage: kiln <command> [arguments]")
	colSuccess.Println("Run 'kiln <command> -h' for command options")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"version, --version", "", "Version information"},
		{"build, b", "[-manifest file] [-report] [-jobs n] <recipes>", "Resolve, fetch and build a project"},
		{"order", "<recipes>", "Print the resolved build order"},
		{"fetch", "<recipes>", "Fetch and verify every source"},
		{"checksum, c", "<file>...", "Print checksums of local files"},
		{"manifest, m", "<file>", "Show a version manifest"},
		{"log", "<recipe>", "Show the build log of a recipe"},
		{"bundle", "[-o file] <recipes>", "Archive the install tree"},
		{"publish", "[-force] <bundle>", "Upload a bundle to object storage"},
		{"cleanup", "[options]", "Cleanup caches"},
	}

	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		var usageString string
		if c.Args != "" {
			usageString = fmt.Sprintf("  %s %s", c.Cmd, c.Args)
		} else {
			usageString = fmt.Sprintf("  %s", c.Cmd)
		}

		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}

		pad := columnWidth - len(usageString)
		if pad < 1 {
			pad = 1
		}
		fmt.Print(strings.Repeat(" ", pad))
		color.Info.Println(c.Desc)
	}
	fmt.Println()
}

// Main is the CLI entrypoint for cmd/kiln.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigs:
			colArrow.Print("\n-> ")
			if isCriticalAtomic.Load() == 1 {
				colError.Printf("Received %v. Stopping the running build step\n", sig)
			} else {
				color.Danger.Printf("Received %v. Cancelling process gracefully\n", sig)
			}
			cancel()

			select {
			case <-sigs:
				colArrow.Print("\n-> ")
				color.Danger.Println("Second interrupt received. Forcing immediate exit.")
				os.Exit(130)
			case <-time.After(10 * time.Second):
				colArrow.Print("\n-> ")
				color.Danger.Println("Graceful shutdown timeout. Exiting.")
				os.Exit(130)
			}
		case <-ctx.Done():
		}
	}()

	if len(os.Args) < 2 {
		printHelp()
		return
	}

	configPath := ConfigFile
	if p := os.Getenv("KILN_CONFIG"); p != "" {
		configPath = p
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		colError.Printf("Error: %v\n", err)
		os.Exit(exitUsage)
	}

	if err := dispatch(ctx, cfg, os.Args[1], os.Args[2:]); err != nil {
		colError.Printf("Error: %v\n", err)
		os.Exit(ExitCode(err))
	}
}

// dispatch runs one kiln command.
func dispatch(ctx context.Context, cfg *Config, cmd string, args []string) error {
	switch cmd {
	case "build", "b":
		return handleBuildCommand(ctx, args, cfg)
	case "order":
		return handleOrderCommand(args, cfg)
	case "fetch":
		return handleFetchCommand(ctx, args, cfg)
	case "checksum", "c":
		return handleChecksumCommand(args, os.Stdout)
	case "manifest", "m":
		return handleManifestCommand(args)
	case "log":
		return handleLogCommand(args, cfg)
	case "bundle":
		return handleBundleCommand(args, cfg)
	case "publish":
		return handlePublishCommand(ctx, args, cfg)
	case "cleanup":
		return handleCleanupCommand(args, cfg)
	case "version", "--version":
		fmt.Printf("kiln %s (%s) %s\n", version, buildDate, arch)
		return nil
	case "help", "-h", "--help":
		printHelp()
		return nil
	}
	printHelp()
	return usagef("unknown command %q", cmd)
}

// parseFlags parses args and maps flag errors to usage errors.
func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return usagef("%s: help requested", fs.Name())
		}
		return usagef("%s: %v", fs.Name(), err)
	}
	return nil
}

func recipesArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", usagef("Usage: kiln %s [options] <recipes-path>", fs.Name())
	}
	return fs.Arg(0), nil
}

func handleBuildCommand(ctx context.Context, args []string, cfg *Config) error {
	buildCmd := flag.NewFlagSet("build", flag.ContinueOnError)
	manifestPath := buildCmd.String("manifest", "", "Manifest output file (default <install_dir>/version-manifest.txt)")
	report := buildCmd.Bool("report", false, "Append the sources report to the manifest")
	jobs := buildCmd.Int("jobs", cfg.Jobs, "Build up to n independent recipe groups at once")
	if err := parseFlags(buildCmd, args); err != nil {
		return err
	}
	path, err := recipesArg(buildCmd)
	if err != nil {
		return err
	}
	if *jobs < 1 {
		return usagef("build: -jobs must be at least 1")
	}

	project, set, err := LoadRecipes(path, cfg.Platform)
	if err != nil {
		return err
	}
	if *manifestPath == "" {
		*manifestPath = filepath.Join(project.InstallDir, manifestName)
	}

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return &IOFailureError{Op: "mkdir", Path: cfg.CacheDir, Err: err}
	}
	lock, ok := tryLockFile(filepath.Join(cfg.CacheDir, project.Name+".build"))
	if !ok {
		return fmt.Errorf("another kiln build of %s is already running", project.Name)
	}
	defer lock.Unlock()

	bc := NewBuildContext(project.Recipe(), project.InstallDir, cfg)
	builder := &Builder{Fetcher: NewFetcher(cfg.FetchOptions()), LogsDir: cfg.LogsDir()}

	colArrow.Print("-> ")
	colSuccess.Printf("Building %s %s for %s into %s\n", project.Name, project.BuildVersion, cfg.Platform, project.InstallDir)
	m, err := Run(ctx, set, project.Name, bc, builder, RunOptions{
		Jobs:         *jobs,
		ManifestPath: *manifestPath,
		Report:       *report,
	})
	if err != nil {
		return err
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Built %d components for %s %s\n", len(m.Entries), m.Project, m.Version)
	return nil
}

func handleOrderCommand(args []string, cfg *Config) error {
	orderCmd := flag.NewFlagSet("order", flag.ContinueOnError)
	if err := parseFlags(orderCmd, args); err != nil {
		return err
	}
	path, err := recipesArg(orderCmd)
	if err != nil {
		return err
	}

	project, set, err := LoadRecipes(path, cfg.Platform)
	if err != nil {
		return err
	}
	order, err := Resolve(set, project.Name)
	if err != nil {
		return err
	}
	cPrintf(colInfo, "%s %s (%s)\n", project.Name, project.BuildVersion, cfg.Platform)
	for i, r := range order {
		fmt.Printf("%3d  %s %s\n", i+1, r.Name, r.Version)
	}
	return nil
}

func handleFetchCommand(ctx context.Context, args []string, cfg *Config) error {
	fetchCmd := flag.NewFlagSet("fetch", flag.ContinueOnError)
	if err := parseFlags(fetchCmd, args); err != nil {
		return err
	}
	path, err := recipesArg(fetchCmd)
	if err != nil {
		return err
	}

	project, set, err := LoadRecipes(path, cfg.Platform)
	if err != nil {
		return err
	}
	order, err := Resolve(set, project.Name)
	if err != nil {
		return err
	}

	fetcher := NewFetcher(cfg.FetchOptions())
	for _, r := range order {
		if r.Source == nil {
			if r.Name != project.Name {
				cPrintf(colNote, "%s %s: no source\n", r.Name, r.Version)
			}
			continue
		}
		p, err := fetcher.Fetch(ctx, r.Source.URL, r.Source.Checksum)
		if err != nil {
			var fetchErr *FetchError
			if errors.As(err, &fetchErr) {
				fetchErr.Recipe = r.Name
				return fetchErr
			}
			return fmt.Errorf("%s: %w", r.Name, err)
		}
		status(nil, "%s %s: %s", r.Name, r.Version, p)
	}
	return nil
}

func handleChecksumCommand(args []string, w io.Writer) error {
	if len(args) == 0 {
		return usagef("Usage: kiln checksum <file>...")
	}
	for _, file := range args {
		for _, alg := range []string{AlgBlake3, AlgSHA256} {
			sum, err := ComputeChecksum(file, alg)
			if err != nil {
				return &IOFailureError{Op: "checksum", Path: file, Err: err}
			}
			fmt.Fprintf(w, "%s  %s\n", sum, file)
		}
	}
	return nil
}

func handleManifestCommand(args []string) error {
	if len(args) != 1 {
		return usagef("Usage: kiln manifest <file>")
	}
	m, err := ReadManifest(args[0])
	if err != nil {
		return err
	}
	return RunPager("manifest: "+m.Project+" "+m.Version, strings.Split(strings.TrimRight(m.String(), "\n"), "\n"))
}

func handleLogCommand(args []string, cfg *Config) error {
	if len(args) != 1 {
		return usagef("Usage: kiln log <recipe>")
	}
	text, err := readBuildLog(cfg.LogsDir(), args[0])
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no build log found for %s", args[0])
		}
		return err
	}
	return RunPager("log: "+args[0], strings.Split(strings.TrimRight(text, "\n"), "\n"))
}

func handleBundleCommand(args []string, cfg *Config) error {
	bundleCmd := flag.NewFlagSet("bundle", flag.ContinueOnError)
	out := bundleCmd.String("o", "", "Bundle file (default <project>-<version>-<os>-<arch>.tar.zst)")
	if err := parseFlags(bundleCmd, args); err != nil {
		return err
	}
	path, err := recipesArg(bundleCmd)
	if err != nil {
		return err
	}

	project, _, err := LoadRecipes(path, cfg.Platform)
	if err != nil {
		return err
	}
	recorded := filepath.Join(project.InstallDir, manifestName)
	if _, err := os.Stat(recorded); err != nil {
		return fmt.Errorf("no successful build recorded for %s (missing %s)", project.Name, recorded)
	}

	dest := *out
	if dest == "" {
		dest = BundleName(project.Name, project.BuildVersion, cfg.Platform)
	}
	sum, err := CreateBundle(project.InstallDir, dest)
	if err != nil {
		return err
	}
	status(nil, "Bundle %s (%s)", dest, sum)
	return nil
}

func handlePublishCommand(ctx context.Context, args []string, cfg *Config) error {
	publishCmd := flag.NewFlagSet("publish", flag.ContinueOnError)
	force := publishCmd.Bool("force", false, "Overwrite objects that already exist")
	projectName := publishCmd.String("project", "", "Project name (default from the bundled manifest)")
	projectVersion := publishCmd.String("version", "", "Project version (default from the bundled manifest)")
	if err := parseFlags(publishCmd, args); err != nil {
		return err
	}
	if publishCmd.NArg() != 1 {
		return usagef("Usage: kiln publish [options] <bundle>")
	}
	bundle := publishCmd.Arg(0)

	if *projectName == "" || *projectVersion == "" {
		m, err := bundleManifest(bundle)
		if err != nil {
			return err
		}
		if *projectName == "" {
			*projectName = m.Project
		}
		if *projectVersion == "" {
			*projectVersion = m.Version
		}
	}

	store, err := NewBucketStore(ctx, cfg)
	if err != nil {
		return err
	}
	return PublishBundle(ctx, store, *projectName, *projectVersion, bundle, *force)
}
