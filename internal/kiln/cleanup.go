package kiln

import (
	"flag"
	"fmt"
	"os"
)

func handleCleanupCommand(args []string, cfg *Config) error {
	cleanupCmd := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	cleanSources := cleanupCmd.Bool("sources", false, "Remove all cached source files.")
	cleanLogs := cleanupCmd.Bool("logs", false, "Remove all build logs.")
	cleanAll := cleanupCmd.Bool("all", false, "sources and logs.")
	yes := cleanupCmd.Bool("y", false, "Do not ask for confirmation.")

	if err := parseFlags(cleanupCmd, args); err != nil {
		return err
	}

	if !*cleanSources && !*cleanLogs && !*cleanAll {
		fmt.Println("Usage: kiln cleanup [flag]")
		fmt.Println("You must specify what to clean up. Use one of the following flags:")
		cleanupCmd.PrintDefaults()
		return usagef("nothing to clean up")
	}

	if *cleanAll {
		*cleanSources = true
		*cleanLogs = true
	}

	if *cleanSources {
		if err := removeCache("source cache", cfg.SourcesDir(), *yes); err != nil {
			return err
		}
	}
	if *cleanLogs {
		if err := removeCache("build logs", cfg.LogsDir(), *yes); err != nil {
			return err
		}
	}
	return nil
}

func removeCache(what, dir string, yes bool) error {
	colArrow.Print("-> ")
	cPrintf(colWarn, "Deleting %s at %s.\n", what, dir)
	if !yes && !askForConfirmation(colArrow, "Are you sure you want to proceed?") {
		status(nil, "Cleanup of %s canceled.", what)
		return nil
	}

	debugf("Removing %s directory: %s\n", what, dir)
	if err := os.RemoveAll(dir); err != nil {
		return &IOFailureError{Op: "delete", Path: dir, Err: err}
	}
	status(nil, "Removed %s.", what)
	return nil
}
