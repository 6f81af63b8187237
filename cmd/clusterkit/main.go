package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess      = 0
	exitRuntimeError = 1
	exitUsage        = 2
	// exitDuplicate is returned by schedule when the task name exists.
	exitDuplicate = 2
)

const defaultConfigPath = "./clusterkit.yaml"

type command struct {
	name  string
	usage string
	run   func(args []string, stdout, stderr io.Writer) int
}

var commands = []command{
	{"serve", "start the scheduler and serve metrics", runServe},
	{"validate", "parse and validate the config", runValidate},
	{"schedule", "create a dynamic task", runSchedule},
	{"cancel", "cancel a dynamic task", runCancel},
	{"list", "list dynamic tasks", runList},
	{"version", "print version information", runVersion},
}

func main() {
	// A missing .env is normal; it never overrides the real environment.
	_ = godotenv.Load()
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return exitUsage
	}
	switch args[0] {
	case "-h", "--help", "help":
		printUsage(stdout)
		return exitSuccess
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(args[1:], stdout, stderr)
		}
	}
	fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
	printUsage(stderr)
	return exitUsage
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "clusterkit - cluster-safe task scheduler")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  clusterkit <command> [-config path] [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-9s %s\n", c.name, c.usage)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment overrides use the CLUSTERKIT_ prefix, e.g. CLUSTERKIT_STORE_DSN.")
}

func runVersion(_ []string, stdout, _ io.Writer) int {
	fmt.Fprintf(stdout, "clusterkit %s (%s)\n", version, commit)
	return exitSuccess
}
