package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// runFunc runs a subcommand with its own arguments and returns the exit code.
type runFunc func(args []string, stdout, stderr io.Writer) int

type command struct {
	name    string
	section string
	summary string
	run     runFunc
}

// commands is ordered as printed by help.
var commands = []command{
	{"serve", "SERVICE", "Run the timelock server (default)", runServeCmd},
	{"health", "SERVICE", "Check server health", runHealthCmd},
	{"config", "ACTIONS", "Set or get an announcer policy (set|get)", runConfigCmd},
	{"announce", "ACTIONS", "Announce an action for an executor", runAnnounceCmd},
	{"execute", "ACTIONS", "Execute an announced action", runExecuteCmd},
	{"revoke", "ACTIONS", "Revoke a pending announcement", runRevokeCmd},
	{"status", "ACTIONS", "Show the phase of a fingerprint", runStatusCmd},
	{"prune", "OPERATIONS", "Delete expired announcements (operator)", runPruneCmd},
	{"events", "OPERATIONS", "List journal entries (operator)", runEventsCmd},
	{"fingerprint", "UTILITIES", "Compute an action fingerprint offline", runFingerprintCmd},
	{"token", "UTILITIES", "Issue a bearer token from the JWT secret", runTokenCmd},
}

var aliases = map[string]string{"server": "serve"}

func lookup(name string) (runFunc, bool) {
	if canonical, ok := aliases[name]; ok {
		name = canonical
	}
	for _, c := range commands {
		if c.name == name {
			return c.run, true
		}
	}
	return nil, false
}

// Run dispatches args[1] and returns the process exit code. With no command,
// or with flags only, it serves.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServeCmd(nil, stdout, stderr)
	}
	name, rest := args[1], args[2:]

	switch {
	case name == "help" || name == "-h" || name == "--help":
		printUsage(stdout)
		return 0
	case name[0] == '-':
		return runServeCmd(args[1:], stdout, stderr)
	}
	if run, ok := lookup(name); ok {
		return run(rest, stdout, stderr)
	}
	_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", name)
	printUsage(stderr)
	return 2
}

const (
	ansiReset = "\033[0m"
	ansiBold  = "\033[1m"
	ansiRed   = "\033[31m"
	ansiGreen = "\033[32m"
	ansiBlue  = "\033[34m"
	ansiCyan  = "\033[36m"
	ansiGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "\n%sHELM Timelock%s\n", ansiBold+ansiBlue, ansiReset)
	fmt.Fprintf(w, "%sAnnounce now. Execute later. Revoke in between.%s\n\n", ansiGray, ansiReset)
	fmt.Fprintf(w, "%sUSAGE:%s\n  helm-timelock <command> [flags]\n", ansiBold, ansiReset)

	section := ""
	for _, c := range commands {
		if c.section != section {
			section = c.section
			fmt.Fprintf(w, "\n%s%s:%s\n", ansiBold+ansiCyan, section, ansiReset)
		}
		fmt.Fprintf(w, "  %s%-12s%s %s\n", ansiGreen, c.name, ansiReset, c.summary)
	}
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ansiGreen, "help", ansiReset, "Show this help")
	fmt.Fprintf(w, "\n%sRemote commands read HELM_TIMELOCK_URL and HELM_TIMELOCK_TOKEN.%s\n\n", ansiGray, ansiReset)
}

func printError(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%sError:%s %s\n", ansiRed, ansiReset, fmt.Sprintf(format, args...))
}
