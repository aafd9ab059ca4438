// Command loom is the orchestrator CLI (spec §6's CLI surface): it wires
// the credit sentinel, lock manager, agent runtime, message bus, and
// session snapshotter into one running process and drives coordination
// cycles against them.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the CLI's testable entrypoint, following the dispatch-by-args[1]
// shape of the teacher's own cmd-level Run functions.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 3
	}

	switch args[1] {
	case "run":
		return runRunCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "loom: unknown command %q\n", args[1])
		printUsage(stderr)
		return 3
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "loom - multi-agent coordination runtime")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  loom run [--mode mock|live] [--cycle single|continuous] [--deadline 30s]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Exit codes: 0 completed, 1 recoverable error, 2 global abort/deadline, 3 configuration error.")
}
