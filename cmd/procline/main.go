package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kagehq/procline/internal/cli"
	"github.com/kagehq/procline/internal/sandbox"
)

func main() {
	// A sandboxed run re-execs this same binary with the real payload
	// carried in the environment rather than argv, so this check must
	// happen before any normal flag parsing touches os.Args.
	if handled, err := sandbox.MaybeRunTrampoline(); handled {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		// MaybeRunTrampoline only returns on success if syscall.Exec
		// itself failed to replace the process image, which it reports
		// as an error above; reaching here with a nil error cannot
		// happen, but exit non-zero defensively rather than fall
		// through to normal CLI dispatch.
		os.Exit(1)
	}

	var showHelp bool
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = printUsage
	flag.Parse()

	if showHelp {
		printUsage()
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "run":
		os.Exit(cli.RunCmd(args[1:]))
	case "pipeline":
		os.Exit(cli.PipelineCmd(args[1:]))
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `procline - spawn and coordinate child processes

Usage:
  procline <command> [options]

Commands:
  run       Run a single command, optionally sandboxed
  pipeline  Run a sequence of commands piped into each other
  help      Show this help message

Supported sandbox platforms: Linux (Landlock + seccomp)

Run "procline run --help" for details on the run command.
Run "procline pipeline -- <cmd1> | <cmd2> ..." to chain commands.
`)
}
