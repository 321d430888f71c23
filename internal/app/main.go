// Package app wires the command line surface: flag parsing, logging,
// tracing, store selection, and the lifecycle of the sync worker.
package app

import (
	"fmt"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	if len(args) < 2 {
		printHelp()
		return 2
	}

	switch args[1] {
	case "run":
		return run(args[2:])
	case "status":
		return statusCmd(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp()
		return 2
	}
}

func printHelp() {
	fmt.Fprintln(os.Stdout, "pantrysync")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "Usage:")
	fmt.Fprintln(os.Stdout, "  pantrysync run --server https://sync.example.net --token <token> [--db ./.data/pantrysync.db] [--db-driver sqlite|bolt|memory] [--user u_1] [--household hh_1] [--poll-interval 500ms] [--checkpoint-ttl 5m] [--pid-file ./pantrysync.pid] [--log-level info] [--log-output stderr|stdout|file] [--log-file ./pantrysync.log] [--dotenv ./.env] [--trace-collector https://otlp.example.net]")
	fmt.Fprintln(os.Stdout, "  pantrysync status [--db ./.data/pantrysync.db] [--db-driver sqlite|bolt] [--json]")
	fmt.Fprintln(os.Stdout, "  pantrysync version [--long] [--json]")
}
