package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/banshee-data/sessionsync/internal/version"
)

// errUsage is returned after usage has been printed.
var errUsage = errors.New("usage")

func main() {
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	if err := dispatch(flag.Args(), os.Stdout); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "sessionsync: %v\n", err)
		}
		os.Exit(1)
	}
}

func dispatch(args []string, out io.Writer) error {
	if len(args) < 1 {
		printUsage(out)
		return errUsage
	}
	command, rest := args[0], args[1:]

	switch command {
	case "run":
		return handleRun(rest, out)
	case "preflight":
		return handlePreflight(rest, out)
	case "report":
		return handleReport(rest, out)
	case "migrate":
		return handleMigrate(rest, out)
	case "version":
		fmt.Fprintln(out, version.String())
		return nil
	case "help":
		printUsage(out)
		return nil
	default:
		fmt.Fprintf(out, "Unknown command: %s\n\n", command)
		printUsage(out)
		return errUsage
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, `sessionsync - multi-device capture session orchestrator

Usage: sessionsync <command> [options]

Commands:
  run        Run a capture session from a settings file
  preflight  Connect every configured device, report status, disconnect
  report     Summarize a finished session directory
  migrate    Manage the session store schema (up, down, status, force)
  version    Show build information
  help       Show this help message

Common Flags:
  --config <file>    Settings file (default: config/settings.json)

Environment:
  SESSIONSYNC_EXPERIMENT_NAME, SESSIONSYNC_OUTPUT_DIR, SESSIONSYNC_BACKUP_DIR,
  SESSIONSYNC_LISTEN, SESSIONSYNC_TICK_INTERVAL, SESSIONSYNC_WIFI_CAMERA_MODE,
  SESSIONSYNC_BIOSENSOR override the matching settings.

Examples:
  # Check devices before the participant arrives
  sessionsync preflight --config config/settings.json

  # Run a session with the operator API on port 8090
  sessionsync run --config config/settings.json --listen :8090

  # Build plots and tables for a finished session
  sessionsync report output/trial_20260601_090000`)
}
