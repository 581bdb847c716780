package main

import (
	"fmt"
	"io"
	"os"
)

const version = "0.1.0"

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "status":
		return runStatusCmd(args[2:], stdout, stderr)
	case "kill":
		return runKillCmd(args[2:], stdout, stderr)
	case "revive":
		return runReviveCmd(args[2:], stdout, stderr)
	case "ingest":
		return runIngestCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "reconcile":
		return runReconcileCmd(args[2:], stdout, stderr)
	case "gaps":
		return runGapsCmd(args[2:], stdout, stderr)
	case "resolve":
		return runResolveCmd(args[2:], stdout, stderr)
	case "sweep":
		return runSweepCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "helm-governor %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorRed   = "\033[31m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sHELM Governor %s%s\n", ColorBold+ColorBlue, "v"+version, ColorReset)
	_, _ = fmt.Fprintf(w, "%sExactly-once ledger, bounded control, hard stop.%s\n", ColorGray, ColorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	_, _ = fmt.Fprintln(w, "  governor <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "serve", "Run the governor API and control loops (default)")
	printCommand(w, "health", "Check server health (HTTP)")

	printSection(w, "CONTROL")
	printCommand(w, "status", "Show kill switch, throttle and flags")
	printCommand(w, "kill", "Freeze the governor (--reason, --operator, --confirm)")
	printCommand(w, "revive", "Return a frozen governor to ACTIVE (--operator)")

	printSection(w, "LEDGER")
	printCommand(w, "ingest", "Admit JSON-lines events from a file or stdin (--file)")
	printCommand(w, "verify", "Verify the ledger hash chain")
	printCommand(w, "export", "Export the ledger to ARCHIVE_URL (--after, --to)")
	printCommand(w, "sweep", "Remove expired dedupe entries")

	printSection(w, "RECONCILIATION")
	printCommand(w, "reconcile", "Reconcile a source (--source, --since)")
	printCommand(w, "gaps", "List reconciliation gaps (--all, --source)")
	printCommand(w, "resolve", "Resolve a gap (--id, --resolution, --operator)")

	printSection(w, "UTILITIES")
	printCommand(w, "token", "Issue an operator JWT (--operator, --ttl)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
