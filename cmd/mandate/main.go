// Command mandate is the operator CLI for the governance decision engine.
// It evaluates DecisionRequest documents against a locally wired engine,
// verifies exported audit evidence, and exports audit windows as evidence
// packs.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/munigrid/mandate/pkg/decision"
	"github.com/munigrid/mandate/pkg/ruleset"
)

const version = "v1.0.0"

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// stdin is a variable so tests can feed `eval --request -` without a TTY.
var stdin io.Reader = os.Stdin

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "eval", "evaluate":
		return runEvalCmd(args[2:], stdout, stderr)
	case "verify-audit":
		return runVerifyAuditCmd(args[2:], stdout, stderr)
	case "export-audit":
		return runExportAuditCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "mandate %s (decision schema %s, builtin ruleset %s)\n",
			version, decision.SchemaVersion, ruleset.Default().Version())
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sMandate %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sFail closed. Every decision on the record.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  mandate <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "DECISIONS")
	printCommand(w, "eval", "Evaluate a DecisionRequest JSON file (--request, --json)")

	printSection(w, "AUDIT")
	printCommand(w, "verify-audit", "Recompute an audit hash chain (--bundle, --entries, --db)")
	printCommand(w, "export-audit", "Export a workspace audit window (--workspace, --out)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
