package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/MarcoBrian/OpenAudit/pkg/config"
	"github.com/MarcoBrian/OpenAudit/pkg/settlement"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "destinations":
		return runDestinationsCmd(args[2:], stdout, stderr)
	case "estimate":
		return runEstimateCmd(args[2:], stdout, stderr)
	case "demo":
		return runDemoCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "openaudit %s (%s)\n", version, commit)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "OpenAudit settlement core "+version)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  openaudit <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the settlement service on a devnet ledger")
	printCommand(w, "health", "Check a running server (HTTP)")
	printCommand(w, "destinations", "List supported payout destinations")
	printCommand(w, "estimate", "Estimate fees (-amount, -destination)")
	printCommand(w, "demo", "Run the bounty scenario end to end")
	printCommand(w, "token", "Issue an operator bearer token")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-14s %s\n", name, desc)
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadTable returns the destination table: the YAML file when configured,
// otherwise the built-in table rooted at the configured source.
func loadTable(cfg *config.Config) (*settlement.Table, error) {
	if cfg.DestinationsFile != "" {
		return settlement.LoadTableFile(cfg.DestinationsFile)
	}
	if cfg.SourceDomain == "" || cfg.SourceDomain == settlement.DefaultSource {
		return settlement.DefaultTable(), nil
	}
	return settlement.NewTable(cfg.SourceDomain, settlement.DefaultDestinations)
}
