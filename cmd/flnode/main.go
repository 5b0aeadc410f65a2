// Command flnode is the node process for the decentralized federated
// learning runtime core: one instance per participant, driven entirely
// by its YAML config and the peers it discovers or is told about.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		printUsage()
		osExit(1)
		return
	}

	switch os.Args[1] {
	case "run":
		runNode(os.Args[2:])
	case "announce":
		runAnnounce(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "version", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		osExit(1)
	}
}

func printVersion() {
	fmt.Printf("flnode %s (%s) built %s\n", version, commit, buildDate)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: flnode <command> [options]")
	fmt.Println()
	fmt.Println("  run [--config path] [--crash-dump path] [--min-federation N] [--announce]")
	fmt.Println("                                          Start the node and run its rounds")
	fmt.Println("  announce [--config path]                 Send one UDP discovery beacon and exit")
	fmt.Println("  validate [--config path]                 Validate a config file and exit")
	fmt.Println("  version                                   Show version information")
	fmt.Println()
	fmt.Println("Exit codes: 0 normal completion, 1 configuration error,")
	fmt.Println("2 fatal runtime error, 130 interrupted by signal.")
}
