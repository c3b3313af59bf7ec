// Knowledged serves department-scoped retrieval over a shared document tree.
//
// Each immediate subdirectory of the documents root is a partition. Users
// may search the "general" partition plus the partition of their own
// department. Partition indexes are built on demand or at startup, persisted
// under the index path, and restored on restart.
//
// Usage:
//
//	# Start the HTTP daemon
//	knowledged -config /etc/knowledged/config.yaml
//
//	# Serve MCP tools on stdio as the configured mcp.user
//	knowledged -mcp
//
//	# Configure via environment
//	KNOWLEDGED_SERVER_HTTP_PORT=9191 KNOWLEDGED_EMBEDDINGS_PROVIDER=tei knowledged
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

type options struct {
	configPath string
	mcp        bool
	rebuild    bool
}

func main() {
	var opts options
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.StringVar(&opts.configPath, "config", "", "path to config.yaml (default $KNOWLEDGED_CONFIG or ~/.config/knowledged/config.yaml)")
	flag.BoolVar(&opts.mcp, "mcp", false, "serve MCP tools on stdio instead of HTTP")
	flag.BoolVar(&opts.rebuild, "rebuild", false, "rebuild every partition index at startup")
	flag.Parse()

	if *showVersion || flag.Arg(0) == "version" {
		printVersion()
		return
	}
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", flag.Arg(0))
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "knowledged: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("knowledged by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}
