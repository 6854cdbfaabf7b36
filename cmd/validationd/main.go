// Validationd runs validation pipelines on a remote executor and exposes
// them over HTTP and MCP.
//
// Configuration is read from ~/.config/validationd/config.yaml (or --config)
// and overridden by environment variables. See internal/config for the keys.
//
// Usage:
//
//	# Start the HTTP daemon
//	validationd
//
//	# Serve the MCP tools on stdio
//	validationd mcp
//
//	# Run with an in-process NATS server for events and idempotency
//	validationd --embedded-nats
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

type options struct {
	configPath   string
	host         string
	embeddedNATS bool
	mcpToken     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "validationd",
		Short:         "Validation run orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := serve(cmd.Context(), opts)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/validationd/config.yaml)")
	root.PersistentFlags().BoolVar(&opts.embeddedNATS, "embedded-nats", false, "run an in-process NATS server with JetStream")
	root.Flags().StringVar(&opts.host, "host", "localhost", "HTTP listen host")

	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the validation tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveMCP(cmd.Context(), opts)
		},
	}
	mcpCmd.Flags().StringVar(&opts.mcpToken, "token", os.Getenv("VALIDATIOND_MCP_TOKEN"),
		"API token presented for tool calls (env VALIDATIOND_MCP_TOKEN)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "validationd by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}

	root.AddCommand(mcpCmd, versionCmd)
	return root
}
