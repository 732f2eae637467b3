// Package main implements the immunity CLI: scan single steps or staged git
// changes, list health vectors and watch the daemon's outcome events.
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

// errRejected is returned when a scanned step or commit did not pass. It
// maps to exit code 2 so hooks can tell a verdict from a failure.
var errRejected = errors.New("rejected")

var (
	serverURL  string
	natsURL    string
	natsPrefix string
	scope      string
	output     string
	local      bool
	configPath string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	switch {
	case err == nil:
	case errors.Is(err, errRejected):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "immunity: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "immunity",
	Short: "Health-scan agent trajectory steps",
	Long: `immunity scans proposed agent steps (diffs, file writes and commands)
against the registered health vectors and reports the verdict.

By default it talks to immunityd over HTTP. With --nats it uses the NATS
request subjects instead, and with --local it runs the pipeline in-process.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return checkOutput(output)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9090", "immunityd server URL")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats", "", "NATS URL; use the daemon's request subjects instead of HTTP")
	rootCmd.PersistentFlags().StringVar(&natsPrefix, "nats-prefix", "immunity", "NATS subject prefix")
	rootCmd.PersistentFlags().StringVar(&scope, "scope", "", "project scope selecting the doctrine")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "output format: text, json or yaml")
	rootCmd.PersistentFlags().BoolVar(&local, "local", false, "run the pipeline in-process instead of calling the daemon")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file for --local (default ~/.config/immunity/config.yaml)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("immunity %s (commit %s, built %s)\n", version, gitCommit, buildDate))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(precommitCmd)
	rootCmd.AddCommand(vectorsCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "immunity by Fyrsmith Labs\n")
		fmt.Fprintf(cmd.OutOrStdout(), "Version:    %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "Commit:     %s\n", gitCommit)
		fmt.Fprintf(cmd.OutOrStdout(), "Build Date: %s\n", buildDate)
	},
}
