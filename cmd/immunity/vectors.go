package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/immunity/internal/monitor"
)

// vectorsCmd lists health vectors for a scope
var vectorsCmd = &cobra.Command{
	Use:   "vectors",
	Short: "List health vectors with the weights resolved for --scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBackend()
		if err != nil {
			return err
		}
		defer b.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		resp, err := b.Vectors(ctx, scope)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), output, resp)
	},
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check immunityd health",
	Long: `Check the health status of the immunityd HTTP server.

Examples:
  # Check health
  immunity health

  # Check health on a different server
  immunity health --server http://localhost:8080`,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := monitor.NewHealthClient(serverURL).Fetch(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to reach %s: %w", serverURL, err)
		}
		return render(cmd.OutOrStdout(), output, h)
	},
}
