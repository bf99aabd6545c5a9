// File: cmd/serve.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/marionette/internal/observability"
	"github.com/xkilldash9x/marionette/internal/viewer"
)

// newServeCmd creates and configures the `serve` command.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves recorded runs over HTTP for inspection",
		Long: `Serves the result files from the output directory: a run listing, the full
visualization trace of a single run, and a small browser page to step through
them. The server runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			viewerCfg := cfg.Viewer()
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				viewerCfg.Addr = addr
			}
			resultsDir := cfg.Results().OutputDir
			if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
				resultsDir = dir
			}

			srv := viewer.NewServer(viewerCfg, resultsDir, logger)
			fmt.Fprintf(cmd.OutOrStdout(), "Serving runs from %s on http://%s\n", resultsDir, viewerCfg.Addr)

			// Blocks until the signal context cancels, then shuts down cleanly.
			return srv.Start(ctx)
		},
	}

	serveCmd.Flags().String("addr", "", "Listen address. (Overrides config/env)")
	serveCmd.Flags().String("dir", "", "Results directory to serve. (Overrides config/env)")

	return serveCmd
}
