// File: cmd/contribute.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/marionette/internal/contrib"
	"github.com/xkilldash9x/marionette/internal/observability"
	"github.com/xkilldash9x/marionette/internal/tasks"
)

// newContributeCmd creates and configures the `contribute` command.
func newContributeCmd() *cobra.Command {
	contributeCmd := &cobra.Command{
		Use:   "contribute <bundle>",
		Short: "Submits a task bundle to the shared task repository",
		Long: `Validates a task bundle, commits it to a branch of the shared task
repository, pushes the branch and opens a pull request. Requires contribution
to be enabled in the configuration and a GitHub token in MARIONETTE_GH_TOKEN.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			// Fail fast on a disabled or misconfigured integration before
			// touching the bundle or the network.
			contributor, err := contrib.New(cfg.Contrib(), nil, "", logger)
			if err != nil {
				return err
			}

			task, err := tasks.NewLoader(cfg.Tasks(), logger).Load(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			issues := tasks.Validate(task)
			for _, issue := range issues {
				fmt.Fprintf(out, "%s\n", issue)
			}
			if tasks.HasErrors(issues) {
				return fmt.Errorf("bundle %q failed validation", task.Name)
			}

			repoDir, err := tasks.Fetch(ctx, cfg.Tasks(), logger)
			if err != nil {
				return fmt.Errorf("failed to prepare task repository: %w", err)
			}

			sub, err := contributor.Contribute(ctx, repoDir, task)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Bundle %s pushed on branch %s (%.8s).\n", task.Name, sub.Branch, sub.Commit)
			fmt.Fprintf(out, "Opened pull request #%d: %s\n", sub.PRNumber, sub.PRURL)
			return nil
		},
	}

	return contributeCmd
}
