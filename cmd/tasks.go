// File: cmd/tasks.go
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/observability"
	"github.com/xkilldash9x/marionette/internal/tasks"
)

// newTasksCmd creates the `tasks` command group.
func newTasksCmd() *cobra.Command {
	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manages the local task bundle library",
	}

	tasksCmd.AddCommand(newTasksListCmd())
	tasksCmd.AddCommand(newTasksValidateCmd())
	tasksCmd.AddCommand(newTasksFetchCmd())

	return tasksCmd
}

// newTasksListCmd creates the `tasks list` command.
func newTasksListCmd() *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Lists the task bundles in the configured directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
				cfg.SetTasksDir(dir)
			}

			list, err := tasks.NewLoader(cfg.Tasks(), logger).LoadAll()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintf(out, "No task bundles found in %s\n", cfg.Tasks().Dir)
				return nil
			}
			for _, task := range list {
				fmt.Fprintf(out, "%-28s %-16s %s\n", task.Name, bundleTags(task), excerpt(task.Instruction, 60))
			}
			fmt.Fprintf(out, "\n%d bundle(s) in %s\n", len(list), cfg.Tasks().Dir)
			return nil
		},
	}

	listCmd.Flags().String("dir", "", "Tasks directory to list. (Overrides config/env)")

	return listCmd
}

// newTasksValidateCmd creates the `tasks validate` command.
func newTasksValidateCmd() *cobra.Command {
	validateCmd := &cobra.Command{
		Use:   "validate [bundle...]",
		Short: "Checks task bundles for authoring mistakes",
		Long: `Checks the given bundles, or every bundle in the configured tasks directory,
for authoring mistakes. Errors fail the command; warnings do not.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}

			paths := args
			if len(paths) == 0 {
				paths, err = bundlePaths(cfg.Tasks().Dir)
				if err != nil {
					return err
				}
				if len(paths) == 0 {
					return fmt.Errorf("no task bundles found in %s", cfg.Tasks().Dir)
				}
			}

			loader := tasks.NewLoader(cfg.Tasks(), logger)
			out := cmd.OutOrStdout()
			var badBundles int
			for _, path := range paths {
				task, err := loader.Load(path)
				if err != nil {
					// A bundle that does not load cannot be contributed or run.
					fmt.Fprintf(out, "%s:\n  [error] %v\n", path, err)
					badBundles++
					continue
				}

				issues := tasks.Validate(task)
				if len(issues) == 0 {
					fmt.Fprintf(out, "%s: ok\n", task.Name)
					continue
				}
				fmt.Fprintf(out, "%s:\n", task.Name)
				for _, issue := range issues {
					fmt.Fprintf(out, "  %s\n", issue)
				}
				if tasks.HasErrors(issues) {
					badBundles++
				}
			}

			fmt.Fprintf(out, "\n%d bundle(s) checked, %d with errors.\n", len(paths), badBundles)
			if badBundles > 0 {
				return fmt.Errorf("validation failed for %d bundle(s)", badBundles)
			}
			return nil
		},
	}

	return validateCmd
}

// newTasksFetchCmd creates the `tasks fetch` command.
func newTasksFetchCmd() *cobra.Command {
	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Clones or updates the shared task repository into the local cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}

			tasksCfg := cfg.Tasks()
			if repo, _ := cmd.Flags().GetString("repo"); repo != "" {
				tasksCfg.RepoURL = repo
			}
			if ref, _ := cmd.Flags().GetString("ref"); ref != "" {
				tasksCfg.RepoRef = ref
			}

			dir, err := tasks.Fetch(cmd.Context(), tasksCfg, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task repository ready at %s\n", dir)
			return nil
		},
	}

	fetchCmd.Flags().String("repo", "", "Task repository URL. (Overrides config/env)")
	fetchCmd.Flags().String("ref", "", "Branch to track. (Overrides config/env)")

	return fetchCmd
}

// bundlePaths enumerates the bundle candidates in a tasks directory:
// subdirectories and .txtar archives, in name order.
func bundlePaths(dir string) ([]string, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tasks directory %s: %w", dir, err)
	}
	entries, err := os.ReadDir(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks directory %s: %w", expanded, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".txtar") {
			paths = append(paths, filepath.Join(expanded, entry.Name()))
		}
	}
	return paths, nil
}

// bundleTags summarizes what a bundle ships beyond its instruction.
func bundleTags(task *schemas.Task) string {
	var tags []string
	if task.Environment != nil {
		tags = append(tags, "env")
	}
	if task.EvalScript != "" {
		tags = append(tags, "eval")
	}
	if task.Canary != "" {
		tags = append(tags, "keyed")
	}
	if len(tags) == 0 {
		return "-"
	}
	return strings.Join(tags, ",")
}

// excerpt returns the first line of s, truncated to max runes.
func excerpt(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
