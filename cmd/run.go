// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/agent"
	"github.com/xkilldash9x/marionette/internal/config"
	"github.com/xkilldash9x/marionette/internal/controller"
	"github.com/xkilldash9x/marionette/internal/llmclient"
	"github.com/xkilldash9x/marionette/internal/observability"
	"github.com/xkilldash9x/marionette/internal/results"
	"github.com/xkilldash9x/marionette/internal/sandbox"
	"github.com/xkilldash9x/marionette/internal/tasks"
)

// environmentCleanupTimeout bounds the compose teardown after a run, which
// must finish even when the run context is already canceled.
const environmentCleanupTimeout = 60 * time.Second

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [bundle...]",
		Short: "Runs the agent against one or more task bundles",
		Long: `Runs the agent loop against the given task bundles (directories or .txtar
archives). With --all, every bundle in the configured tasks directory is run
in sequence. Each finished run is written to the results directory, graded by
the bundle's eval script when it has one, and optionally mirrored to Postgres.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The context from main is signal-aware; a Ctrl+C lands here.
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			applyRunOverrides(cmd, cfg)

			taskList, err := resolveTasks(cmd, cfg, args, logger)
			if err != nil {
				return err
			}

			logger.Info("Starting run",
				zap.Int("tasks", len(taskList)),
				zap.String("provider", string(cfg.Controller().Provider)),
				zap.String("model", cfg.Controller().Model),
				zap.Int("max_iterations", cfg.Runner().MaxIterations),
			)

			interactive, _ := cmd.Flags().GetBool("interactive")
			opts := runOptions{
				interactive: interactive,
				in:          cmd.InOrStdin(),
				out:         cmd.OutOrStdout(),
			}

			components, err := initializeRunComponents(ctx, cfg, opts, logger)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize run components: %w", err)
			}
			defer components.Shutdown()

			runs := make([]*schemas.ResultRecord, 0, len(taskList))
			var failures int
			for _, task := range taskList {
				rec, err := components.executeTask(ctx, task)
				if rec != nil {
					runs = append(runs, rec)
				}
				if err == nil {
					continue
				}
				failures++
				if errors.Is(err, context.Canceled) {
					logger.Warn("Run aborted by signal", zap.String("task", task.Name))
					break
				}
				logger.Error("Task run failed", zap.String("task", task.Name), zap.Error(err))
			}

			if junitPath := resolveJUnitPath(cmd, cfg); junitPath != "" && len(runs) > 0 {
				if err := results.WriteJUnit(junitPath, runs, logger); err != nil {
					logger.Error("Failed to write JUnit report", zap.Error(err))
					failures++
				}
			}

			printRunSummary(cmd.OutOrStdout(), runs, cfg.Results().OutputDir)

			if ctx.Err() != nil {
				return fmt.Errorf("run aborted: %w", ctx.Err())
			}
			if failures > 0 {
				return fmt.Errorf("%d of %d task run(s) failed", failures, len(taskList))
			}
			return nil
		},
	}

	runCmd.Flags().Bool("all", false, "Run every bundle in the configured tasks directory.")
	runCmd.Flags().BoolP("interactive", "i", false, "Drive the agent from stdin instead of a model.")
	runCmd.Flags().StringP("model", "m", "", "Model name. (Overrides config/env)")
	runCmd.Flags().String("provider", "", "Model provider: openai or gemini. (Overrides config/env)")
	runCmd.Flags().IntP("max-iterations", "n", 0, "Iteration budget per task. (Overrides config/env)")
	runCmd.Flags().StringP("output", "o", "", "Directory for result files. (Overrides config/env)")
	runCmd.Flags().Bool("headless", true, "Run the browser headless. (Overrides config/env)")
	runCmd.Flags().Bool("capture", false, "Record sandbox network traffic into the result. (Overrides config/env)")
	runCmd.Flags().String("workspace", "", "Sandbox workspace directory. (Overrides config/env)")
	runCmd.Flags().String("junit", "", "Write a JUnit XML summary of the eval verdicts to this path.")

	return runCmd
}

// applyRunOverrides pushes changed flags into the loaded configuration. Only
// flags the user actually set are applied, so config and environment values
// keep their precedence otherwise.
func applyRunOverrides(cmd *cobra.Command, cfg config.Interface) {
	flags := cmd.Flags()
	if flags.Changed("model") {
		m, _ := flags.GetString("model")
		cfg.SetControllerModel(m)
	}
	if flags.Changed("provider") {
		p, _ := flags.GetString("provider")
		cfg.SetControllerProvider(p)
	}
	if flags.Changed("max-iterations") {
		n, _ := flags.GetInt("max-iterations")
		cfg.SetRunnerMaxIterations(n)
	}
	if flags.Changed("output") {
		dir, _ := flags.GetString("output")
		cfg.SetResultsOutputDir(dir)
	}
	if flags.Changed("headless") {
		h, _ := flags.GetBool("headless")
		cfg.SetSandboxHeadless(h)
	}
	if flags.Changed("capture") {
		c, _ := flags.GetBool("capture")
		cfg.SetSandboxCaptureEnabled(c)
	}
	if flags.Changed("workspace") {
		w, _ := flags.GetString("workspace")
		cfg.SetSandboxWorkspace(w)
	}
}

// resolveTasks loads the bundles named on the command line, or the whole
// tasks directory with --all.
func resolveTasks(cmd *cobra.Command, cfg config.Interface, args []string, logger *zap.Logger) ([]*schemas.Task, error) {
	loader := tasks.NewLoader(cfg.Tasks(), logger)

	all, _ := cmd.Flags().GetBool("all")
	if all {
		list, err := loader.LoadAll()
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("no task bundles found in %s", cfg.Tasks().Dir)
		}
		return list, nil
	}

	if len(args) == 0 {
		return nil, fmt.Errorf("no task bundles given (pass bundle paths or --all)")
	}
	list := make([]*schemas.Task, 0, len(args))
	for _, arg := range args {
		task, err := loader.Load(arg)
		if err != nil {
			return nil, err
		}
		list = append(list, task)
	}
	return list, nil
}

// resolveJUnitPath prefers the --junit flag over the configured path.
func resolveJUnitPath(cmd *cobra.Command, cfg config.Interface) string {
	if path, _ := cmd.Flags().GetString("junit"); path != "" {
		return path
	}
	return cfg.Results().JUnitPath
}

// runOptions carries the per-invocation wiring choices into component setup.
type runOptions struct {
	interactive bool
	in          io.Reader
	out         io.Writer
}

// runComponents holds the initialized services for a run invocation.
type runComponents struct {
	Runner   *agent.Runner
	Executor *sandbox.Executor
	Writer   *results.Writer
	Signer   *results.Signer
	Store    *results.Store
	DBPool   *pgxpool.Pool

	log *zap.Logger
}

// Shutdown releases the browser, the capture proxy and the database pool.
func (rc *runComponents) Shutdown() {
	if rc.Executor != nil {
		rc.Executor.Close()
	}
	if rc.DBPool != nil {
		rc.DBPool.Close()
	}
}

// initializeRunComponents handles dependency injection for the run command.
func initializeRunComponents(ctx context.Context, cfg config.Interface, opts runOptions, logger *zap.Logger) (*runComponents, error) {
	components := &runComponents{log: logger}

	// 1. Controller: model-backed, or stdin-driven with --interactive.
	var ctrl agent.Controller
	if opts.interactive {
		ctrl = controller.NewHuman(opts.in, opts.out, logger)
	} else {
		client, err := llmclient.New(ctx, cfg.Controller(), logger)
		if err != nil {
			return components, fmt.Errorf("failed to initialize model client: %w", err)
		}
		ctrlCfg := cfg.Controller()
		ctrl = controller.New(&ctrlCfg, client, logger)
	}

	// 2. Sandbox executor. The browser starts lazily on the first browser
	// action, so tasks that never open a page never pay for Chrome.
	sbCfg := cfg.Sandbox()
	components.Executor = sandbox.NewExecutor(&sbCfg, logger)

	// 3. Environment manager for bundles that ship a compose stack.
	env := sandbox.NewEnvironment(cfg.Sandbox().Environment, logger)

	// 4. Agent loop.
	components.Runner = agent.NewRunner(cfg, ctrl, components.Executor, env, logger)

	// 5. Result persistence.
	components.Writer = results.NewWriter(cfg.Results(), logger)
	components.Signer = results.NewSigner(cfg.Results().Receipt)

	// 6. Optional Postgres mirror of the result files.
	if url := cfg.Results().DatabaseURL; url != "" {
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			return components, fmt.Errorf("failed to connect to results database: %w", err)
		}
		components.DBPool = pool

		store, err := results.NewStore(ctx, pool, logger)
		if err != nil {
			return components, fmt.Errorf("failed to initialize results store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return components, fmt.Errorf("failed to prepare results schema: %w", err)
		}
		components.Store = store
	}

	return components, nil
}

// executeTask runs one bundle end to end: environment up, agent loop, eval,
// receipt, persistence, environment down. A non-nil record comes back even
// when the run itself failed, so partial transcripts are never lost.
func (rc *runComponents) executeTask(ctx context.Context, task *schemas.Task) (*schemas.ResultRecord, error) {
	log := rc.log.With(zap.String("task", task.Name))
	log.Info("Task starting")

	if err := rc.Runner.SetupEnvironment(ctx, task); err != nil {
		return nil, fmt.Errorf("environment setup for task %q failed: %w", task.Name, err)
	}
	defer func() {
		// The run context may already be canceled; teardown gets its own.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), environmentCleanupTimeout)
		defer cancel()
		if err := rc.Runner.CleanupEnvironment(cleanupCtx); err != nil {
			log.Warn("Environment cleanup failed", zap.Error(err))
		}
	}()

	rec, runErr := rc.Runner.RunTask(ctx, task)
	if rec == nil {
		return nil, runErr
	}

	// Grade completed and incomplete runs. A faulted run is not graded; its
	// verdict would measure the fault, not the agent.
	if runErr == nil {
		if eval, err := rc.Runner.RunEval(ctx, task, rec); err != nil {
			log.Warn("Evaluation failed", zap.Error(err))
		} else if eval != nil {
			if receipt, err := rc.Signer.Sign(task, eval); err != nil {
				log.Warn("Receipt signing failed", zap.Error(err))
			} else if receipt != "" {
				eval.Receipt = receipt
			}
			rec.Eval = eval
		}
	}

	path, err := rc.Writer.Write(rec)
	if err != nil {
		return rec, fmt.Errorf("failed to persist result for task %q: %w", task.Name, err)
	}
	log.Info("Result written", zap.String("path", path))

	if rc.Store != nil {
		if err := rc.Store.SaveRun(ctx, rec); err != nil {
			log.Warn("Database save failed", zap.Error(err))
		}
	}

	return rec, runErr
}

// printRunSummary writes the end-of-run roll-up for the operator.
func printRunSummary(out io.Writer, runs []*schemas.ResultRecord, outputDir string) {
	var succeeded, incomplete, failed, graded, passed int
	for _, rec := range runs {
		switch rec.Status {
		case schemas.StatusSuccess:
			succeeded++
		case schemas.StatusIncomplete:
			incomplete++
		default:
			failed++
		}
		if rec.Eval != nil {
			graded++
			if rec.Eval.Passed {
				passed++
			}
		}
	}

	fmt.Fprintf(out, "\nRun complete: %d task(s), %d succeeded, %d incomplete, %d failed.\n",
		len(runs), succeeded, incomplete, failed)
	if graded > 0 {
		fmt.Fprintf(out, "Eval: %d/%d passed.\n", passed, graded)
	}
	fmt.Fprintf(out, "Results written to %s\n", outputDir)
}
