package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/veo-automator/internal/batch"
	"github.com/jonathan/veo-automator/internal/browser"
	"github.com/jonathan/veo-automator/internal/config"
	"github.com/jonathan/veo-automator/internal/db"
	"github.com/jonathan/veo-automator/internal/logging"
	"github.com/jonathan/veo-automator/internal/observability"
	"github.com/jonathan/veo-automator/internal/prompts"
	"github.com/jonathan/veo-automator/internal/workflow"
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Generate videos for every prompt in a file",
	Long: `Runs a batch: the first prompt goes through the full sequence (new project -> project type -> settings -> prompt -> submit -> wait -> collect -> download), the following prompts reuse the open project.

Configuration can be loaded from a JSON file using --config. Settings in a JSON prompt file override the config file; command-line arguments override both.`,
	RunE: runBatchCmd,
}

var (
	runConfigPath  string
	runPrompts     string
	runOutputDir   string
	runProfileDir  string
	runDebuggerURL string
	runHeadless    bool
	runModel       string
	runCount       int
	runAspect      string
	runVerbose     bool
	runDatabaseURL string
	runReportJSON  string
	runTUI         bool
)

func init() {
	// Config file flag (processed first)
	runCommand.Flags().StringVar(&runConfigPath, "config", "", "Path to config.json file (values can be overridden by other flags)")

	runCommand.Flags().StringVarP(&runPrompts, "prompts", "p", "", "Prompt file: one prompt per line, or JSON")
	runCommand.Flags().StringVarP(&runOutputDir, "output-dir", "o", "", "Directory for the numbered video files")
	runCommand.Flags().StringVar(&runProfileDir, "profile-dir", "", "Chrome user-data-dir with a signed-in profile")
	runCommand.Flags().StringVar(&runDebuggerURL, "debugger-url", "", "Attach to a running Chrome (e.g. http://127.0.0.1:9222)")
	runCommand.Flags().BoolVar(&runHeadless, "headless", false, "Run Chrome without a window")
	runCommand.Flags().StringVarP(&runModel, "model", "m", "", "Model: fast or quality")
	runCommand.Flags().IntVarP(&runCount, "count", "n", 0, "Outputs per prompt (1-4)")
	runCommand.Flags().StringVar(&runAspect, "aspect", "", "Aspect ratio: 16:9 or 9:16")
	runCommand.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Print detailed debug information")
	runCommand.Flags().StringVar(&runDatabaseURL, "db-url", "", "PostgreSQL URL for batch history (optional, defaults to DATABASE_URL env var)")
	runCommand.Flags().StringVar(&runReportJSON, "report-json", "", "Also write the batch report as JSON to this path")
	runCommand.Flags().BoolVar(&runTUI, "tui", false, "Show a live progress view instead of step lines")

	rootCmd.AddCommand(runCommand)
}

// applyRunFlags copies the flags the user set onto cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("prompts") {
		cfg.Prompts = runPrompts
	}
	if flags.Changed("output-dir") {
		cfg.OutputDir = runOutputDir
	}
	if flags.Changed("profile-dir") {
		cfg.ProfileDir = runProfileDir
		cfg.DebuggerURL = ""
	}
	if flags.Changed("debugger-url") {
		cfg.DebuggerURL = runDebuggerURL
		cfg.ProfileDir = ""
	}
	if flags.Changed("headless") {
		cfg.Headless = runHeadless
	}
	if flags.Changed("verbose") {
		cfg.Verbose = runVerbose
	}
	if flags.Changed("db-url") {
		cfg.DatabaseURL = runDatabaseURL
	}
}

// applySettingFlags copies the generation flags the user set onto s.
func applySettingFlags(cmd *cobra.Command, s *workflow.Settings) {
	flags := cmd.Flags()
	if flags.Changed("model") {
		s.Model = runModel
	}
	if flags.Changed("count") {
		s.OutputCount = runCount
	}
	if flags.Changed("aspect") {
		s.AspectRatio = runAspect
	}
}

func withSettings(cfg *config.Config, s workflow.Settings) {
	cfg.ProjectType = s.ProjectType
	cfg.Model = s.Model
	cfg.OutputCount = s.OutputCount
	cfg.AspectRatio = s.AspectRatio
}

func runBatchCmd(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Config file, flags, env and defaults
	cfg, _, err := resolveConfig(runConfigPath, func(c *config.Config) { applyRunFlags(cmd, c) })
	if err != nil {
		return err
	}
	if cfg.Prompts == "" {
		return fmt.Errorf("--prompts must be provided (via flag or config)")
	}

	// Step 2: Prompts; file settings sit between the config and the flags
	file, err := prompts.Load(cfg.Prompts)
	if err != nil {
		return err
	}
	settings := file.Apply(cfg.Settings())
	applySettingFlags(cmd, &settings)
	withSettings(&cfg, settings)
	if changed := cfg.Normalize(); len(changed) > 0 {
		fmt.Fprintf(os.Stderr, "Warning: unrecognized %s replaced with defaults\n", strings.Join(changed, ", "))
	}

	logger, err := logging.New(cfg.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if runTUI {
		logger = logger.WithOptions(zap.IncreaseLevel(zap.ErrorLevel))
	}

	table, err := loadTable(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	// Step 3: Browser session
	opts, err := sessionOptions(cfg)
	if err != nil {
		return err
	}
	mgr := browser.NewManager(opts, logger)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser session: %w", err)
	}
	defer mgr.Close()

	engine := buildEngine(cfg, mgr.Page(), mgr, table, nil, nil, logger)
	printer := observability.NewPrinter(os.Stdout)
	if !runTUI {
		printer.PrintSettings(cfg.Settings(), len(file.Prompts))
	}

	stopSignals := watchSignals(ctx, cancel, engine.Stop)
	defer stopSignals()

	// Step 4: Worker plus progress pump
	res, runErr := runBatch(ctx, engine, batch.Jobs(file.Prompts), printer, cancel)

	// Step 5: Report
	if res == nil {
		return runErr
	}
	report := observability.NewReport(res)
	printer.PrintBatchReport(report)
	if runReportJSON != "" {
		if err := writeReport(runReportJSON, report); err != nil {
			logger.Warn("failed to write JSON report", zap.Error(err))
		}
	}
	if cfg.DatabaseURL != "" {
		saveHistory(cfg.DatabaseURL, res, cfg.Settings(), logger)
	}
	return runErr
}

// runBatch runs the engine on one goroutine and drains its progress on
// another, either as step lines or into the live view.
func runBatch(ctx context.Context, engine *batch.Engine, jobs []batch.PromptJob, printer *observability.Printer, cancel context.CancelFunc) (*batch.BatchResult, error) {
	pumpCtx, stopPump := context.WithCancel(context.Background())
	defer stopPump()

	var program *tea.Program
	if runTUI {
		program = tea.NewProgram(newBatchModel(len(jobs), engine.Stop, cancel))
	}

	var (
		g   errgroup.Group
		res *batch.BatchResult
	)
	g.Go(func() error {
		defer stopPump()
		var err error
		res, err = engine.Run(ctx, jobs)
		if program != nil {
			program.Send(doneMsg{res: res, err: err})
		}
		return err
	})
	g.Go(func() error {
		batch.Pump(pumpCtx, engine, 200*time.Millisecond, func(evs []workflow.ProgressEvent) {
			if program != nil {
				program.Send(progressMsg(evs))
				return
			}
			for _, ev := range evs {
				printer.PrintProgress(ev)
			}
		})
		return nil
	})

	if program != nil {
		if _, err := program.Run(); err != nil {
			engine.Stop()
			_ = g.Wait()
			return res, fmt.Errorf("progress view failed (no TTY available?): %w", err)
		}
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = fmt.Errorf("batch aborted")
	}
	return res, err
}

// watchSignals stops the batch after the current step on the first
// interrupt and cancels ctx on the second.
func watchSignals(ctx context.Context, cancel context.CancelFunc, stop func() bool) func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigs:
		case <-ctx.Done():
			return
		}
		if stop() {
			fmt.Fprintln(os.Stderr, "\nStopping after the current step; interrupt again to abort.")
		} else {
			cancel()
			return
		}
		select {
		case <-sigs:
			cancel()
		case <-ctx.Done():
		}
	}()
	return func() { signal.Stop(sigs) }
}

func writeReport(path string, report *observability.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return observability.WriteJSON(f, report)
}

// saveHistory records the batch; history is best effort and never fails the
// run.
func saveHistory(databaseURL string, res *batch.BatchResult, settings workflow.Settings, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	database, err := db.Connect(ctx, databaseURL)
	if err != nil {
		logger.Warn("history unavailable", zap.Error(err))
		return
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		logger.Warn("failed to migrate history schema", zap.Error(err))
		return
	}
	if err := database.SaveBatchResult(ctx, res, settings); err != nil {
		logger.Warn("failed to save batch history", zap.String("batch_id", res.ID), zap.Error(err))
		return
	}
	logger.Info("batch saved to history", zap.String("batch_id", res.ID))
}
