package main

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/jonathan/veo-automator/internal/artifacts"
	"github.com/jonathan/veo-automator/internal/batch"
	"github.com/jonathan/veo-automator/internal/browser"
	"github.com/jonathan/veo-automator/internal/clock"
	"github.com/jonathan/veo-automator/internal/config"
	"github.com/jonathan/veo-automator/internal/download"
	"github.com/jonathan/veo-automator/internal/interact"
	"github.com/jonathan/veo-automator/internal/locator"
	"github.com/jonathan/veo-automator/internal/metrics"
	"github.com/jonathan/veo-automator/internal/overlay"
	"github.com/jonathan/veo-automator/internal/waiter"
	"github.com/jonathan/veo-automator/internal/workflow"
)

// session is what the engine needs from the browser session.
type session interface {
	batch.Session
	waiter.Session
}

// resolveConfig loads the config file (when given), lets override apply the
// flags the user changed, then fills env fallbacks and defaults. It returns
// the settings fields Normalize replaced.
func resolveConfig(path string, override func(*config.Config)) (config.Config, []string, error) {
	cfg := &config.Config{}
	if path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return config.Config{}, nil, fmt.Errorf("failed to load config: %w", err)
		}
		if err := loaded.Validate(); err != nil {
			return config.Config{}, nil, err
		}
		cfg = loaded
	}
	if override != nil {
		override(cfg)
	}
	cfg.ApplyEnv()

	merged := cfg.MergeWithDefaults(config.Defaults())
	changed := merged.Normalize()
	if err := merged.Validate(); err != nil {
		return config.Config{}, nil, err
	}
	return merged, changed, nil
}

// loadTable returns the locator table named by the config, or the embedded
// one, with the configured thresholds applied.
func loadTable(cfg config.Config) (*locator.Table, error) {
	var (
		table *locator.Table
		err   error
	)
	if cfg.LocatorTable != "" {
		table, err = locator.LoadTableFile(cfg.LocatorTable)
	} else {
		table, err = locator.DefaultTable()
	}
	if err != nil {
		return nil, err
	}
	if len(cfg.ScoreThresholds) > 0 {
		table = table.WithThresholds(cfg.ScoreThresholds)
	}
	return table, nil
}

func sessionOptions(cfg config.Config) (browser.Options, error) {
	dir, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return browser.Options{}, fmt.Errorf("failed to resolve output dir: %w", err)
	}
	return browser.Options{
		ProfileDir:       cfg.ProfileDir,
		DebuggerURL:      cfg.DebuggerURL,
		Headless:         cfg.Headless,
		TargetURL:        cfg.TargetURL,
		DownloadDir:      dir,
		ActionTimeout:    config.Seconds(cfg.ActionTimeout),
		RecoveryAttempts: cfg.RecoveryAttempts,
		RecoveryDelay:    config.Seconds(cfg.RetryDelay),
	}, nil
}

// buildEngine wires every component over page. The collector and the
// downloader share the engine's seen set and output sequence.
func buildEngine(cfg config.Config, page browser.Page, sess session, table *locator.Table, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *batch.Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	settle := cfg.Settle()
	seen := artifacts.NewSeenSet()
	seq := download.NewSequence()
	loc := locator.New(page, table, clk, logger)

	orch := workflow.New(workflow.Deps{
		Page:      page,
		Locator:   loc,
		Executor:  interact.NewExecutor(page, loc, clk, settle, logger),
		Dismisser: overlay.New(page, loc, clk, settle, logger),
		Waiter: waiter.New(page, sess, table.Completion, clk, waiter.Options{
			InitialDelay:         config.Seconds(cfg.InitialDelay),
			PollInterval:         config.Seconds(cfg.PollInterval),
			SessionCheckInterval: config.Seconds(cfg.SessionCheck),
			Ceiling:              config.Seconds(cfg.WaitCeiling),
		}, logger),
		Collector: artifacts.NewCollector(page, seen, clk, artifacts.Options{
			Attempts: cfg.ScanAttempts,
			Delay:    config.Seconds(cfg.ScanDelay),
		}, logger),
		Downloader: download.New(page, loc, seq, download.Options{
			Dir:        cfg.OutputDir,
			Retries:    cfg.DownloadRetries,
			RetryDelay: config.Seconds(cfg.RetryDelay),
			Timeout:    config.Seconds(cfg.DownloadTimeout),
		}, logger),
		Clock:   clk,
		Metrics: m,
		Logger:  logger,
	}, workflow.Options{
		Settings:      cfg.Settings(),
		LocateRetries: cfg.LocateRetries,
		RetryDelay:    config.Seconds(cfg.RetryDelay),
	})

	coord := batch.NewCoordinator(orch, sess, clk, m, logger)
	return batch.NewEngine(coord, seen, seq, cfg.ProgressBuffer, m, logger)
}
