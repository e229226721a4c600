package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonathan/veo-automator/internal/browser"
	"github.com/jonathan/veo-automator/internal/config"
	"github.com/jonathan/veo-automator/internal/db"
	"github.com/jonathan/veo-automator/internal/logging"
	"github.com/jonathan/veo-automator/internal/metrics"
	"github.com/jonathan/veo-automator/internal/server"
)

var (
	serveConfigPath  string
	serveAddr        string
	serveProfileDir  string
	serveDebuggerURL string
	serveHeadless    bool
	serveDatabaseURL string
	serveVerbose     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start an HTTP server that runs batches over one browser session: POST /batches to start, GET /batches/stream for progress, POST /batches/current/stop to stop.

History endpoints need DATABASE_URL. Bearer auth is enabled when JWT_SECRET is set.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to config.json file (values can be overridden by other flags)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (default :8080)")
	serveCmd.Flags().StringVar(&serveProfileDir, "profile-dir", "", "Chrome user-data-dir with a signed-in profile")
	serveCmd.Flags().StringVar(&serveDebuggerURL, "debugger-url", "", "Attach to a running Chrome")
	serveCmd.Flags().BoolVar(&serveHeadless, "headless", false, "Run Chrome without a window")
	serveCmd.Flags().StringVar(&serveDatabaseURL, "db-url", "", "PostgreSQL URL for batch history (optional, defaults to DATABASE_URL env var)")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "Print detailed debug information")
	rootCmd.AddCommand(serveCmd)
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.ListenAddr = serveAddr
	}
	if flags.Changed("profile-dir") {
		cfg.ProfileDir = serveProfileDir
		cfg.DebuggerURL = ""
	}
	if flags.Changed("debugger-url") {
		cfg.DebuggerURL = serveDebuggerURL
		cfg.ProfileDir = ""
	}
	if flags.Changed("headless") {
		cfg.Headless = serveHeadless
	}
	if flags.Changed("db-url") {
		cfg.DatabaseURL = serveDatabaseURL
	}
	if flags.Changed("verbose") {
		cfg.Verbose = serveVerbose
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, changed, err := resolveConfig(serveConfigPath, func(c *config.Config) { applyServeFlags(cmd, c) })
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if len(changed) > 0 {
		logger.Warn("unrecognized settings replaced with defaults", zap.Strings("fields", changed))
	}

	table, err := loadTable(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNewMetrics(reg)

	opts, err := sessionOptions(cfg)
	if err != nil {
		return err
	}
	mgr := browser.NewManager(opts, logger)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser session: %w", err)
	}
	defer mgr.Close()

	srvCfg := server.Config{
		Addr:     cfg.ListenAddr,
		Engine:   buildEngine(cfg, mgr.Page(), mgr, table, nil, m, logger),
		Settings: cfg.Settings(),
		Gatherer: reg,
		Logger:   logger,
	}

	if cfg.DatabaseURL != "" {
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
		if err := database.Migrate(ctx); err != nil {
			return err
		}
		srvCfg.History = database
	}

	jwtCfg, err := config.LoadJWTConfig()
	if err != nil {
		return err
	}
	if jwtCfg != nil {
		srvCfg.Auth = server.NewJWTService(jwtCfg)
	} else {
		logger.Warn("JWT_SECRET not set, API is unauthenticated")
	}

	srv, err := server.New(srvCfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Run(ctx)
}
