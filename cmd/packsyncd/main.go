package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/packwright/packsyncd/internal/config"
	"github.com/packwright/packsyncd/internal/generator"
	"github.com/packwright/packsyncd/internal/git"
	"github.com/packwright/packsyncd/internal/manifest"
	"github.com/packwright/packsyncd/internal/sync"
	"github.com/packwright/packsyncd/internal/trigger"
	"github.com/packwright/packsyncd/internal/updater"
	"github.com/packwright/packsyncd/internal/watcher"
	"github.com/packwright/packsyncd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool

	// Generate command flags
	generateDir string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "packsyncd",
	Short: "Keep a modpack manifest in sync with its repository",
	Long: `packsyncd watches the mods and config directories of a modpack Git
repository, regenerates the manifest whenever they change, and commits the
updated manifest back to the repository.

It can run as a one-shot sync, as a long-running webhook daemon reacting to
push events, or as a local watcher over a working copy. It also ships the
client-side updater that consumes the published manifest.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the manifest sync job once",
	Long: `Sync performs one run of the manifest sync job: check out the configured
repository into a fresh working directory, invoke the manifest generator,
and commit and push the manifest if its content changed.

A manual run does not consult the watched-path filter; it always executes
the full pipeline.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve starts a long-running HTTP server that listens for GitHub push
events. Each event whose changed paths match the watched patterns starts an
independent sync run; concurrent runs are not coordinated and the remote's
fast-forward-only push decides the winner.

This mode requires webhook secret and listen address configuration.`,
	RunE: runServe,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a local working copy and sync on change",
	Long: `Watch monitors a local working copy of the modpack repository. When files
matching the watched patterns settle, the sync pipeline runs directly in
that working copy instead of a fresh checkout.`,
	RunE: runWatch,
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate the manifest for a local directory",
	Long: `Generate runs the built-in manifest generator once against a local
directory and writes the manifest file. The command implements the same
invocation contract as an external generator, so it can itself be configured
as the generator command of another packsyncd instance.`,
	RunE: runGenerate,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update a local install from the published manifest",
	Long: `Update fetches the published manifest, compares it against the local
install directory by content hash, downloads changed files, and optionally
removes files that are no longer part of the pack.`,
	RunE: runUpdate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("packsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/packsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Per-command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "log the manifest diff without committing or pushing")
	updateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "log the update plan without touching the install directory")
	generateCmd.Flags().StringVar(&generateDir, "dir", ".", "directory to generate the manifest for")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateJob(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	engine := newEngine(cfg, logger)

	logger.Info("starting manual sync run")
	res, err := engine.Run(ctx, trigger.Event{})
	if err != nil {
		logger.Error("sync run failed", "error", err)
		return err
	}

	logger.Info("sync run finished",
		"run_id", res.RunID,
		"manifest_changed", res.ManifestChanged,
		"pushed", res.Pushed,
		"commit", res.Commit)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateJob(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	filter, err := trigger.NewFilter(cfg.WatchedPatterns())
	if err != nil {
		return err
	}

	engine := newEngine(cfg, logger)

	server, err := webhook.NewServer(cfg, engine, filter, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	return server.Start(ctx)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateJob(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.ValidateWatch(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	settle, err := cfg.WatchSettle()
	if err != nil {
		return err
	}

	filter, err := trigger.NewFilter(cfg.WatchedPatterns())
	if err != nil {
		return err
	}

	engine := newEngine(cfg, logger)

	w, err := watcher.New(cfg.Watch.Dir, filter, settle, engine, logger)
	if err != nil {
		return err
	}

	return w.Run(ctx)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	gen := generator.NewBuiltinRunner(cfg.Repo.BaseDir, cfg.Manifest.Path, manifest.Pack{
		Name:    cfg.Pack.Name,
		Version: cfg.Pack.Version,
		BaseURL: cfg.Pack.BaseURL,
	})

	logger.Info("generating manifest", "dir", generateDir, "manifest", cfg.Manifest.Path)
	if err := gen.Generate(ctx, generateDir); err != nil {
		logger.Error("manifest generation failed", "error", err)
		return err
	}
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateClient(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	httpClient := &http.Client{Timeout: 5 * time.Minute}
	u := updater.New(cfg, httpClient, logger, dryRun)

	if err := u.Run(ctx); err != nil {
		logger.Error("update failed", "error", err)
		return err
	}
	return nil
}

// newEngine wires the sync engine with the configured git client and
// generator. An empty generator command selects the built-in generator.
func newEngine(cfg *config.Config, logger *slog.Logger) *sync.Engine {
	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.TokenFile)

	var gen generator.Runner
	if len(cfg.Generator.Command) > 0 {
		gen = generator.NewExecRunner(cfg.Generator.Command)
	} else {
		gen = generator.NewBuiltinRunner(cfg.Repo.BaseDir, cfg.Manifest.Path, manifest.Pack{
			Name:    cfg.Pack.Name,
			Version: cfg.Pack.Version,
			BaseURL: cfg.Pack.BaseURL,
		})
	}

	return sync.NewEngine(cfg, gitClient, gen, logger, dryRun)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/packsyncd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Repo.URL,
		"branch", cfg.Repo.Branch,
		"manifest", cfg.Manifest.Path,
		"state_dir", cfg.Paths.StateDir)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
