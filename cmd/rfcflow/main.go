package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/apprenticegc/rfcflow/internal/config"
	"github.com/apprenticegc/rfcflow/internal/debug"
	"github.com/apprenticegc/rfcflow/internal/telemetry"
	"github.com/apprenticegc/rfcflow/internal/ui"
)

var (
	verboseFlag bool // Enable verbose/debug output
	quietFlag   bool // Suppress non-essential output
	noColorFlag bool

	// Resolved once in PersistentPreRun and passed into constructors.
	cfg    config.Config
	logger *slog.Logger

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

func init() {
	// Initialize viper configuration
	if err := config.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize config: %v\n", err)
	}

	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")
	rootCmd.PersistentFlags().BoolVar(&noColorFlag, "no-color", false, "Disable colored output")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")

	rootCmd.AddGroup(&cobra.Group{ID: "flow", Title: "Automation Flow:"})
	rootCmd.AddGroup(&cobra.Group{ID: "maint", Title: "Maintenance:"})
}

var rootCmd = &cobra.Command{
	Use:   "rfcflow",
	Short: "rfcflow - consistency and coordination for RFC automation chains",
	Long: `rfcflow keeps the RFC automation pipeline consistent: it ingests RFC pages
into a local tracking store, serializes work per RFC series through a tracking
issue, and reconciles issues, pull requests, branches and CI runs that belong
to the same micro task.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("rfcflow version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupSignalContext()
		applyVerbosityFlags(cmd)
		cfg = config.Load()
		logger = newLogger(cfg.Verbose)
		setupTelemetry()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		shutdownTelemetry()
		if rootCancel != nil {
			rootCancel()
		}
	},
}

// setupSignalContext cancels rootCtx on SIGINT/SIGTERM.
func setupSignalContext() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// applyVerbosityFlags merges --verbose/--quiet with configuration and
// propagates them to the debug and ui packages.
func applyVerbosityFlags(cmd *cobra.Command) {
	if !cmd.Flags().Changed("verbose") {
		verboseFlag = config.GetBool("verbose")
	}
	if !cmd.Flags().Changed("quiet") {
		quietFlag = config.GetBool("quiet")
	}
	config.Set("verbose", verboseFlag)
	config.Set("quiet", quietFlag)
	debug.SetVerbose(verboseFlag)
	debug.SetQuiet(quietFlag)
	if noColorFlag {
		ui.SetColor(false)
	}
}

func setupTelemetry() {
	settings := telemetry.Settings{
		Enabled:      cfg.Telemetry.Enabled,
		Stdout:       cfg.Telemetry.Stdout,
		OTLPEndpoint: cfg.Telemetry.Endpoint,
	}
	if err := telemetry.Init(rootCtx, settings, "rfcflow", Version); err != nil {
		WarnError("telemetry disabled: %v", err)
	}
}

func shutdownTelemetry() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	telemetry.Shutdown(ctx)
}

// newLogger returns the structured logger handed to long-running
// components. It writes to stderr so stdout stays machine-readable.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose || debug.Enabled() {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// getRootContext returns the signal-aware context, or Background before
// PersistentPreRun has run.
func getRootContext() context.Context {
	if rootCtx == nil {
		return context.Background()
	}
	return rootCtx
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
