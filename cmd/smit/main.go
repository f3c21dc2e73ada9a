package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/goeb/smit/internal/config"
	"github.com/goeb/smit/internal/debug"
	"github.com/goeb/smit/internal/storage"
	"github.com/goeb/smit/internal/storage/gitcli"
	"github.com/goeb/smit/internal/telemetry"
	"github.com/goeb/smit/internal/ui"
)

var (
	// Version is the current version of smit (overridden by ldflags at build time)
	Version = "0.1.0"
	// Build can be set via ldflags at compile time
	Build = "dev"
)

var (
	verboseFlag bool
	quietFlag   bool

	rootCtx    context.Context
	rootCancel context.CancelFunc

	logger   *slog.Logger
	settings config.Settings
)

var rootCmd = &cobra.Command{
	Use:           "smit",
	Short:         "smit - distributed issue tracker stored in git",
	Long:          `Issues live in git repositories. Clone a smit server, work offline, then pull and push.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)
		if err := config.Initialize(); err != nil {
			return err
		}
		settings = config.Current()
		logger = debug.NewLogger(os.Stderr)
		slog.SetDefault(logger)

		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		if err := telemetry.Init(rootCtx, "smit", Version); err != nil {
			logger.Warn("telemetry disabled", "error", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rootCtx == nil {
			return
		}
		telemetry.Shutdown(context.Background())
		rootCancel()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("smit version %s (%s)\n", Version, Build)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.AddCommand(versionCmd)
}

// newDriver returns the git driver of the CLI.
func newDriver() storage.Driver {
	return gitcli.New(logger)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFailIcon(), err)
		os.Exit(1)
	}
}
