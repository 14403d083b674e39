// Package cli is the property-sync command line.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"property-sync/config"
	"property-sync/lens"
	"property-sync/models"
	"property-sync/utils"
)

var (
	debug    bool
	lensPath string

	cfg    *config.Config
	logger *utils.Logger

	rootCmd = &cobra.Command{
		Use:   "property-sync",
		Short: "Keeps the property dashboard's listing set in sync across cache tiers",
		Long: `property-sync resolves the listing set from the local cache, the shared
cache, the published snapshot or the upstream board, and keeps the faster
tiers filled from the slower ones.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg = config.Load()
			logger = utils.NewLogger()
			logger.SetDebug(debug || cfg.Debug)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&lensPath, "lens", "", "lens file (YAML or JSON) with the filter and user to apply")

	rootCmd.AddCommand(serveCmd, syncCmd, refreshCmd, scheduleCmd, cacheCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// loadLens returns the lens from --lens, or an empty one.
func loadLens() (*lens.File, error) {
	if lensPath == "" {
		return &lens.File{Filters: models.FilterSpec{}}, nil
	}
	return lens.LoadFile(lensPath)
}
