package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"property-sync/models"
	"property-sync/pipeline"
	"property-sync/services"
	"property-sync/storage"
)

var (
	exportCSV bool
	forceSync bool

	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Resolve the listing set once, print a report and optionally export it",
		RunE:  runSync,
	}

	refreshCmd = &cobra.Command{
		Use:   "refresh",
		Short: "Pull a fresh listing set from the upstream board and fill every tier",
		RunE:  runRefresh,
	}
)

func init() {
	syncCmd.Flags().BoolVar(&exportCSV, "export", false, "write the filtered set to CSV_EXPORT_PATH")
	syncCmd.Flags().BoolVar(&forceSync, "force", false, "skip the cache tiers and fetch from upstream")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	f, err := loadLens()
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	if forceSync {
		if err := a.pipeline.Refresh(ctx, "manual"); err != nil {
			return err
		}
	} else {
		select {
		case <-a.pipeline.Start(ctx):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	out := a.pipeline.Snapshot()
	if out.Error != "" {
		logger.Warn("[sync] %s", out.Error)
	}
	proj := services.Project(out.AllProperties, f.Filters, f.User)
	logger.Info("[sync] %d listings from %s, %d after filters (%v)",
		len(out.AllProperties), sourceName(out.Source), len(proj.Filtered), time.Since(start).Round(time.Millisecond))

	if exportCSV {
		if err := exportListings(cfg.CSVExport, proj.Filtered); err != nil {
			return err
		}
		logger.Info("[sync] Exported %d listings to %s", len(proj.Filtered), cfg.CSVExport)
	}

	services.PrintReport(cmd.OutOrStdout(), services.BuildReport(proj, sourceName(out.Source)))
	return nil
}

func runRefresh(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.pipeline.Refresh(ctx, "manual"); err != nil {
		return err
	}
	out := a.pipeline.Snapshot()
	fmt.Fprintf(cmd.OutOrStdout(), "Refreshed %d listings (shared cache: %s)\n", len(out.AllProperties), out.SharedCacheStatus)
	return nil
}

func exportListings(path string, listings []models.CanonicalListing) error {
	w, err := storage.NewCSVWriter(path)
	if err != nil {
		return err
	}
	if err := w.WriteListings(listings); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func sourceName(s pipeline.Source) string {
	if s == pipeline.SourceNone {
		return "none"
	}
	return string(s)
}
