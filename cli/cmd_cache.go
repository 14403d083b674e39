package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"property-sync/scheduler"
	"property-sync/storage"
)

var (
	scheduleCmd = &cobra.Command{
		Use:   "schedule",
		Short: "Print when the next background refresh is due",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := scheduler.New(schedulerConfig(cfg), scheduler.NewTrigger(), logger)
			if err != nil {
				return err
			}
			now := time.Now()
			next := s.NextFiring(now)
			fmt.Fprintf(cmd.OutOrStdout(), "Next refresh at %s (in %s)\n",
				next.Local().Format(time.RFC1123), next.Sub(now).Round(time.Second))
			return nil
		},
	}

	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the cache tiers",
	}

	cacheStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show whether the local and shared tiers hold usable data",
		RunE:  runCacheStatus,
	}

	cacheClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Remove the local cache entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := openLocal()
			if err != nil {
				return err
			}
			defer local.Close()
			if err := local.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Local cache cleared")
			return nil
		},
	}

	cacheMigrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create the shared cache table if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := storage.NewPostgresBackend(cfg.DSN())
			if err != nil {
				return err
			}
			defer backend.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := backend.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Shared cache schema is up to date")
			return nil
		},
	}
)

func init() {
	cacheCmd.AddCommand(cacheStatusCmd, cacheClearCmd, cacheMigrateCmd)
}

func openLocal() (*storage.LocalCache, error) {
	return storage.NewLocalCache(storage.BadgerConfig{Path: cfg.LocalCachePath, Logger: logger}, cfg.LocalCacheMaxAge)
}

func runCacheStatus(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()

	local, err := openLocal()
	if err != nil {
		return err
	}
	defer local.Close()

	v := local.IsValid()
	if v.Valid {
		env, err := local.Get()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "local:  %d listings, written %s\n", len(env.Data), env.Timestamp.Local().Format(time.RFC1123))
	} else {
		fmt.Fprintf(w, "local:  unusable (%s)\n", v.Reason)
	}

	if !cfg.SharedCacheOn {
		fmt.Fprintln(w, "shared: disabled by configuration")
		return nil
	}
	backend, err := storage.NewPostgresBackend(cfg.DSN())
	if err != nil {
		fmt.Fprintf(w, "shared: unreachable (%v)\n", err)
		return nil
	}
	shared := storage.NewSharedCache(backend, logger)
	defer shared.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	entry, err := shared.Fetch(ctx, cfg.SharedCacheKey)
	switch {
	case err != nil:
		fmt.Fprintf(w, "shared: %s (%v)\n", shared.Status(), err)
	case entry == nil:
		fmt.Fprintf(w, "shared: empty (%s)\n", shared.Status())
	default:
		fmt.Fprintf(w, "shared: %d listings, version %d, written %s\n",
			len(entry.Value.Data), entry.Version, entry.Value.Timestamp.Local().Format(time.RFC1123))
	}
	return nil
}
