package cli

import (
	"net/http"
	"time"

	"property-sync/bootstrap"
	"property-sync/config"
	"property-sync/pipeline"
	"property-sync/scheduler"
	"property-sync/scraper/snapshot"
	"property-sync/scraper/upstream"
	"property-sync/services"
	"property-sync/storage"
	"property-sync/utils"
)

// app is the wired pipeline and everything it owns.
type app struct {
	cfg        *config.Config
	logger     *utils.Logger
	normalizer *services.Normalizer
	local      *storage.LocalCache
	backend    *storage.PostgresBackend
	shared     *storage.SharedCache
	pipeline   *pipeline.Pipeline
}

// newApp opens the cache tiers described by cfg and builds a pipeline over
// them. Tiers without configuration are left out.
func newApp(cfg *config.Config, logger *utils.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, normalizer: services.NewNormalizer(logger, time.Now)}

	local, err := storage.NewLocalCache(storage.BadgerConfig{
		Path:       cfg.LocalCachePath,
		GCInterval: 10 * time.Minute,
		Logger:     logger,
	}, cfg.LocalCacheMaxAge)
	if err != nil {
		return nil, err
	}
	a.local = local

	if cfg.SharedCacheOn {
		backend, err := storage.NewPostgresBackend(cfg.DSN())
		if err != nil {
			logger.Warn("[app] Shared cache unavailable, continuing without it: %v", err)
		} else {
			a.backend = backend
		}
	}
	if a.backend != nil {
		a.shared = storage.NewSharedCache(a.backend, logger)
	} else {
		a.shared = storage.NewSharedCache(nil, logger)
	}

	boot, err := bootstrap.Load(a.normalizer)
	if err != nil {
		logger.Warn("[app] Bootstrap data unusable: %v", err)
	}

	deps := pipeline.Deps{
		Normalizer: a.normalizer,
		Local:      a.local,
		Shared:     a.shared,
		Bootstrap:  boot,
		Logger:     logger,
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.SnapshotURL != "" {
		deps.Snapshot = snapshot.New(cfg.SnapshotURL, httpClient, a.normalizer, logger)
	}
	if cfg.UpstreamURL != "" {
		deps.Fetcher = upstream.NewClient(upstream.ClientConfig{
			Endpoint: cfg.UpstreamURL,
			Token:    cfg.UpstreamToken,
			Board:    cfg.UpstreamBoard,
			PageSize: cfg.PageSize,
			HTTP:     httpClient,
		})
	}

	a.pipeline = pipeline.New(deps, pipeline.Options{
		SharedKey: cfg.SharedCacheKey,
		Session: upstream.SessionConfig{
			MaxAttempts:            cfg.MaxRetries,
			BaseDelay:              cfg.RetryBaseDelay,
			MaxConsecutiveFailures: cfg.MaxPageFailures,
			PagesPerSecond:         cfg.PagesPerSecond,
			PageSize:               cfg.PageSize,
		},
		SessionTimeout: cfg.SessionTimeout,
		FilterDebounce: cfg.FilterDebounce,
	})

	logger.Info("[app] Tiers: local=%s shared=%s snapshot=%t upstream=%t",
		cfg.LocalCachePath, a.shared.Status(), deps.Snapshot != nil, deps.Fetcher != nil)
	return a, nil
}

// Close releases the caches.
func (a *app) Close() {
	a.pipeline.Close()
	if err := a.shared.Close(); err != nil {
		a.logger.Warn("[app] Closing shared cache: %v", err)
	}
	if err := a.local.Close(); err != nil {
		a.logger.Warn("[app] Closing local cache: %v", err)
	}
}

// schedulerConfig maps the env configuration onto the scheduler's.
func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		MorningZone:      cfg.MorningZone,
		MorningHours:     cfg.MorningHours,
		MorningCooldown:  cfg.MorningCooldown,
		DaytimeZone:      cfg.DaytimeZone,
		DaytimeStartHour: cfg.DaytimeStartHour,
		DaytimeEndHour:   cfg.DaytimeEndHour,
		DaytimeCooldown:  cfg.DaytimeCooldown,
		TickRate:         cfg.ScheduleTickRate,
	}
}
