package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"property-sync/models"
	"property-sync/utils"
)

// SharedStatus is the health of the shared cache tier as shown to the UI.
type SharedStatus string

const (
	SharedUnknown        SharedStatus = "unknown"
	SharedConnected      SharedStatus = "connected"
	SharedError          SharedStatus = "error"
	SharedDisabledAuth   SharedStatus = "disabled: auth"
	SharedDisabledSchema SharedStatus = "disabled: schema"
	SharedOff            SharedStatus = "off"
)

const (
	defaultReadTimeout  = 5 * time.Second
	defaultSaveAttempts = 3
)

// SharedCache is the last-write-wins tier shared by every dashboard client.
// A permanent failure (bad credentials, missing table) disables it until
// the process restarts.
type SharedCache struct {
	backend      SharedBackend
	readTimeout  time.Duration
	saveAttempts int
	logger       *utils.Logger

	mu       sync.Mutex
	disabled bool
	status   SharedStatus
	calls    int
}

// NewSharedCache wraps backend. A nil backend yields a permanently off tier.
func NewSharedCache(backend SharedBackend, logger *utils.Logger) *SharedCache {
	sc := &SharedCache{
		backend:      backend,
		readTimeout:  defaultReadTimeout,
		saveAttempts: defaultSaveAttempts,
		logger:       logger,
		status:       SharedUnknown,
	}
	if backend == nil {
		sc.disabled = true
		sc.status = SharedOff
	}
	return sc
}

// SetReadTimeout overrides the 5s read bound.
func (sc *SharedCache) SetReadTimeout(d time.Duration) {
	sc.readTimeout = d
}

// Fetch reads key. It returns nil, nil on a miss, when the read exceeds the
// read timeout, or when the tier is disabled.
func (sc *SharedCache) Fetch(ctx context.Context, key string) (*RemoteEntry, error) {
	if !sc.begin() {
		return nil, nil
	}

	readCtx, cancel := context.WithTimeout(ctx, sc.readTimeout)
	defer cancel()

	entry, err := sc.backend.Fetch(readCtx, key)
	if err != nil {
		if errors.Is(readCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			sc.logger.Warn("[shared-cache] Read of %q timed out after %v, treating as miss", key, sc.readTimeout)
			return nil, nil
		}
		return nil, sc.fail("fetch", err)
	}
	sc.ok()
	return entry, nil
}

// Save performs one conditional write.
func (sc *SharedCache) Save(ctx context.Context, key string, env models.CacheEnvelope, expectedVersion int64) error {
	if !sc.begin() {
		return models.ErrMiss
	}
	if err := sc.backend.Save(ctx, key, env, expectedVersion); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return err
		}
		return sc.fail("save", err)
	}
	sc.ok()
	return nil
}

// Publish writes env under key using optimistic concurrency: read the
// current version, write conditioned on it, and on conflict start over. It
// gives up silently after a few attempts and reports whether the write
// landed.
func (sc *SharedCache) Publish(ctx context.Context, key string, env models.CacheEnvelope) bool {
	for attempt := 1; attempt <= sc.saveAttempts; attempt++ {
		if sc.Disabled() {
			return false
		}

		var version int64
		current, err := sc.Fetch(ctx, key)
		if err != nil {
			sc.logger.Warn("[shared-cache] Publish aborted, could not read version: %v", err)
			return false
		}
		if current != nil {
			version = current.Version
		}

		err = sc.Save(ctx, key, env, version)
		switch {
		case err == nil:
			sc.logger.Info("[shared-cache] Published %d listings (attempt %d)", len(env.Data), attempt)
			return true
		case errors.Is(err, models.ErrVersionConflict):
			sc.logger.Debug("[shared-cache] Version %d is stale, retrying (%d/%d)", version, attempt, sc.saveAttempts)
			continue
		default:
			sc.logger.Warn("[shared-cache] Publish failed: %v", err)
			return false
		}
	}
	sc.logger.Warn("[shared-cache] Publish abandoned after %d conflicting writes", sc.saveAttempts)
	return false
}

// Disabled reports whether the tier has been switched off for good.
func (sc *SharedCache) Disabled() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.disabled
}

// Status returns the tier's current health.
func (sc *SharedCache) Status() SharedStatus {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.status
}

// Calls returns how many backend round-trips have been attempted.
func (sc *SharedCache) Calls() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.calls
}

// Close releases the backend.
func (sc *SharedCache) Close() error {
	if sc.backend == nil {
		return nil
	}
	return sc.backend.Close()
}

func (sc *SharedCache) begin() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.disabled {
		return false
	}
	sc.calls++
	return true
}

func (sc *SharedCache) ok() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.status = SharedConnected
}

func (sc *SharedCache) fail(op string, err error) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	var auth *models.AuthError
	var schema *models.SchemaMissingError
	switch {
	case errors.As(err, &auth):
		sc.disabled = true
		sc.status = SharedDisabledAuth
		sc.logger.Error("[shared-cache] %s rejected credentials, tier disabled until restart: %v", op, err)
	case errors.As(err, &schema):
		sc.disabled = true
		sc.status = SharedDisabledSchema
		sc.logger.Error("[shared-cache] %s found no cache table, tier disabled until restart: %v", op, err)
	default:
		sc.status = SharedError
	}
	return err
}
