package storage

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"property-sync/models"
	"property-sync/utils"
)

// localCacheKey is the single key the envelope lives under.
var localCacheKey = []byte("property-dashboard:listings")

// Validity is the result of LocalCache.IsValid.
type Validity struct {
	Valid  bool
	Reason string
}

// LocalCache is the persistent local tier: one versioned envelope in an
// embedded badger store.
type LocalCache struct {
	db     *badger.DB
	maxAge time.Duration
	now    func() time.Time
	logger *utils.Logger

	stopGC chan struct{}
	gcDone chan struct{}
}

// NewLocalCache opens the store described by cfg. maxAge of zero disables
// expiry.
func NewLocalCache(cfg BadgerConfig, maxAge time.Duration) (*LocalCache, error) {
	db, err := OpenBadger(cfg)
	if err != nil {
		return nil, &models.StorageError{Op: "open", Err: err}
	}

	lc := &LocalCache{db: db, maxAge: maxAge, now: time.Now, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		lc.stopGC = make(chan struct{})
		lc.gcDone = make(chan struct{})
		go func() {
			defer close(lc.gcDone)
			runValueLogGC(db, cfg.GCInterval, lc.stopGC, cfg.Logger)
		}()
	}
	return lc, nil
}

// Get returns the stored envelope, or nil when the store is empty. An
// envelope from another schema version is cleared and reported as nil.
func (lc *LocalCache) Get() (*models.CacheEnvelope, error) {
	var raw []byte
	err := lc.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(localCacheKey)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &models.StorageError{Op: "get", Err: err}
	}

	var env models.CacheEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		lc.warn("[local-cache] Stored envelope is unreadable, clearing: %v", err)
		return nil, lc.Clear()
	}

	if env.SchemaVersion != models.SchemaVersion {
		mismatch := &models.SchemaMismatchError{Got: env.SchemaVersion, Want: models.SchemaVersion}
		lc.warn("[local-cache] %v, clearing", mismatch)
		return nil, lc.Clear()
	}
	return &env, nil
}

// Set replaces the stored envelope.
func (lc *LocalCache) Set(env models.CacheEnvelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return &models.StorageError{Op: "encode", Err: err}
	}
	err = lc.db.Update(func(txn *badger.Txn) error {
		return txn.Set(localCacheKey, raw)
	})
	if err != nil {
		return &models.StorageError{Op: "set", Err: err}
	}
	return nil
}

// Clear removes the stored envelope.
func (lc *LocalCache) Clear() error {
	err := lc.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(localCacheKey)
	})
	if err != nil {
		return &models.StorageError{Op: "clear", Err: err}
	}
	return nil
}

// IsValid reports whether Get would return an adoptable envelope, and why
// not otherwise.
func (lc *LocalCache) IsValid() Validity {
	env, err := lc.Get()
	switch {
	case err != nil:
		return Validity{Reason: err.Error()}
	case env == nil:
		return Validity{Reason: "empty"}
	case len(env.Data) == 0:
		return Validity{Reason: "no data"}
	case lc.maxAge > 0 && lc.now().Sub(env.Timestamp) > lc.maxAge:
		return Validity{Reason: "expired"}
	}
	return Validity{Valid: true, Reason: "ok"}
}

// Close stops background GC and closes the store.
func (lc *LocalCache) Close() error {
	if lc.stopGC != nil {
		close(lc.stopGC)
		<-lc.gcDone
	}
	return lc.db.Close()
}

func (lc *LocalCache) warn(format string, args ...any) {
	if lc.logger != nil {
		lc.logger.Warn(format, args...)
	}
}
