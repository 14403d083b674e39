// Package pipeline resolves the listing set across the cache tiers, keeps
// the filtered projection current and runs refreshes against the upstream
// board.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"property-sync/metrics"
	"property-sync/models"
	"property-sync/scheduler"
	"property-sync/scraper/upstream"
	"property-sync/services"
	"property-sync/storage"
	"property-sync/utils"
)

// LocalStore is the persistent local tier.
type LocalStore interface {
	Get() (*models.CacheEnvelope, error)
	Set(env models.CacheEnvelope) error
	IsValid() storage.Validity
}

// SharedStore is the shared remote tier.
type SharedStore interface {
	Fetch(ctx context.Context, key string) (*storage.RemoteEntry, error)
	Publish(ctx context.Context, key string, env models.CacheEnvelope) bool
	Disabled() bool
	Status() storage.SharedStatus
}

// SnapshotSource is the static snapshot tier.
type SnapshotSource interface {
	Load(ctx context.Context, onProgress func(models.LoadingProgress)) (*models.CacheEnvelope, error)
}

// Deps are the collaborators of a Pipeline. Shared, Snapshot and Fetcher
// may be nil when that tier is not configured.
type Deps struct {
	Normalizer *services.Normalizer
	Local      LocalStore
	Shared     SharedStore
	Snapshot   SnapshotSource
	Fetcher    upstream.PageFetcher
	Bootstrap  []models.CanonicalListing
	Logger     *utils.Logger
}

// Options tune resolution and refresh.
type Options struct {
	SharedKey      string
	Session        upstream.SessionConfig
	SessionTimeout time.Duration
	FilterDebounce time.Duration
}

// Pipeline owns the displayed listing set.
type Pipeline struct {
	deps   Deps
	opts   Options
	logger *utils.Logger
	now    func() time.Time

	state    *State
	debounce *utils.Debouncer
	refresh  singleflight.Group

	// commitMu orders adoptions with their cache write-backs.
	commitMu sync.Mutex

	subsMu sync.Mutex
	subs   map[chan models.LoadingProgress]struct{}
}

// New creates a Pipeline. Nothing is displayed until Start.
func New(deps Deps, opts Options) *Pipeline {
	if opts.FilterDebounce <= 0 {
		opts.FilterDebounce = 300 * time.Millisecond
	}
	return &Pipeline{
		deps:     deps,
		opts:     opts,
		logger:   deps.Logger,
		now:      time.Now,
		state:    &State{},
		debounce: utils.NewDebouncer(opts.FilterDebounce),
		subs:     make(map[chan models.LoadingProgress]struct{}),
	}
}

// Start shows the bootstrap set synchronously, then resolves the cache tiers
// in the background. The returned channel is closed when resolution ends.
func (p *Pipeline) Start(ctx context.Context) <-chan struct{} {
	if len(p.deps.Bootstrap) > 0 {
		p.adopt(SourceBootstrap, p.deps.Bootstrap, p.now())
		p.logger.Info("[pipeline] Showing %d bootstrap listings", len(p.deps.Bootstrap))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := p.Resolve(ctx); err != nil {
			p.logger.Error("[pipeline] Resolution failed: %v", err)
		}
	}()
	return done
}

// Resolve walks the tiers fastest first and adopts the first usable answer.
// Data found in a slower tier is written back into the faster ones.
// A tier answer that arrives after some other set was adopted is dropped.
func (p *Pipeline) Resolve(ctx context.Context) (Source, error) {
	start := time.Now()
	since := p.state.epoch()
	p.state.beginLoading()

	if env, rescored := p.fromLocal(); env != nil {
		wb := toSharedIfEmpty
		if rescored {
			wb |= toLocal
		}
		return p.settle(SourceLocal, p.adoptTier(ctx, since, SourceLocal, env, start, wb))
	}

	if env, rescored := p.fromShared(ctx); env != nil {
		wb := toLocal
		if rescored {
			wb |= toShared
		}
		return p.settle(SourceShared, p.adoptTier(ctx, since, SourceShared, env, start, wb))
	}

	if env := p.fromSnapshot(ctx); env != nil {
		return p.settle(SourceSnapshot, p.adoptTier(ctx, since, SourceSnapshot, env, start, toLocal))
	}

	if err := p.Refresh(ctx, string(SourceUpstream)); err != nil {
		return SourceNone, err
	}
	return SourceUpstream, nil
}

// Refresh runs a paginated session against the board and, on success,
// rewrites both cache tiers before adopting the result. A call made while
// a session is in flight waits for that session instead of starting one.
func (p *Pipeline) Refresh(ctx context.Context, trigger string) error {
	start := time.Now()
	_, err, shared := p.refresh.Do("refresh", func() (any, error) {
		return nil, p.runSession(ctx)
	})
	if shared {
		p.logger.Debug("[pipeline] %s refresh joined an in-flight session", trigger)
	}

	result := "ok"
	if err != nil {
		result = "failed"
		if p.state.fail(err) {
			p.logger.Error("[pipeline] %s refresh failed with nothing displayed: %v", trigger, err)
		} else {
			p.logger.Warn("[pipeline] %s refresh failed, keeping displayed data: %v", trigger, err)
		}
	} else {
		metrics.ResolveDuration.WithLabelValues(string(SourceUpstream)).Observe(time.Since(start).Seconds())
	}
	metrics.Refreshes.WithLabelValues(trigger, result).Inc()
	return err
}

// WatchTrigger runs a refresh whenever trig is raised, until ctx is done.
func (p *Pipeline) WatchTrigger(ctx context.Context, trig *scheduler.Trigger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-trig.C():
			kind, ok := trig.Pending()
			if !ok {
				continue
			}
			_ = p.Refresh(ctx, string(kind))
			trig.MarkComplete(kind)
		}
	}
}

// SetFilter schedules a projection with spec. Rapid calls collapse into the
// last one.
func (p *Pipeline) SetFilter(spec models.FilterSpec) {
	p.state.setFilter(spec, func() { p.debounce.Call(p.applyFilters) })
}

// SetUser changes the user whose outreach column the filter reads.
func (p *Pipeline) SetUser(u *models.User) {
	p.state.setUser(u, func() { p.debounce.Call(p.applyFilters) })
}

// IsApplyingFilters reports whether a filter change is still pending.
func (p *Pipeline) IsApplyingFilters() bool {
	return p.state.applyingFilters()
}

// Snapshot returns the current outputs.
func (p *Pipeline) Snapshot() Output {
	out := p.state.output()
	out.SharedCacheStatus = storage.SharedOff
	if p.deps.Shared != nil {
		out.SharedCacheStatus = p.deps.Shared.Status()
	}
	return out
}

// Subscribe streams loading progress. The returned func unsubscribes.
// Slow receivers miss updates rather than blocking the pipeline.
func (p *Pipeline) Subscribe() (<-chan models.LoadingProgress, func()) {
	ch := make(chan models.LoadingProgress, 16)
	p.subsMu.Lock()
	p.subs[ch] = struct{}{}
	p.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.subsMu.Lock()
			delete(p.subs, ch)
			p.subsMu.Unlock()
			close(ch)
		})
	}
}

// Close cancels pending filter work.
func (p *Pipeline) Close() {
	p.debounce.Stop()
}

func (p *Pipeline) applyFilters(gen uint64) {
	proj, ok := p.state.reproject(func() bool { return p.debounce.Current(gen) })
	if !ok {
		return
	}
	metrics.FilteredListings.Set(float64(len(proj.Filtered)))
	p.logger.Debug("[pipeline] Filter applied: %d listings match", proj.Stats.TotalListings)
}

// fromLocal reads the local tier. The flag reports that the entry had no
// scores and was scored here.
func (p *Pipeline) fromLocal() (*models.CacheEnvelope, bool) {
	if p.deps.Local == nil {
		return nil, false
	}
	if v := p.deps.Local.IsValid(); !v.Valid {
		p.logger.Info("[pipeline] Local cache miss: %s", v.Reason)
		metrics.TierLookups.WithLabelValues(string(SourceLocal), "miss").Inc()
		return nil, false
	}
	env, err := p.deps.Local.Get()
	if err != nil || env == nil {
		p.logger.Warn("[pipeline] Local cache unreadable, treating as miss: %v", err)
		metrics.TierLookups.WithLabelValues(string(SourceLocal), "error").Inc()
		return nil, false
	}
	metrics.TierLookups.WithLabelValues(string(SourceLocal), "hit").Inc()

	if !env.HasScores {
		p.logger.Info("[pipeline] Local cache has no scores, scoring %d listings once", len(env.Data))
		scored := models.NewEnvelope(p.deps.Normalizer.RecomputeAll(env.Data), env.Timestamp)
		return &scored, true
	}
	return env, false
}

func (p *Pipeline) fromShared(ctx context.Context) (*models.CacheEnvelope, bool) {
	if p.deps.Shared == nil || p.deps.Shared.Disabled() {
		metrics.TierLookups.WithLabelValues(string(SourceShared), "disabled").Inc()
		return nil, false
	}
	entry, err := p.deps.Shared.Fetch(ctx, p.opts.SharedKey)
	if err != nil {
		p.logger.Warn("[pipeline] Shared cache error, treating as miss: %v", err)
		metrics.TierLookups.WithLabelValues(string(SourceShared), "error").Inc()
		return nil, false
	}
	if entry == nil {
		metrics.TierLookups.WithLabelValues(string(SourceShared), "miss").Inc()
		return nil, false
	}

	env := entry.Value
	if env.SchemaVersion != models.SchemaVersion {
		p.logger.Info("[pipeline] Shared cache entry ignored: %v",
			&models.SchemaMismatchError{Got: env.SchemaVersion, Want: models.SchemaVersion})
		metrics.TierLookups.WithLabelValues(string(SourceShared), "miss").Inc()
		return nil, false
	}
	if len(env.Data) == 0 {
		metrics.TierLookups.WithLabelValues(string(SourceShared), "miss").Inc()
		return nil, false
	}
	metrics.TierLookups.WithLabelValues(string(SourceShared), "hit").Inc()

	if !env.HasScores {
		p.logger.Info("[pipeline] Shared cache has no scores, scoring %d listings once", len(env.Data))
		scored := models.NewEnvelope(p.deps.Normalizer.RecomputeAll(env.Data), env.Timestamp)
		return &scored, true
	}
	return &env, false
}

func (p *Pipeline) fromSnapshot(ctx context.Context) *models.CacheEnvelope {
	if p.deps.Snapshot == nil {
		return nil
	}
	env, err := p.deps.Snapshot.Load(ctx, p.publishProgress)
	if err != nil || !env.Usable() {
		outcome := "miss"
		if err != nil && !errors.Is(err, models.ErrMiss) {
			outcome = "error"
		}
		metrics.TierLookups.WithLabelValues(string(SourceSnapshot), outcome).Inc()
		return nil
	}
	metrics.TierLookups.WithLabelValues(string(SourceSnapshot), "hit").Inc()
	return env
}

func (p *Pipeline) runSession(ctx context.Context) error {
	if p.deps.Fetcher == nil {
		return &models.FatalFetchError{Op: "refresh", Err: errors.New("no upstream configured")}
	}

	p.state.setDownloading(true)
	defer p.state.setDownloading(false)

	cfg := p.opts.Session
	cfg.Timeout = 0
	if !p.state.replaced() {
		cfg.Timeout = p.opts.SessionTimeout
	}

	session := upstream.NewSession(p.deps.Fetcher, cfg, p.logger)
	session.OnProgress(p.publishProgress)
	session.OnPage(metrics.PageResult)

	res, err := session.Run(ctx)
	if err != nil {
		return err
	}

	set := p.deps.Normalizer.NormalizeAll(res.Items)
	if len(set) == 0 {
		return &models.FatalFetchError{Op: "refresh", Err: fmt.Errorf("session %s returned no valid listings", res.SessionID)}
	}

	env := models.NewEnvelope(set, p.now())

	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	p.fillLocal(SourceUpstream, env)
	p.publish(ctx, env)
	p.adoptEnvelope(SourceUpstream, &env, time.Time{})
	return nil
}

// writeBack selects the tiers a resolved answer is copied into.
type writeBack uint8

const (
	toLocal writeBack = 1 << iota
	toShared
	toSharedIfEmpty
)

// adoptTier displays env and performs its write-backs, unless another set
// was adopted after epoch since. It reports whether env was adopted.
func (p *Pipeline) adoptTier(ctx context.Context, since uint64, source Source, env *models.CacheEnvelope, start time.Time, wb writeBack) bool {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	if p.state.epoch() != since {
		p.logger.Info("[pipeline] Dropping %s data, a newer set was adopted while it loaded", source)
		metrics.TierLookups.WithLabelValues(string(source), "stale").Inc()
		return false
	}
	p.adoptEnvelope(source, env, start)
	if wb&toLocal != 0 {
		p.fillLocal(source, *env)
	}
	switch {
	case wb&toShared != 0:
		p.publish(ctx, *env)
	case wb&toSharedIfEmpty != 0:
		p.pushUp(ctx, env)
	}
	return true
}

// settle reports the outcome of Resolve once a tier answered.
func (p *Pipeline) settle(source Source, adopted bool) (Source, error) {
	if !adopted {
		return p.state.currentSource(), nil
	}
	return source, nil
}

// publish writes env to the shared tier when it is enabled.
func (p *Pipeline) publish(ctx context.Context, env models.CacheEnvelope) {
	if p.deps.Shared == nil || p.deps.Shared.Disabled() {
		return
	}
	ok := p.deps.Shared.Publish(ctx, p.opts.SharedKey, env)
	metrics.TierWrites.WithLabelValues(string(SourceShared), result(ok)).Inc()
}

// fillLocal writes env into the local tier. Failures only cost the next
// start its fast path.
func (p *Pipeline) fillLocal(from Source, env models.CacheEnvelope) {
	if p.deps.Local == nil {
		return
	}
	if err := p.deps.Local.Set(env); err != nil {
		p.logger.Warn("[pipeline] Could not write %s data to local cache: %v", from, err)
		metrics.TierWrites.WithLabelValues(string(SourceLocal), "failed").Inc()
		return
	}
	p.logger.Debug("[pipeline] Local cache filled from %s (%d listings)", from, len(env.Data))
	metrics.TierWrites.WithLabelValues(string(SourceLocal), "ok").Inc()
}

// pushUp publishes locally held data to the shared tier when the shared tier
// has nothing under the key.
func (p *Pipeline) pushUp(ctx context.Context, env *models.CacheEnvelope) {
	if p.deps.Shared == nil || p.deps.Shared.Disabled() {
		return
	}
	entry, err := p.deps.Shared.Fetch(ctx, p.opts.SharedKey)
	if err != nil || entry != nil {
		return
	}
	ok := p.deps.Shared.Publish(ctx, p.opts.SharedKey, *env)
	metrics.TierWrites.WithLabelValues(string(SourceShared), result(ok)).Inc()
	if ok {
		p.logger.Info("[pipeline] Shared cache was empty, pushed %d local listings up", len(env.Data))
	}
}

// adoptEnvelope displays env. A zero start skips the latency metric.
func (p *Pipeline) adoptEnvelope(source Source, env *models.CacheEnvelope, start time.Time) {
	p.adopt(source, env.Data, env.Timestamp)
	if !start.IsZero() {
		metrics.ResolveDuration.WithLabelValues(string(source)).Observe(time.Since(start).Seconds())
	}
	p.logger.Info("[pipeline] Adopted %d listings from %s", len(env.Data), source)
}

func (p *Pipeline) adopt(source Source, set []models.CanonicalListing, ts time.Time) {
	proj := p.state.adopt(source, set, ts)
	metrics.Listings.Set(float64(len(set)))
	metrics.FilteredListings.Set(float64(len(proj.Filtered)))
}

func (p *Pipeline) publishProgress(prog models.LoadingProgress) {
	p.state.setProgress(prog)

	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	for ch := range p.subs {
		select {
		case ch <- prog:
		default:
		}
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
