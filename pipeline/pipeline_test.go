package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"property-sync/models"
	"property-sync/scheduler"
	"property-sync/scraper/upstream"
	"property-sync/services"
	"property-sync/storage"
	"property-sync/utils"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *utils.Logger { return utils.NewLoggerTo(io.Discard) }

func testNormalizer() *services.Normalizer {
	return services.NewNormalizer(testLogger(), func() time.Time { return testNow })
}

func raw(id, ward string, prices ...float64) models.RawListing {
	r := models.RawListing{ID: id, Ward: ward, Status: models.StatusActive, ListedDate: "2025-01-01"}
	cols := []*models.FlexPrice{&r.Price1, &r.Price2, &r.Price3, &r.Price4, &r.Price5}
	dates := []*string{&r.Date1, &r.Date2, &r.Date3, &r.Date4, &r.Date5}
	for i, p := range prices {
		*cols[i] = models.FlexPrice(strconv.FormatFloat(p, 'f', -1, 64))
		*dates[i] = time.Date(2025, 1, 1+10*i, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
	}
	return r
}

func envelopeOf(ids ...string) models.CacheEnvelope {
	in := make([]models.RawListing, len(ids))
	for i, id := range ids {
		in[i] = raw(id, "Ward 3", 300000, 280000)
	}
	return models.NewEnvelope(testNormalizer().NormalizeAll(in), testNow)
}

func ids(set []models.CanonicalListing) []string {
	out := make([]string, len(set))
	for i, c := range set {
		out[i] = c.ID
	}
	return out
}

// memBackend is an in-process shared cache store.
type memBackend struct {
	mu       sync.Mutex
	entry    *storage.RemoteEntry
	fetchErr error
	fetches  int
	saves    int
}

func (b *memBackend) Fetch(context.Context, string) (*storage.RemoteEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	if b.entry == nil {
		return nil, nil
	}
	cp := *b.entry
	return &cp, nil
}

func (b *memBackend) Save(_ context.Context, _ string, env models.CacheEnvelope, expected int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saves++
	var current int64
	if b.entry != nil {
		current = b.entry.Version
	}
	if current != expected {
		return models.ErrVersionConflict
	}
	b.entry = &storage.RemoteEntry{Value: env, Version: current + 1}
	return nil
}

func (b *memBackend) Close() error { return nil }

func (b *memBackend) stored() *storage.RemoteEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entry
}

func (b *memBackend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

// fakeSnapshot answers with env, or a miss when env is nil.
type fakeSnapshot struct {
	env   *models.CacheEnvelope
	block chan struct{}
	calls atomic.Int32
}

func (s *fakeSnapshot) Load(ctx context.Context, onProgress func(models.LoadingProgress)) (*models.CacheEnvelope, error) {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if onProgress != nil {
		onProgress(models.LoadingProgress{Source: "snapshot", Loaded: 10, Total: 10, Percent: 100, Done: true})
	}
	if s.env == nil {
		return nil, fmt.Errorf("snapshot: not published: %w", models.ErrMiss)
	}
	cp := *s.env
	return &cp, nil
}

// fakeFetcher serves pages by cursor "pN" and then fails with err.
type fakeFetcher struct {
	mu        sync.Mutex
	pages     []upstream.Page
	err       error
	calls     int
	sessions  int
	deadlines []bool
	started   chan struct{}
	gate      chan struct{}
}

func (f *fakeFetcher) FetchPage(ctx context.Context, cursor string) (upstream.Page, error) {
	f.mu.Lock()
	f.calls++
	if cursor == "" {
		f.sessions++
	}
	_, has := ctx.Deadline()
	f.deadlines = append(f.deadlines, has)
	started, gate := f.started, f.gate
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return upstream.Page{}, ctx.Err()
		}
	}

	idx := 0
	if cursor != "" {
		_, _ = fmt.Sscanf(cursor, "p%d", &idx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx < len(f.pages) {
		return f.pages[idx], nil
	}
	return upstream.Page{}, f.err
}

type harness struct {
	local    *storage.LocalCache
	backend  *memBackend
	shared   *storage.SharedCache
	snapshot *fakeSnapshot
	fetcher  *fakeFetcher
	p        *Pipeline
}

type option func(*Deps, *Options)

func withBootstrap(set []models.CanonicalListing) option {
	return func(d *Deps, _ *Options) { d.Bootstrap = set }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	local, err := storage.NewLocalCache(storage.BadgerConfig{InMemory: true, Logger: testLogger()}, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	h := &harness{
		local:    local,
		backend:  &memBackend{},
		snapshot: &fakeSnapshot{},
		fetcher:  &fakeFetcher{err: &models.TransientNetworkError{Op: "fetch page", Err: errors.New("empty response body")}},
	}
	h.shared = storage.NewSharedCache(h.backend, testLogger())

	deps := Deps{
		Normalizer: testNormalizer(),
		Local:      local,
		Shared:     h.shared,
		Snapshot:   h.snapshot,
		Fetcher:    h.fetcher,
		Logger:     testLogger(),
	}
	session := upstream.DefaultSessionConfig()
	session.PagesPerSecond = 0
	session.PageSize = 2
	session.Sleep = func(context.Context, time.Duration) error { return nil }
	o := Options{
		SharedKey:      "test",
		Session:        session,
		SessionTimeout: time.Minute,
		FilterDebounce: 20 * time.Millisecond,
	}
	for _, fn := range opts {
		fn(&deps, &o)
	}

	h.p = New(deps, o)
	h.p.now = func() time.Time { return testNow }
	t.Cleanup(h.p.Close)
	return h
}

func TestStartShowsBootstrapSynchronously(t *testing.T) {
	boot := envelopeOf("b1", "b2").Data
	h := newHarness(t, withBootstrap(boot))
	h.snapshot.block = make(chan struct{})

	done := h.p.Start(context.Background())

	out := h.p.Snapshot()
	assert.Equal(t, SourceBootstrap, out.Source)
	assert.Equal(t, []string{"b1", "b2"}, ids(out.AllProperties))
	assert.False(t, out.Loading)

	close(h.snapshot.block)
	<-done

	out = h.p.Snapshot()
	assert.Equal(t, SourceBootstrap, out.Source, "failed tiers must not remove displayed data")
	assert.Empty(t, out.Error)
	assert.False(t, out.Loading)
}

func TestResolvePrefersLocalOverSnapshot(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.local.Set(envelopeOf("l1", "l2")))
	snap := envelopeOf("s1")
	h.snapshot.env = &snap

	src, err := h.p.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, src)
	assert.Equal(t, int32(0), h.snapshot.calls.Load(), "snapshot tier must not be consulted")
	assert.Equal(t, []string{"l1", "l2"}, ids(h.p.Snapshot().AllProperties))
}

func TestResolveLocalHitPushesUpToEmptyShared(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.local.Set(envelopeOf("l1")))

	_, err := h.p.Resolve(context.Background())
	require.NoError(t, err)

	entry := h.backend.stored()
	require.NotNil(t, entry)
	assert.Equal(t, []string{"l1"}, ids(entry.Value.Data))
}

func TestResolveSharedHitFillsLocal(t *testing.T) {
	h := newHarness(t)
	h.backend.entry = &storage.RemoteEntry{Value: envelopeOf("r1", "r2", "r3"), Version: 4}

	src, err := h.p.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceShared, src)
	assert.Equal(t, storage.SharedConnected, h.p.Snapshot().SharedCacheStatus)

	env, err := h.local.Get()
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, []string{"r1", "r2", "r3"}, ids(env.Data))
}

func TestResolveSnapshotHitFillsLocal(t *testing.T) {
	h := newHarness(t)
	snap := envelopeOf("s1", "s2")
	h.snapshot.env = &snap

	src, err := h.p.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceSnapshot, src)

	env, err := h.local.Get()
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Len(t, env.Data, 2)
	assert.Equal(t, 0, h.fetcher.calls)
}

func TestResolveScoresUnscoredLocalEntryOnce(t *testing.T) {
	h := newHarness(t)
	env := envelopeOf("l1")
	env.HasScores = false
	env.Data[0].Scores = models.Scores{}
	require.NoError(t, h.local.Set(env))

	_, err := h.p.Resolve(context.Background())
	require.NoError(t, err)

	shown := h.p.Snapshot().AllProperties
	require.Len(t, shown, 1)
	assert.Greater(t, shown[0].Scores.Global, 0)

	stored, err := h.local.Get()
	require.NoError(t, err)
	assert.True(t, stored.HasScores)
	assert.Equal(t, shown[0].Scores, stored.Data[0].Scores)
}

func TestSharedAuthFailureDisablesTierAcrossCycles(t *testing.T) {
	h := newHarness(t)
	h.backend.fetchErr = &models.AuthError{Op: "fetch", Err: errors.New("401 unauthorized")}
	snap := envelopeOf("s1")
	h.snapshot.env = &snap

	src, err := h.p.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceSnapshot, src)
	assert.Equal(t, storage.SharedDisabledAuth, h.p.Snapshot().SharedCacheStatus)

	require.NoError(t, h.local.Clear())
	src, err = h.p.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceSnapshot, src)
	assert.Equal(t, 1, h.backend.fetchCount(), "disabled tier was contacted again")
}

func TestResolveFallsBackToPartialUpstream(t *testing.T) {
	h := newHarness(t)
	h.fetcher.pages = []upstream.Page{
		{Items: []models.RawListing{raw("u1", "ward 3", 100), raw("u2", "4", 200, 150)}, Cursor: "p1"},
		{Items: []models.RawListing{raw("u3", "Ward 5", 300), raw("u4", "Ward 5", 400)}, Cursor: "p2"},
	}

	src, err := h.p.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceUpstream, src)

	out := h.p.Snapshot()
	assert.Equal(t, []string{"u1", "u2", "u3", "u4"}, ids(out.AllProperties))
	assert.Empty(t, out.Error)
	assert.False(t, out.IsDownloading)

	local, err := h.local.Get()
	require.NoError(t, err)
	require.NotNil(t, local)
	assert.Len(t, local.Data, 4)

	shared := h.backend.stored()
	require.NotNil(t, shared)
	assert.Len(t, shared.Value.Data, 4)
}

func TestTotalFailureSurfacesErrorOnlyWithNothingDisplayed(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = &models.AuthError{Op: "fetch page", Err: errors.New("status 401")}

	_, err := h.p.Resolve(context.Background())
	require.Error(t, err)
	assert.NotEmpty(t, h.p.Snapshot().Error)

	h = newHarness(t, withBootstrap(envelopeOf("b1").Data))
	h.fetcher.err = &models.AuthError{Op: "fetch page", Err: errors.New("status 401")}
	<-h.p.Start(context.Background())
	assert.Empty(t, h.p.Snapshot().Error)
	assert.Equal(t, SourceBootstrap, h.p.Snapshot().Source)
}

func TestSessionTimeoutOnlyWhileBootstrapIsSoleData(t *testing.T) {
	page := []upstream.Page{{Items: []models.RawListing{raw("u1", "Ward 1", 100)}}}

	h := newHarness(t, withBootstrap(envelopeOf("b1").Data))
	h.fetcher.pages = page
	<-h.p.Start(context.Background())
	require.Equal(t, SourceUpstream, h.p.Snapshot().Source)
	assert.Equal(t, []bool{true}, h.fetcher.deadlines)

	h = newHarness(t, withBootstrap(envelopeOf("b1").Data))
	h.fetcher.pages = page
	require.NoError(t, h.local.Set(envelopeOf("l1")))
	<-h.p.Start(context.Background())
	require.Equal(t, SourceLocal, h.p.Snapshot().Source)
	require.NoError(t, h.p.Refresh(context.Background(), "manual"))
	assert.Equal(t, []bool{false}, h.fetcher.deadlines)
}

func TestRefreshCollapsesConcurrentCalls(t *testing.T) {
	h := newHarness(t)
	h.fetcher.pages = []upstream.Page{{Items: []models.RawListing{raw("u1", "Ward 1", 100)}}}
	h.fetcher.started = make(chan struct{}, 1)
	h.fetcher.gate = make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = h.p.Refresh(context.Background(), "manual")
	}()
	<-h.fetcher.started
	assert.True(t, h.p.Snapshot().IsDownloading)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = h.p.Refresh(context.Background(), "daytime")
	}()
	time.Sleep(50 * time.Millisecond)
	close(h.fetcher.gate)
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, 1, h.fetcher.sessions)
}

func TestSetFilterDebouncesAndSupersedes(t *testing.T) {
	h := newHarness(t)
	in := []models.RawListing{
		raw("a", "Ward 3", 300000),
		raw("b", "Ward 3", 200000),
		raw("c", "Ward 1", 400000),
	}
	require.NoError(t, h.local.Set(models.NewEnvelope(testNormalizer().NormalizeAll(in), testNow)))
	_, err := h.p.Resolve(context.Background())
	require.NoError(t, err)

	h.p.SetFilter(models.FilterSpec{Wards: []string{"Ward 1"}})
	h.p.SetFilter(models.FilterSpec{Price: models.AtLeast(250000), Wards: []string{"ward 3"}})
	assert.True(t, h.p.IsApplyingFilters())
	assert.Len(t, h.p.Snapshot().AllProperties, 3)

	require.Eventually(t, func() bool { return !h.p.IsApplyingFilters() }, 2*time.Second, 5*time.Millisecond)
	out := h.p.Snapshot()
	assert.Equal(t, []string{"a"}, ids(out.Properties))
	assert.Equal(t, 1, out.Stats.TotalListings)
	assert.Len(t, out.AllProperties, 3)
}

func TestSetUserAppliesOutreachFilter(t *testing.T) {
	h := newHarness(t)
	env := envelopeOf("a", "b")
	env.Data[0].Outreach = map[string]string{"outreach_sam": "Contacted"}
	require.NoError(t, h.local.Set(env))
	_, err := h.p.Resolve(context.Background())
	require.NoError(t, err)

	h.p.SetFilter(models.FilterSpec{OutreachStatuses: []string{"Contacted"}})
	h.p.SetUser(&models.User{Username: "sam", OutreachColumn: "outreach_sam"})

	require.Eventually(t, func() bool { return !h.p.IsApplyingFilters() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a"}, ids(h.p.Snapshot().Properties))
}

func TestSubscribeReceivesProgress(t *testing.T) {
	h := newHarness(t)
	snap := envelopeOf("s1")
	h.snapshot.env = &snap

	ch, cancel := h.p.Subscribe()
	defer cancel()

	_, err := h.p.Resolve(context.Background())
	require.NoError(t, err)

	select {
	case prog := <-ch:
		assert.Equal(t, "snapshot", prog.Source)
		assert.True(t, prog.Done)
	case <-time.After(time.Second):
		t.Fatal("no progress delivered")
	}
	assert.True(t, h.p.Snapshot().LoadingProgress.Done)
}

func TestWatchTriggerRunsRefresh(t *testing.T) {
	h := newHarness(t, withBootstrap(envelopeOf("b1").Data))
	h.fetcher.pages = []upstream.Page{{Items: []models.RawListing{raw("u1", "Ward 1", 100)}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trig := scheduler.NewTrigger()
	go h.p.WatchTrigger(ctx, trig)

	trig.Raise(scheduler.KindMorning)
	require.Eventually(t, func() bool { return !trig.ShouldRefresh() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, SourceUpstream, h.p.Snapshot().Source)
	_, ok := trig.LastCompleted(scheduler.KindMorning)
	assert.True(t, ok)
}

func TestStaleTierDoesNotReplaceFresherRefresh(t *testing.T) {
	h := newHarness(t, withBootstrap(envelopeOf("b1").Data))
	old := envelopeOf("old-1")
	h.snapshot.env = &old
	h.snapshot.block = make(chan struct{})
	h.fetcher.pages = []upstream.Page{{Items: []models.RawListing{raw("fresh-1", "Ward 1", 100), raw("fresh-2", "Ward 2", 200)}}}

	done := h.p.Start(context.Background())
	require.Eventually(t, func() bool { return h.snapshot.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.p.Refresh(context.Background(), "manual"))
	require.Equal(t, SourceUpstream, h.p.Snapshot().Source)

	close(h.snapshot.block)
	<-done

	out := h.p.Snapshot()
	assert.Equal(t, SourceUpstream, out.Source)
	assert.Equal(t, []string{"fresh-1", "fresh-2"}, ids(out.AllProperties))

	local, err := h.local.Get()
	require.NoError(t, err)
	require.NotNil(t, local)
	assert.Equal(t, []string{"fresh-1", "fresh-2"}, ids(local.Data))

	shared := h.backend.stored()
	require.NotNil(t, shared)
	assert.Equal(t, []string{"fresh-1", "fresh-2"}, ids(shared.Value.Data))
}

func TestResolveRescoredSharedEntryIsPublished(t *testing.T) {
	h := newHarness(t)
	env := envelopeOf("r1")
	env.HasScores = false
	env.Data[0].Scores = models.Scores{}
	h.backend.entry = &storage.RemoteEntry{Value: env, Version: 4}

	src, err := h.p.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceShared, src)

	entry := h.backend.stored()
	require.NotNil(t, entry)
	assert.Equal(t, int64(5), entry.Version)
	assert.True(t, entry.Value.HasScores)
	assert.Greater(t, entry.Value.Data[0].Scores.Global, 0)

	local, err := h.local.Get()
	require.NoError(t, err)
	require.NotNil(t, local)
	assert.True(t, local.HasScores)
}

func TestReprojectKeepsApplyingWhileNewerChangePending(t *testing.T) {
	st := &State{}
	st.adopt(SourceLocal, envelopeOf("a", "b").Data, testNow)

	d := utils.NewDebouncer(time.Hour)
	defer d.Stop()
	schedule := func() { d.Call(func(uint64) {}) }

	st.setFilter(models.FilterSpec{Wards: []string{"Ward 1"}}, schedule)
	st.setFilter(models.FilterSpec{Wards: []string{"Ward 3"}}, schedule)

	_, ok := st.reproject(func() bool { return d.Current(1) })
	assert.False(t, ok)
	assert.True(t, st.applyingFilters(), "superseded generation must not clear the flag")

	proj, ok := st.reproject(func() bool { return d.Current(2) })
	assert.True(t, ok)
	assert.False(t, st.applyingFilters())
	assert.Len(t, proj.Filtered, 2)
}
