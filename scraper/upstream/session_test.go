package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"property-sync/models"
	"property-sync/utils"
)

// scriptedFetcher answers page n from pages[n] and fails once the script is
// exhausted.
type scriptedFetcher struct {
	mu      sync.Mutex
	pages   []Page
	failErr error
	calls   int
	cursors []string
}

func (f *scriptedFetcher) FetchPage(_ context.Context, cursor string) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cursors = append(f.cursors, cursor)

	idx := 0
	if cursor != "" {
		_, _ = fmt.Sscanf(cursor, "c%d", &idx)
	}
	if idx < len(f.pages) {
		return f.pages[idx], nil
	}
	return Page{}, f.failErr
}

func listings(ids ...string) []models.RawListing {
	out := make([]models.RawListing, len(ids))
	for i, id := range ids {
		out[i] = models.RawListing{ID: id}
	}
	return out
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestSession(f PageFetcher) *Session {
	cfg := DefaultSessionConfig()
	cfg.PagesPerSecond = 0
	cfg.Sleep = noSleep
	cfg.PageSize = 2
	return NewSession(f, cfg, utils.NewLoggerTo(io.Discard))
}

func TestSessionFetchesAllPages(t *testing.T) {
	f := &scriptedFetcher{pages: []Page{
		{Items: listings("a", "b"), Cursor: "c1"},
		{Items: listings("b", "c"), Cursor: "c2"},
		{Items: listings("d")},
	}}
	s := newTestSession(f)

	var progress []models.LoadingProgress
	s.OnProgress(func(p models.LoadingProgress) { progress = append(progress, p) })

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.False(t, res.Partial)
	assert.Equal(t, 3, res.Pages)
	assert.Len(t, res.Items, 4, "duplicate id b must be dropped")
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, []string{"", "c1", "c2"}, f.cursors)

	require.Len(t, progress, 3)
	assert.Equal(t, int64(4), progress[0].Total)
	assert.Equal(t, float64(50), progress[0].Percent)
	assert.True(t, progress[2].Done)
	assert.Equal(t, float64(100), progress[2].Percent)
}

func TestSessionPartialSuccessAfterConsecutiveFailures(t *testing.T) {
	f := &scriptedFetcher{
		pages: []Page{
			{Items: listings("a", "b"), Cursor: "c1"},
			{Items: listings("c", "d"), Cursor: "c2"},
		},
		failErr: &models.TransientNetworkError{Op: "fetch page", Err: errors.New("empty response body")},
	}
	s := newTestSession(f)

	var failed int
	s.OnPage(func(ok bool) {
		if !ok {
			failed++
		}
	})

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pages)
	assert.Len(t, res.Items, 4)
	assert.True(t, res.Partial)
	assert.Equal(t, 5, res.FailedPages)
	assert.Equal(t, 5, failed)
	// Two good pages plus five failed pages of three attempts each.
	assert.Equal(t, 2+5*3, f.calls)
}

func TestSessionFailsWithoutAnyPage(t *testing.T) {
	f := &scriptedFetcher{failErr: &models.RateLimitError{RetryAfter: time.Second, Msg: "slow down"}}
	res, err := newTestSession(f).Run(context.Background())
	assert.Nil(t, res)

	var fatal *models.FatalFetchError
	require.ErrorAs(t, err, &fatal)
	var rl *models.RateLimitError
	assert.ErrorAs(t, err, &rl)
}

func TestSessionAuthAbortsImmediately(t *testing.T) {
	f := &scriptedFetcher{
		pages:   []Page{{Items: listings("a"), Cursor: "c1"}},
		failErr: &models.AuthError{Op: "fetch page", Err: errors.New("status 401")},
	}
	res, err := newTestSession(f).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, 2, f.calls, "auth failures are not retried")
}

func TestSessionStopsOnFatalPage(t *testing.T) {
	f := &scriptedFetcher{
		pages:   []Page{{Items: listings("a", "b"), Cursor: "c1"}},
		failErr: &models.FatalFetchError{Op: "fetch page", Err: errors.New("status 400: bad cursor")},
	}
	s := newTestSession(f)

	var progress []models.LoadingProgress
	s.OnProgress(func(p models.LoadingProgress) { progress = append(progress, p) })

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAborted, res.State)
	assert.True(t, res.Partial)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, 1, res.FailedPages)
	assert.Equal(t, []string{"", "c1"}, f.cursors, "a rejected cursor is not requested again")

	require.Len(t, progress, 2)
	assert.Equal(t, int64(2), progress[1].Loaded)
	assert.Equal(t, 1, progress[1].FailedPages)
	assert.False(t, progress[1].Done)
}

func TestSessionFatalFirstPageFails(t *testing.T) {
	f := &scriptedFetcher{failErr: &models.FatalFetchError{Op: "fetch page", Err: errors.New("status 400")}}
	res, err := newTestSession(f).Run(context.Background())
	assert.Nil(t, res)
	var fatal *models.FatalFetchError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 1, f.calls)
}

func TestSessionReportsProgressForFailedPages(t *testing.T) {
	f := &scriptedFetcher{
		pages:   []Page{{Items: listings("a", "b"), Cursor: "c1", Total: 10}},
		failErr: &models.TransientNetworkError{Op: "fetch page", Err: errors.New("reset")},
	}
	s := newTestSession(f)

	var progress []models.LoadingProgress
	s.OnProgress(func(p models.LoadingProgress) { progress = append(progress, p) })

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, progress, 1+5)
	for i, p := range progress[1:] {
		assert.Equal(t, int64(2), p.Loaded)
		assert.Equal(t, int64(10), p.Total, "failed pages keep the board's count")
		assert.Equal(t, i+1, p.FailedPages)
	}
}

func TestSessionBackoffPrefersServerDelay(t *testing.T) {
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	f := &scriptedFetcher{failErr: &models.QuotaExhaustedError{RetryAfter: 3 * time.Second}}
	cfg := DefaultSessionConfig()
	cfg.PagesPerSecond = 0
	cfg.MaxConsecutiveFailures = 1
	cfg.Sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}
	_, err := NewSession(f, cfg, utils.NewLoggerTo(io.Discard)).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, delays)

	s := NewSession(f, DefaultSessionConfig(), utils.NewLoggerTo(io.Discard))
	transient := &models.TransientNetworkError{Op: "x", Err: errors.New("reset")}
	assert.Equal(t, 10*time.Second, s.backoff(1, transient))
	assert.Equal(t, 20*time.Second, s.backoff(2, transient))
	assert.Equal(t, 40*time.Second, s.backoff(3, transient))
}

func TestSessionTimeoutAborts(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := DefaultSessionConfig()
	cfg.PagesPerSecond = 0
	cfg.Sleep = noSleep
	cfg.Timeout = 50 * time.Millisecond

	start := time.Now()
	res, err := NewSession(NewClient(ClientConfig{Endpoint: srv.URL}), cfg, utils.NewLoggerTo(io.Discard)).Run(context.Background())
	assert.Nil(t, res)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSessionOverHTTP(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch n {
		case 1:
			_, _ = io.WriteString(w, `{"data":{"items":[{"id":"1"}],"cursor":"p2"}}`)
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			_, _ = io.WriteString(w, `{"data":{"items":[{"id":"2"}],"cursor":""}}`)
		}
	}))
	defer srv.Close()

	s := newTestSession(NewClient(ClientConfig{Endpoint: srv.URL}))
	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 0, res.FailedPages, "a retried attempt is not a failed page")
	assert.Len(t, res.Items, 2)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "fetching", StateFetching.String())
	assert.Equal(t, "state(42)", State(42).String())
}
