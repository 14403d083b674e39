package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"property-sync/models"
	"property-sync/utils"
)

// State is the lifecycle position of a fetch session.
type State int

const (
	StateIdle State = iota
	StateFetching
	StatePageSucceeded
	StatePageFailed
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StatePageSucceeded:
		return "page succeeded"
	case StatePageFailed:
		return "page failed"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// SessionConfig tunes one paginated fetch.
type SessionConfig struct {
	MaxAttempts            int
	BaseDelay              time.Duration
	MaxConsecutiveFailures int
	PagesPerSecond         float64
	PageSize               int

	// Timeout bounds the whole session. Zero runs untimed.
	Timeout time.Duration

	// Sleep replaces the retry backoff timer, for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultSessionConfig returns the production retry and pacing values.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxAttempts:            3,
		BaseDelay:              10 * time.Second,
		MaxConsecutiveFailures: 5,
		PagesPerSecond:         2,
		PageSize:               500,
	}
}

// Result is what a session accumulated. Partial is set when pagination
// stopped before the last page.
type Result struct {
	SessionID   string
	Items       []models.RawListing
	Pages       int
	FailedPages int
	Partial     bool
	State       State
	Elapsed     time.Duration
}

// Session drives one cursor walk over the board.
type Session struct {
	fetcher    PageFetcher
	cfg        SessionConfig
	logger     *utils.Logger
	limiter    *rate.Limiter
	onProgress func(models.LoadingProgress)
	onPage     func(ok bool)
	state      State
	lastTotal  int64
}

// NewSession creates an idle session.
func NewSession(fetcher PageFetcher, cfg SessionConfig, logger *utils.Logger) *Session {
	def := DefaultSessionConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}

	limit := rate.Inf
	if cfg.PagesPerSecond > 0 {
		limit = rate.Limit(cfg.PagesPerSecond)
	}

	return &Session{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
		state:   StateIdle,
	}
}

// OnProgress registers a callback invoked after every page, failed or not.
func (s *Session) OnProgress(fn func(models.LoadingProgress)) {
	s.onProgress = fn
}

// OnPage registers a callback invoked after every page outcome.
func (s *Session) OnPage(fn func(ok bool)) {
	s.onPage = fn
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Run walks the cursor until the last page, the consecutive-failure limit,
// a non-retryable failure or ctx cancellation. With at least one page fetched the
// accumulated items are returned without error.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	res := &Result{SessionID: uuid.NewString()}
	seen := utils.NewIDSet()
	policy := &utils.RetryPolicy{
		MaxAttempts: s.cfg.MaxAttempts,
		Classify:    models.IsRetryable,
		Backoff:     s.backoff,
		Logger:      s.logger,
		Sleep:       s.cfg.Sleep,
	}

	s.logger.Info("[upstream] Session %s started", res.SessionID)

	var (
		cursor   string
		failures int
		lastErr  error
	)

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			lastErr = err
			s.state = StateAborted
			break
		}

		s.state = StateFetching
		var page Page
		err := policy.Do(ctx, fmt.Sprintf("page %d", res.Pages+1), func(ctx context.Context) error {
			p, err := s.fetcher.FetchPage(ctx, cursor)
			if err != nil {
				return err
			}
			page = p
			return nil
		})

		if err != nil {
			lastErr = err
			s.pageDone(false)

			s.state = StatePageFailed
			res.FailedPages++
			s.report(res, Page{Cursor: cursor}, false)

			if ctx.Err() != nil || !models.IsRetryable(err) {
				s.logger.Error("[upstream] Session %s aborted: %v", res.SessionID, err)
				s.state = StateAborted
				break
			}

			failures++
			s.logger.Warn("[upstream] Page %d failed (%d/%d consecutive): %v",
				res.Pages+1, failures, s.cfg.MaxConsecutiveFailures, err)
			if failures >= s.cfg.MaxConsecutiveFailures {
				s.state = StateAborted
				break
			}
			continue
		}

		s.state = StatePageSucceeded
		failures = 0
		res.Pages++
		s.pageDone(true)
		for _, item := range page.Items {
			if item.ID == "" || seen.Add(item.ID) {
				res.Items = append(res.Items, item)
			}
		}
		s.report(res, page, true)
		s.logger.Debug("[upstream] Page %d: %d items (%d total)", res.Pages, len(page.Items), len(res.Items))

		if page.Cursor == "" {
			s.state = StateDone
			break
		}
		cursor = page.Cursor
	}

	res.State = s.state
	res.Partial = s.state != StateDone
	res.Elapsed = time.Since(start)

	if res.Pages == 0 {
		if lastErr == nil {
			lastErr = errors.New("no pages fetched")
		}
		return nil, &models.FatalFetchError{Op: "paginated fetch", Err: lastErr}
	}

	if res.Partial {
		s.logger.Warn("[upstream] Session %s stopped early: %d pages, %d listings (last error: %v)",
			res.SessionID, res.Pages, len(res.Items), lastErr)
	} else {
		s.logger.Info("[upstream] Session %s complete: %d pages, %d listings in %v",
			res.SessionID, res.Pages, len(res.Items), res.Elapsed.Round(time.Millisecond))
	}
	return res, nil
}

func (s *Session) backoff(attempt int, err error) time.Duration {
	if d, ok := models.RetryDelay(err); ok {
		return d
	}
	return s.cfg.BaseDelay << (attempt - 1)
}

func (s *Session) pageDone(ok bool) {
	if s.onPage != nil {
		s.onPage(ok)
	}
}

// report estimates the total as one more page whenever a cursor follows,
// unless the board reported its own count. A failed page keeps the last
// estimate.
func (s *Session) report(res *Result, page Page, ok bool) {
	if s.onProgress == nil {
		return
	}
	loaded := int64(len(res.Items))
	total := loaded
	switch {
	case page.Total > 0:
		total = max(int64(page.Total), loaded)
	case !ok && s.lastTotal > loaded:
		total = s.lastTotal
	case !ok || page.Cursor != "":
		total = loaded + int64(s.cfg.PageSize)
	}
	s.lastTotal = total

	prog := models.LoadingProgress{
		Source:      "upstream",
		Loaded:      loaded,
		Total:       total,
		Done:        ok && page.Cursor == "",
		FailedPages: res.FailedPages,
	}
	if total > 0 {
		prog.Percent = float64(loaded) / float64(total) * 100
	}
	if prog.Done {
		prog.Percent = 100
	}
	s.onProgress(prog)
}
