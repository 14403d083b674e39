// Package upstream talks to the authoritative listing board: a
// cursor-paginated JSON API that throttles by request rate and by query
// complexity.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"property-sync/models"
)

// Error codes the board reports in the body of a throttled response.
const (
	codeRateLimited        = "RATE_LIMITED"
	codeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	codeComplexityExceeded = "COMPLEXITY_BUDGET_EXHAUSTED"
	codeQuotaExceeded      = "QUOTA_EXCEEDED"
)

// Page is one cursor page of raw listings. Cursor is empty on the last page.
// Total is the board's item count when it reports one, else 0.
type Page struct {
	Items  []models.RawListing
	Cursor string
	Total  int
}

// PageFetcher fetches one page at cursor ("" for the first page).
type PageFetcher interface {
	FetchPage(ctx context.Context, cursor string) (Page, error)
}

// ClientConfig configures the board client.
type ClientConfig struct {
	Endpoint string
	Token    string
	Board    string
	PageSize int
	HTTP     *http.Client
}

// Client is the HTTP implementation of PageFetcher.
type Client struct {
	endpoint string
	token    string
	board    string
	pageSize int
	http     *http.Client
}

type pageRequest struct {
	Board  string `json:"board"`
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit"`
}

type apiError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code           string  `json:"code"`
		RetryInSeconds float64 `json:"retry_in_seconds"`
	} `json:"extensions"`
}

type pageResponse struct {
	Data *struct {
		Items  []models.RawListing `json:"items"`
		Cursor string              `json:"cursor"`
		Total  int                 `json:"total"`
	} `json:"data"`
	Errors []apiError `json:"errors"`
}

// NewClient creates a board client.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Client{
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		board:    cfg.Board,
		pageSize: pageSize,
		http:     httpClient,
	}
}

// PageSize returns the number of items requested per page.
func (c *Client) PageSize() int {
	return c.pageSize
}

// FetchPage requests one page and classifies any failure.
func (c *Client) FetchPage(ctx context.Context, cursor string) (Page, error) {
	const op = "fetch page"

	body, err := json.Marshal(pageRequest{Board: c.board, Cursor: cursor, Limit: c.pageSize})
	if err != nil {
		return Page{}, &models.FatalFetchError{Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Page{}, &models.FatalFetchError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		// Transport failures (refused, reset, timeout) are all worth a retry.
		return Page{}, &models.TransientNetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Page{}, &models.TransientNetworkError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Page{}, &models.AuthError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Page{}, &models.RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")), Msg: "status 429"}
	case resp.StatusCode >= 500:
		return Page{}, &models.TransientNetworkError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Page{}, &models.FatalFetchError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, snippet(raw))}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return Page{}, &models.TransientNetworkError{Op: op, Err: errors.New("empty response body")}
	}

	var parsed pageResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Page{}, &models.TransientNetworkError{Op: op, Err: fmt.Errorf("malformed body: %w", err)}
	}
	if len(parsed.Errors) > 0 {
		return Page{}, classifyAPIError(op, parsed.Errors[0])
	}
	if parsed.Data == nil {
		return Page{}, &models.TransientNetworkError{Op: op, Err: errors.New("response without data")}
	}

	return Page{Items: parsed.Data.Items, Cursor: parsed.Data.Cursor, Total: parsed.Data.Total}, nil
}

func classifyAPIError(op string, e apiError) error {
	delay := time.Duration(e.Extensions.RetryInSeconds * float64(time.Second))
	switch strings.ToUpper(e.Extensions.Code) {
	case codeRateLimited, codeRateLimitExceeded:
		return &models.RateLimitError{RetryAfter: delay, Msg: e.Message}
	case codeComplexityExceeded, codeQuotaExceeded:
		return &models.QuotaExhaustedError{RetryAfter: delay, Msg: e.Message}
	}
	return &models.FatalFetchError{Op: op, Err: fmt.Errorf("%s: %s", e.Extensions.Code, e.Message)}
}

// parseRetryAfter accepts both forms of the header: seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
