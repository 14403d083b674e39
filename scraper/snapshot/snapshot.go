// Package snapshot loads the pre-built listing snapshot published next to
// the dashboard. It is the fast alternative to a live paginated fetch.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"property-sync/models"
	"property-sync/services"
	"property-sync/utils"
)

// reportEvery is how many bytes pass between progress callbacks.
const reportEvery = 64 << 10

// Document is the snapshot file layout. Data holds canonical records when
// HasScores is set and raw upstream records otherwise.
type Document struct {
	SchemaVersion int             `json:"schemaVersion"`
	GeneratedAt   time.Time       `json:"generatedAt"`
	TotalCount    int             `json:"totalCount"`
	HasScores     bool            `json:"hasScores"`
	Data          json.RawMessage `json:"data"`
}

// Loader fetches and decodes the snapshot.
type Loader struct {
	url        string
	client     *http.Client
	normalizer *services.Normalizer
	logger     *utils.Logger
	now        func() time.Time
}

// New creates a Loader for url. A nil client uses http.DefaultClient.
func New(url string, client *http.Client, normalizer *services.Normalizer, logger *utils.Logger) *Loader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Loader{url: url, client: client, normalizer: normalizer, logger: logger, now: time.Now}
}

// Load downloads the snapshot, reporting byte progress through onProgress
// (which may be nil). Every failure is returned wrapped around
// models.ErrMiss; the caller moves on to the next tier.
func (l *Loader) Load(ctx context.Context, onProgress func(models.LoadingProgress)) (*models.CacheEnvelope, error) {
	if l.url == "" {
		return nil, fmt.Errorf("snapshot: no url configured: %w", models.ErrMiss)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return nil, l.miss("build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, l.miss("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, l.miss("unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !isJSON(ct) {
		return nil, l.miss("unexpected content type %q", ct)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = -1
	}
	body := &progressReader{r: resp.Body, total: total, report: onProgress}

	var doc Document
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		return nil, l.miss("decode: %v", err)
	}
	body.finish()

	data, err := l.decodeData(doc)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, l.miss("snapshot holds no listings")
	}

	ts := doc.GeneratedAt
	if ts.IsZero() {
		ts = l.now()
	}
	env := models.NewEnvelope(data, ts)
	l.logger.Info("[snapshot] Loaded %d listings (%d bytes, scored upstream: %t)", len(data), body.read, doc.HasScores)
	return &env, nil
}

func (l *Loader) decodeData(doc Document) ([]models.CanonicalListing, error) {
	if doc.HasScores {
		if doc.SchemaVersion != models.SchemaVersion {
			return nil, l.miss("%v", &models.SchemaMismatchError{Got: doc.SchemaVersion, Want: models.SchemaVersion})
		}
		var data []models.CanonicalListing
		if err := json.Unmarshal(doc.Data, &data); err != nil {
			return nil, l.miss("decode scored listings: %v", err)
		}
		return data, nil
	}

	var raw []models.RawListing
	if err := json.Unmarshal(doc.Data, &raw); err != nil {
		return nil, l.miss("decode raw listings: %v", err)
	}
	return l.normalizer.NormalizeAll(raw), nil
}

func (l *Loader) miss(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	l.logger.Warn("[snapshot] %s, falling through", msg)
	return fmt.Errorf("snapshot: %s: %w", msg, models.ErrMiss)
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// progressReader counts bytes as the decoder pulls them.
type progressReader struct {
	r            io.Reader
	read         int64
	total        int64
	lastReported int64
	report       func(models.LoadingProgress)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.read-p.lastReported >= reportEvery {
		p.emit(false)
	}
	return n, err
}

func (p *progressReader) finish() {
	p.emit(true)
}

func (p *progressReader) emit(done bool) {
	p.lastReported = p.read
	if p.report == nil {
		return
	}
	prog := models.LoadingProgress{Source: "snapshot", Loaded: p.read, Total: p.total, Done: done}
	if p.total > 0 {
		prog.Percent = min(100, float64(p.read)/float64(p.total)*100)
	}
	if done {
		prog.Percent = 100
	}
	p.report(prog)
}
