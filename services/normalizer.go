package services

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"property-sync/models"
	"property-sync/utils"
)

var (
	// priceRegexp captures numeric price values
	priceRegexp = regexp.MustCompile(`\d+(?:\.\d+)?`)
	// wardRegexp accepts "Ward 3", "ward3", "WARD 03" and a bare "3"
	wardRegexp = regexp.MustCompile(`(?i)^ward\s*0*(\d+)$|^0*(\d+)$`)
)

// dateLayouts are the date formats seen in the upstream date columns.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"Jan 2, 2006",
}

// parallelThreshold is the batch size above which NormalizeAll fans out.
const parallelThreshold = 2000

// Normalizer turns RawListings into scored CanonicalListings.
type Normalizer struct {
	logger  *utils.Logger
	now     func() time.Time
	workers int
}

// NewNormalizer creates a Normalizer. now supplies the reference instant
// for days-on-market; nil means time.Now.
func NewNormalizer(logger *utils.Logger, now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{logger: logger, now: now, workers: 4}
}

// NormalizeAll normalizes a batch, skipping records that fail validation.
// Output order follows input order.
func (n *Normalizer) NormalizeAll(raw []models.RawListing) []models.CanonicalListing {
	out := make([]models.CanonicalListing, len(raw))
	ok := make([]bool, len(raw))

	if len(raw) > parallelThreshold {
		pool := utils.NewWorkerPool(n.workers)
		chunk := (len(raw) + n.workers - 1) / n.workers
		for start := 0; start < len(raw); start += chunk {
			end := min(start+chunk, len(raw))
			pool.Submit(func() {
				for i := start; i < end; i++ {
					out[i], ok[i] = n.normalizeOne(raw[i])
				}
			})
		}
		pool.Wait()
	} else {
		for i := range raw {
			out[i], ok[i] = n.normalizeOne(raw[i])
		}
	}

	result := make([]models.CanonicalListing, 0, len(raw))
	for i := range out {
		if ok[i] {
			result = append(result, out[i])
		}
	}

	if dropped := len(raw) - len(result); dropped > 0 {
		n.logger.Info("[normalizer] Normalized %d → %d listings (skipped %d)", len(raw), len(result), dropped)
	}
	return result
}

func (n *Normalizer) normalizeOne(r models.RawListing) (models.CanonicalListing, bool) {
	c, err := n.Normalize(r)
	if err != nil {
		n.logger.Warn("[normalizer] Skipping listing: %v", err)
		return models.CanonicalListing{}, false
	}
	return c, true
}

// Normalize converts one RawListing. The only error is a ValidationError for
// a record without identity.
func (n *Normalizer) Normalize(r models.RawListing) (models.CanonicalListing, error) {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return models.CanonicalListing{}, &models.ValidationError{ID: r.Address, Reason: "missing id"}
	}

	c := models.CanonicalListing{
		ID:           id,
		Address:      normaliseText(r.Address),
		Coordinates:  n.parseCoordinates(id, r.Latitude, r.Longitude),
		Ward:         NormalizeWard(r.Ward),
		PropertyType: normaliseText(r.PropertyType),
		Status:       normaliseStatus(r.Status),
		Beds:         sanitize(r.Beds),
		Baths:        sanitize(r.Baths),
		Sqft:         sanitize(r.Sqft),
		URL:          strings.TrimSpace(r.URL),
		ListedDate:   parseDate(r.ListedDate),
		RemovedDate:  parseDate(r.RemovedDate),
		Outreach:     copyOutreach(r.Outreach),
	}

	var history []models.PricePoint
	for _, pair := range r.PricePairs() {
		price := parsePrice(pair[0])
		date := parseDate(pair[1])
		if price <= 0 || date == nil {
			continue
		}
		history = append(history, models.PricePoint{Price: price, Date: *date})
	}
	c.PriceHistory = history

	if len(history) == 0 {
		c.CurrentPrice = parsePrice(string(r.Price1))
	}
	if c.ListedDate == nil && len(history) > 0 {
		first := earliest(history)
		c.ListedDate = &first
	}

	return n.derive(c), nil
}

// Recompute re-derives every computed field of an already canonical record.
// Applying it twice yields the same record.
func (n *Normalizer) Recompute(c models.CanonicalListing) models.CanonicalListing {
	c.PriceHistory = append([]models.PricePoint(nil), c.PriceHistory...)
	return n.derive(c)
}

// RecomputeAll rescores a set loaded from a cache entry written without scores.
func (n *Normalizer) RecomputeAll(set []models.CanonicalListing) []models.CanonicalListing {
	out := make([]models.CanonicalListing, len(set))
	for i := range set {
		out[i] = n.Recompute(set[i])
	}
	return out
}

func (n *Normalizer) derive(c models.CanonicalListing) models.CanonicalListing {
	h := c.PriceHistory
	sort.SliceStable(h, func(i, j int) bool { return h[i].Date.Before(h[j].Date) })

	if len(h) > 0 {
		c.CurrentPrice = h[len(h)-1].Price
		c.InitialPrice = h[0].Price
	} else {
		c.InitialPrice = c.CurrentPrice
	}

	c.DaysOnMarket = n.daysOnMarket(c)

	c.DropPercent = 0
	if c.InitialPrice > 0 && c.CurrentPrice < c.InitialPrice {
		c.DropPercent = (c.CurrentPrice - c.InitialPrice) / c.InitialPrice * 100
	}

	drops := dropEntries(h)
	c.DropFrequencyCount = len(drops)
	c.TotalDropAmount = totalDropAmount(h, drops)

	c.Scores = Score(c)
	return c
}

func (n *Normalizer) daysOnMarket(c models.CanonicalListing) int {
	var start time.Time
	switch {
	case len(c.PriceHistory) > 0:
		start = c.PriceHistory[0].Date
	case c.ListedDate != nil:
		start = *c.ListedDate
	default:
		return 0
	}

	end := n.now()
	if c.Status == models.StatusRemoved && c.RemovedDate != nil {
		end = *c.RemovedDate
	}

	days := int(end.Sub(start).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// dropEntries returns the history entries priced strictly below their
// immediate predecessor. An increase never counts.
func dropEntries(h []models.PricePoint) []models.PricePoint {
	var drops []models.PricePoint
	for i := 1; i < len(h); i++ {
		if h[i].Price < h[i-1].Price {
			drops = append(drops, h[i])
		}
	}
	return drops
}

// totalDropAmount sums the delta of each drop against the entry preceding
// the drop's first occurrence (by price) in the full history. This is a
// separate pass from dropEntries and can disagree with a plain consecutive
// diff when a price repeats.
func totalDropAmount(h, drops []models.PricePoint) float64 {
	var total float64
	for _, d := range drops {
		idx := -1
		for i, p := range h {
			if p.Price == d.Price {
				idx = i
				break
			}
		}
		if idx <= 0 {
			continue
		}
		if delta := d.Price - h[idx-1].Price; delta < 0 {
			total += delta
		}
	}
	return total
}

func (n *Normalizer) parseCoordinates(id, lat, lng string) *models.Coordinates {
	lat, lng = strings.TrimSpace(lat), strings.TrimSpace(lng)
	if lat == "" && lng == "" {
		return nil
	}

	la, errLat := strconv.ParseFloat(lat, 64)
	lo, errLng := strconv.ParseFloat(lng, 64)
	if errLat != nil || errLng != nil || !isFinite(la) || !isFinite(lo) ||
		la < -90 || la > 90 || lo < -180 || lo > 180 {
		n.logger.Warn("[normalizer] Listing %s has malformed coordinates (%q, %q), dropping them", id, lat, lng)
		return nil
	}
	return &models.Coordinates{Lat: la, Lng: lo}
}

// NormalizeWard maps any casing or spacing of a ward label to "Ward <N>".
func NormalizeWard(s string) string {
	s = normaliseText(s)
	m := wardRegexp.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	num := m[1]
	if num == "" {
		num = m[2]
	}
	return "Ward " + num
}

// parsePrice extracts a positive price from a raw column value.
// Examples:
//
//	"300000"     → 300000
//	"$300,000"   → 300000
//	"USD 1,250.5" → 1250.5
func parsePrice(raw string) float64 {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	match := priceRegexp.FindString(cleaned)
	if match == "" {
		return 0
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil || !isFinite(v) || v < 0 {
		return 0
	}
	return v
}

func parseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func earliest(h []models.PricePoint) time.Time {
	first := h[0].Date
	for _, p := range h[1:] {
		if p.Date.Before(first) {
			first = p.Date
		}
	}
	return first
}

func normaliseStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return models.StatusActive
	case "relisted":
		return models.StatusRelisted
	case "removed":
		return models.StatusRemoved
	}
	return normaliseText(s)
}

// normaliseText strips leading/trailing whitespace and collapses internal whitespace.
func normaliseText(s string) string {
	s = strings.TrimSpace(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	return strings.Join(fields, " ")
}

func sanitize(v float64) float64 {
	if !isFinite(v) || v < 0 {
		return 0
	}
	return v
}

func copyOutreach(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
