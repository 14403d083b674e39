package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Listing statuses as reported by the upstream board.
const (
	StatusActive   = "Active"
	StatusRelisted = "RELISTED"
	StatusRemoved  = "Removed"
)

// SchemaVersion is the cache envelope layout expected by this build. Any
// stored envelope carrying a different version is discarded.
const SchemaVersion = 4

// FlexPrice accepts a price encoded either as a JSON number or as a display
// string such as "$300,000". The raw text is kept so the normalizer can
// parse it the same way for both shapes.
type FlexPrice string

// UnmarshalJSON implements json.Unmarshaler.
func (p *FlexPrice) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*p = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*p = FlexPrice(str)
		return nil
	}
	*p = FlexPrice(s)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p FlexPrice) MarshalJSON() ([]byte, error) {
	if p == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseFloat(string(p), 64); err == nil {
		return []byte(p), nil
	}
	return json.Marshal(string(p))
}

// RawListing is one item exactly as the upstream board returns it. The five
// price/date column pairs record sequential price-change events.
type RawListing struct {
	ID           string  `json:"id"`
	Address      string  `json:"address"`
	Latitude     string  `json:"latitude"`
	Longitude    string  `json:"longitude"`
	Ward         string  `json:"ward"`
	PropertyType string  `json:"propertyType"`
	Status       string  `json:"status"`
	Beds         float64 `json:"beds"`
	Baths        float64 `json:"baths"`
	Sqft         float64 `json:"sqft"`
	URL          string  `json:"url"`

	Price1 FlexPrice `json:"price1"`
	Date1  string    `json:"date1"`
	Price2 FlexPrice `json:"price2"`
	Date2  string    `json:"date2"`
	Price3 FlexPrice `json:"price3"`
	Date3  string    `json:"date3"`
	Price4 FlexPrice `json:"price4"`
	Date4  string    `json:"date4"`
	Price5 FlexPrice `json:"price5"`
	Date5  string    `json:"date5"`

	ListedDate  string `json:"listedDate"`
	RemovedDate string `json:"removedDate"`

	// Outreach maps an outreach column name (one per dashboard user) to
	// that user's status for the listing.
	Outreach map[string]string `json:"outreach,omitempty"`
}

// PricePairs returns the five price/date columns in column order.
func (r RawListing) PricePairs() [5][2]string {
	return [5][2]string{
		{string(r.Price1), r.Date1},
		{string(r.Price2), r.Date2},
		{string(r.Price3), r.Date3},
		{string(r.Price4), r.Date4},
		{string(r.Price5), r.Date5},
	}
}

// PricePoint is one entry of a listing's price history.
type PricePoint struct {
	Price float64   `json:"price"`
	Date  time.Time `json:"date"`
}

// Coordinates is a validated lat/lng pair.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Scores holds the weighted deal-score components. Global is 0–100.
type Scores struct {
	PriceDrop     float64 `json:"priceDrop"`
	DOM           float64 `json:"dom"`
	DropFrequency float64 `json:"dropFrequency"`
	Global        int     `json:"global"`
}

// CanonicalListing is the normalized, scored record the dashboard works
// with. It is produced once per resolution cycle and never mutated after.
type CanonicalListing struct {
	ID           string       `json:"id"`
	Address      string       `json:"address"`
	Coordinates  *Coordinates `json:"coordinates,omitempty"`
	Ward         string       `json:"ward"`
	PropertyType string       `json:"propertyType"`
	Status       string       `json:"status"`
	Beds         float64      `json:"beds"`
	Baths        float64      `json:"baths"`
	Sqft         float64      `json:"sqft"`
	URL          string       `json:"url"`

	ListedDate  *time.Time `json:"listedDate,omitempty"`
	RemovedDate *time.Time `json:"removedDate,omitempty"`

	PriceHistory       []PricePoint `json:"priceHistory"`
	CurrentPrice       float64      `json:"currentPrice"`
	InitialPrice       float64      `json:"initialPrice"`
	DaysOnMarket       int          `json:"daysOnMarket"`
	DropPercent        float64      `json:"dropPercent"`
	DropFrequencyCount int          `json:"dropFrequencyCount"`
	TotalDropAmount    float64      `json:"totalDropAmount"`
	Scores             Scores       `json:"scores"`

	Outreach map[string]string `json:"outreach,omitempty"`
}

// IsActive reports whether the listing is currently on the market.
func (c CanonicalListing) IsActive() bool {
	return c.Status == StatusActive || c.Status == StatusRelisted
}

// CacheEnvelope is the unit stored by the local and shared cache tiers.
type CacheEnvelope struct {
	Data          []CanonicalListing `json:"data"`
	Timestamp     time.Time          `json:"timestamp"`
	TotalCount    int                `json:"totalCount"`
	SchemaVersion int                `json:"schemaVersion"`
	HasScores     bool               `json:"hasScores"`
}

// NewEnvelope wraps a scored canonical set for caching.
func NewEnvelope(data []CanonicalListing, now time.Time) CacheEnvelope {
	return CacheEnvelope{
		Data:          data,
		Timestamp:     now,
		TotalCount:    len(data),
		SchemaVersion: SchemaVersion,
		HasScores:     true,
	}
}

// Usable reports whether the envelope can be adopted as-is.
func (e *CacheEnvelope) Usable() bool {
	return e != nil && e.SchemaVersion == SchemaVersion && len(e.Data) > 0
}
