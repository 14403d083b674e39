package models

// Range is an inclusive numeric bound. A nil end is unbounded.
type Range struct {
	Min *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// Contains reports whether v lies within the range.
func (r *Range) Contains(v float64) bool {
	if r == nil {
		return true
	}
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// Between builds a closed range. Pass nil for an open end.
func Between(min, max *float64) *Range {
	return &Range{Min: min, Max: max}
}

// AtLeast builds a range with only a lower bound.
func AtLeast(v float64) *Range {
	return &Range{Min: &v}
}

// AtMost builds a range with only an upper bound.
func AtMost(v float64) *Range {
	return &Range{Max: &v}
}

// FilterSpec is the set of constraints chosen in the lens editor. A nil or
// empty field places no constraint. Fields combine with AND; values inside a
// multi-value field combine with OR.
//
// DropPercent and DropAmount are matched against the magnitude of the drop,
// so {min: 5} means "fell by at least 5%".
type FilterSpec struct {
	PropertyTypes    []string `json:"propertyTypes,omitempty" yaml:"propertyTypes,omitempty" validate:"omitempty,dive,required"`
	Statuses         []string `json:"statuses,omitempty" yaml:"statuses,omitempty" validate:"omitempty,dive,oneof=Active RELISTED Removed"`
	Price            *Range   `json:"price,omitempty" yaml:"price,omitempty"`
	DaysOnMarket     *Range   `json:"daysOnMarket,omitempty" yaml:"daysOnMarket,omitempty"`
	Beds             *Range   `json:"beds,omitempty" yaml:"beds,omitempty"`
	Baths            *Range   `json:"baths,omitempty" yaml:"baths,omitempty"`
	Wards            []string `json:"wards,omitempty" yaml:"wards,omitempty" validate:"omitempty,dive,required"`
	DropPercent      *Range   `json:"dropPercent,omitempty" yaml:"dropPercent,omitempty"`
	DropAmount       *Range   `json:"dropAmount,omitempty" yaml:"dropAmount,omitempty"`
	DropFrequency    *Range   `json:"dropFrequency,omitempty" yaml:"dropFrequency,omitempty"`
	OutreachStatuses []string `json:"outreachStatuses,omitempty" yaml:"outreachStatuses,omitempty" validate:"omitempty,dive,required"`
}

// Ranges returns the named numeric ranges of the filter, for boundary checks.
func (f FilterSpec) Ranges() map[string]*Range {
	return map[string]*Range{
		"price":         f.Price,
		"daysOnMarket":  f.DaysOnMarket,
		"beds":          f.Beds,
		"baths":         f.Baths,
		"dropPercent":   f.DropPercent,
		"dropAmount":    f.DropAmount,
		"dropFrequency": f.DropFrequency,
	}
}

// User is the signed-in dashboard user. OutreachColumn names the outreach
// status column that belongs to this user.
type User struct {
	Username       string `json:"username" yaml:"username" validate:"required"`
	OutreachColumn string `json:"outreachColumn" yaml:"outreachColumn"`
}

// Stats are aggregates over the filtered listing subset.
type Stats struct {
	TotalListings  int     `json:"totalListings"`
	ActiveListings int     `json:"activeListings"`
	AvgPrice       float64 `json:"avgPrice"`
	MedianPrice    float64 `json:"medianPrice"`
	AvgDOM         float64 `json:"avgDOM"`
}

// LoadingProgress describes how far the current tier has got. Total is -1
// when the size is unknown.
type LoadingProgress struct {
	Source  string  `json:"source"`
	Loaded  int64   `json:"loaded"`
	Total   int64   `json:"total"`
	Percent float64 `json:"percent"`
	Done    bool    `json:"done"`
	// FailedPages counts upstream pages given up on so far.
	FailedPages int `json:"failedPages,omitempty"`
}
