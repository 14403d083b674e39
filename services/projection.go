package services

import (
	"math"
	"sort"

	"property-sync/models"
)

// Projection is the filtered view over a canonical set plus its aggregates.
type Projection struct {
	Filtered []models.CanonicalListing
	Stats    models.Stats
}

// Project applies spec to set. The input slice is never modified. user may
// be nil; the outreach filter is then ignored.
func Project(set []models.CanonicalListing, spec models.FilterSpec, user *models.User) Projection {
	filtered := make([]models.CanonicalListing, 0, len(set))
	m := newMatcher(spec, user)
	for _, c := range set {
		if m.match(c) {
			filtered = append(filtered, c)
		}
	}
	return Projection{Filtered: filtered, Stats: ComputeStats(filtered)}
}

// ComputeStats aggregates a listing subset. An empty subset yields zero stats.
func ComputeStats(listings []models.CanonicalListing) models.Stats {
	var s models.Stats
	if len(listings) == 0 {
		return s
	}

	s.TotalListings = len(listings)
	prices := make([]float64, 0, len(listings))
	var priceSum float64
	var domSum int
	for _, l := range listings {
		if l.IsActive() {
			s.ActiveListings++
		}
		domSum += l.DaysOnMarket
		if l.CurrentPrice > 0 {
			prices = append(prices, l.CurrentPrice)
			priceSum += l.CurrentPrice
		}
	}

	s.AvgDOM = round2(float64(domSum) / float64(len(listings)))
	if len(prices) > 0 {
		s.AvgPrice = round2(priceSum / float64(len(prices)))
		s.MedianPrice = round2(median(prices))
	}
	return s
}

type matcher struct {
	spec          models.FilterSpec
	types         map[string]struct{}
	statuses      map[string]struct{}
	wards         map[string]struct{}
	outreach      map[string]struct{}
	outreachField string
}

func newMatcher(spec models.FilterSpec, user *models.User) *matcher {
	m := &matcher{
		spec:     spec,
		types:    toSet(spec.PropertyTypes, nil),
		statuses: toSet(spec.Statuses, nil),
		wards:    toSet(spec.Wards, NormalizeWard),
		outreach: toSet(spec.OutreachStatuses, nil),
	}
	if user != nil {
		m.outreachField = user.OutreachColumn
	}
	return m
}

func (m *matcher) match(c models.CanonicalListing) bool {
	if !inSet(m.types, c.PropertyType) || !inSet(m.statuses, c.Status) || !inSet(m.wards, c.Ward) {
		return false
	}
	if !m.spec.Price.Contains(c.CurrentPrice) ||
		!m.spec.DaysOnMarket.Contains(float64(c.DaysOnMarket)) ||
		!m.spec.Beds.Contains(c.Beds) ||
		!m.spec.Baths.Contains(c.Baths) ||
		!m.spec.DropPercent.Contains(math.Abs(c.DropPercent)) ||
		!m.spec.DropAmount.Contains(math.Abs(c.TotalDropAmount)) ||
		!m.spec.DropFrequency.Contains(float64(c.DropFrequencyCount)) {
		return false
	}
	if m.outreach != nil && m.outreachField != "" {
		if !inSet(m.outreach, c.Outreach[m.outreachField]) {
			return false
		}
	}
	return true
}

func toSet(values []string, norm func(string) string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if norm != nil {
			v = norm(v)
		}
		set[v] = struct{}{}
	}
	return set
}

// inSet treats a nil set as "no constraint".
func inSet(set map[string]struct{}, v string) bool {
	if set == nil {
		return true
	}
	_, ok := set[v]
	return ok
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
