package services

import (
	"math"

	"property-sync/models"
)

// Score weights. They sum to 100.
const (
	maxPriceDropScore     = 50.0
	maxDOMScore           = 30.0
	maxDropFrequencyScore = 20.0

	domHorizonDays     = 180.0
	dropFrequencyCap   = 4.0
	noNetDropScoreCeil = 5
)

// Score computes the deal score of a listing whose drop metrics are already
// derived. A listing without a net price drop never scores above 5,
// whatever its time on market or drop history.
func Score(c models.CanonicalListing) models.Scores {
	priceDrop := math.Min(maxPriceDropScore, math.Abs(c.DropPercent)*5)
	dom := math.Min(maxDOMScore, float64(c.DaysOnMarket)/domHorizonDays*maxDOMScore)
	freq := math.Min(maxDropFrequencyScore, float64(c.DropFrequencyCount)/dropFrequencyCap*maxDropFrequencyScore)

	s := models.Scores{PriceDrop: priceDrop, DOM: dom, DropFrequency: freq}
	if !isFinite(priceDrop) || !isFinite(dom) || !isFinite(freq) {
		return models.Scores{}
	}

	global := int(math.Round(priceDrop + dom + freq))
	global = max(0, min(100, global))
	if c.CurrentPrice >= c.InitialPrice {
		global = min(global, noNetDropScoreCeil)
	}
	s.Global = global
	return s
}
