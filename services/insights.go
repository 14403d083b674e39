package services

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"property-sync/models"
)

// InsightReport is the printable summary of a projection.
type InsightReport struct {
	Stats          models.Stats
	Source         string
	TopDeals       []models.CanonicalListing
	ListingsByWard map[string]int
}

// BuildReport summarizes a projection for the terminal.
func BuildReport(p Projection, source string) *InsightReport {
	r := &InsightReport{
		Stats:          p.Stats,
		Source:         source,
		ListingsByWard: make(map[string]int),
	}

	deals := make([]models.CanonicalListing, 0, len(p.Filtered))
	for _, l := range p.Filtered {
		if l.Ward != "" {
			r.ListingsByWard[l.Ward]++
		}
		if l.Scores.Global > 0 {
			deals = append(deals, l)
		}
	}

	sort.SliceStable(deals, func(i, j int) bool {
		return deals[i].Scores.Global > deals[j].Scores.Global
	})
	if len(deals) > 5 {
		deals = deals[:5]
	}
	r.TopDeals = deals
	return r
}

// PrintReport writes the report in the dashboard's terminal layout.
func PrintReport(w io.Writer, r *InsightReport) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  PROPERTY DASHBOARD (source: %s)\033[0m\n", r.Source)
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	fmt.Fprintf(w, "\033[1;33m  Overview\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Listings in view : \033[1m%d\033[0m\n", r.Stats.TotalListings)
	fmt.Fprintf(w, "  Active listings  : \033[1m%d\033[0m\n", r.Stats.ActiveListings)
	fmt.Fprintf(w, "  Avg days listed  : \033[1m%.1f\033[0m\n", r.Stats.AvgDOM)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Price Statistics\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if r.Stats.AvgPrice > 0 {
		fmt.Fprintf(w, "  Average price : \033[1;32m$%.0f\033[0m\n", r.Stats.AvgPrice)
		fmt.Fprintf(w, "  Median price  : \033[1;32m$%.0f\033[0m\n", r.Stats.MedianPrice)
	} else {
		fmt.Fprintf(w, "  No price data available\n")
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Top Deals\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if len(r.TopDeals) == 0 {
		fmt.Fprintf(w, "  No scored listings in view\n")
	} else {
		for i, l := range r.TopDeals {
			fmt.Fprintf(w, "  \033[1m%d.\033[0m %-34s \033[1;32m%3d\033[0m  %6.2f%%\n",
				i+1, truncate(l.Address, 32), l.Scores.Global, l.DropPercent)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Listings by Ward\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if len(r.ListingsByWard) == 0 {
		fmt.Fprintf(w, "  No ward data\n")
	} else {
		type wardCount struct {
			ward  string
			count int
		}
		var wards []wardCount
		for ward, cnt := range r.ListingsByWard {
			wards = append(wards, wardCount{ward, cnt})
		}
		sort.Slice(wards, func(i, j int) bool {
			if wards[i].count != wards[j].count {
				return wards[i].count > wards[j].count
			}
			return wards[i].ward < wards[j].ward
		})
		for _, wc := range wards {
			bar := strings.Repeat("█", min(wc.count, 40))
			fmt.Fprintf(w, "  %-12s %s (%d)\n", wc.ward, bar, wc.count)
		}
	}

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n\n", sep)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
