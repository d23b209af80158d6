package tariff

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/raterudder/gridcharge/pkg/types"
)

// PriceVerdict is the result of PriceIsCheap.
type PriceVerdict struct {
	ShouldCharge bool
	Reason       types.DecisionReason
	Rationale    string

	// Current is nil when no slot covers now.
	Current           *types.Price
	Median            float64
	CheapThreshold    float64
	ModerateThreshold float64
}

// percentileIndex picks an element of a sorted slice of length n. It is a
// plain index, floor(n*pct/100), and not an interpolated percentile.
func percentileIndex(n int, pct float64) int {
	i := int(math.Floor(float64(n) * pct / 100))
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

// PriceIsCheap compares the current price slot with thresholds taken from the
// price-sorted series and decides whether to charge at socPct.
func PriceIsCheap(prices []types.Price, now time.Time, socPct float64, cfg types.DynamicPriceTariff) PriceVerdict {
	var current *types.Price
	for i := range prices {
		if prices[i].Contains(now) {
			p := prices[i]
			current = &p
			break
		}
	}
	if current == nil {
		return PriceVerdict{
			Reason:    types.DecisionReasonNoCurrentPrice,
			Rationale: fmt.Sprintf("no current price for %s in %d slots", now.UTC().Format(time.RFC3339), len(prices)),
		}
	}

	// don't reorder the caller's slice
	sorted := make([]float64, len(prices))
	for i, p := range prices {
		sorted[i] = p.IncVATPrice
	}
	sort.Float64s(sorted)

	n := len(sorted)
	v := PriceVerdict{
		Current:           current,
		Median:            sorted[n/2],
		CheapThreshold:    sorted[percentileIndex(n, cfg.CheapPercentile)],
		ModerateThreshold: sorted[percentileIndex(n, cfg.ModeratePercentile)],
	}
	price := current.IncVATPrice
	gap := v.Median - v.CheapThreshold
	minGap := cfg.MinCheapMedianGap * v.Median

	switch {
	case price <= v.CheapThreshold && socPct <= cfg.CheapSOCThreshold && gap > minGap:
		v.ShouldCharge = true
		v.Reason = types.DecisionReasonCheapLowSOC
		v.Rationale = fmt.Sprintf(
			"cheap+low-soc: price %sp <= cheap threshold %sp, SOC %s%% <= %s%%, median gap %sp > %sp",
			num(price), num(v.CheapThreshold), num(socPct), num(cfg.CheapSOCThreshold), num(gap), num(minGap),
		)
	case price <= v.ModerateThreshold && socPct <= cfg.ModerateSOCThreshold:
		v.ShouldCharge = true
		v.Reason = types.DecisionReasonModerateVeryLowSOC
		v.Rationale = fmt.Sprintf(
			"moderate+very-low-soc: price %sp <= moderate threshold %sp, SOC %s%% <= %s%%",
			num(price), num(v.ModerateThreshold), num(socPct), num(cfg.ModerateSOCThreshold),
		)
	default:
		v.Reason = types.DecisionReasonExpensiveOrSufficientSOC
		v.Rationale = fmt.Sprintf(
			"expensive-or-sufficient-soc: price %sp (cheap %sp, moderate %sp, median %sp), SOC %s%%",
			num(price), num(v.CheapThreshold), num(v.ModerateThreshold), num(v.Median), num(socPct),
		)
	}
	return v
}

// num formats to at most 2 decimal places without trailing zeros.
func num(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}
