// Package tariff decides whether cheap-rate conditions hold, either from a
// fixed daily window or from a dynamic price series.
package tariff

import (
	"time"

	"github.com/raterudder/gridcharge/pkg/types"
)

const minutesPerDay = 24 * 60

// IsCheapRateNow reports whether cheap-rate conditions hold at now. In
// dynamic price mode the prices and current SOC are required; they're ignored
// for a fixed window.
func IsCheapRateNow(now time.Time, t types.Tariff, forceOverride bool, prices []types.Price, socPct float64) bool {
	if forceOverride {
		return true
	}
	switch t := t.(type) {
	case types.FixedWindowTariff:
		return InWindow(now, t)
	case types.DynamicPriceTariff:
		return PriceIsCheap(prices, now, socPct, t).ShouldCharge
	default:
		return false
	}
}

// InWindow reports whether the UTC time of day of now is inside
// [w.Start, w.End). A window with Start > End crosses midnight.
func InWindow(now time.Time, w types.FixedWindowTariff) bool {
	c := types.ClockTimeOf(now)
	if w.Start > w.End {
		return c >= w.Start || c < w.End
	}
	return c >= w.Start && c < w.End
}

// MinutesUntilEnd returns the minutes from now until the next occurrence of
// the window end, in [0, 1440).
func MinutesUntilEnd(now time.Time, w types.FixedWindowTariff) int {
	c := types.ClockTimeOf(now)
	return (int(w.End) - int(c) + minutesPerDay) % minutesPerDay
}

// WindowEnding reports whether the window ends within margin minutes.
func WindowEnding(now time.Time, w types.FixedWindowTariff, margin int) bool {
	m := MinutesUntilEnd(now, w)
	return m > 0 && m <= margin
}
