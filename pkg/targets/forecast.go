package targets

import (
	"github.com/raterudder/gridcharge/pkg/types"
)

// Adjustment is the result of AdjustEveningTarget.
type Adjustment struct {
	AdjustedPct   float64
	AdjustmentPct float64
}

// AdjustEveningTarget lowers the evening target by the share of the battery
// the forecast solar generation is expected to fill, but never below the
// morning target. A nil or non-positive forecast leaves it unchanged.
func AdjustEveningTarget(eveningPct, morningPct float64, forecastKWh *float64, capacityKWh float64) Adjustment {
	if forecastKWh == nil || *forecastKWh <= 0 || capacityKWh <= 0 {
		return Adjustment{AdjustedPct: eveningPct}
	}
	adj := *forecastKWh / capacityKWh * 100
	return Adjustment{
		AdjustedPct:   max(morningPct, eveningPct-adj),
		AdjustmentPct: adj,
	}
}

// AssumedCapacity is the measured capacity when telemetry has a positive
// value, otherwise the configured fallback.
func AssumedCapacity(measuredKWh *float64, fallbackKWh float64) float64 {
	if measuredKWh != nil && *measuredKWh > 0 {
		return *measuredKWh
	}
	return fallbackKWh
}

// ApplyForecastMultiplier scales a forecast by pct percent. Portal forecasts
// tend to be optimistic so deployments usually run below 100.
func ApplyForecastMultiplier(forecastKWh *float64, pct float64) *float64 {
	if forecastKWh == nil {
		return nil
	}
	return types.Ptr(*forecastKWh * pct / 100)
}

// EstimateSavings is how much grid charging the forecast adjustment avoided,
// costed at ratePence per kWh.
func EstimateSavings(fd types.ForecastData, ratePence float64) types.ForecastSavings {
	savedPct := fd.OriginalTargetSOCPct - fd.AdjustedTargetSOCPct
	if savedPct <= 0 {
		return types.ForecastSavings{}
	}
	savedKWh := savedPct / 100 * fd.AssumedCapacityKWh
	return types.ForecastSavings{
		SavedPct:  savedPct,
		SavedKWh:  savedKWh,
		SavedCost: savedKWh * ratePence / 100,
	}
}
