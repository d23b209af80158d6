package server

import (
	"fmt"

	"github.com/raterudder/gridcharge/pkg/types"
)

// tariffConfig holds the raw tariff flags until the mode is known.
type tariffConfig struct {
	mode                 string
	windowStart          string
	windowEnd            string
	rate                 float64
	cheapPercentile      float64
	moderatePercentile   float64
	cheapSOCThreshold    float64
	moderateSOCThreshold float64
	minCheapMedianGap    float64
}

// tariff builds the tariff for the configured mode. Flags of the other mode
// are ignored.
func (c tariffConfig) tariff() (types.Tariff, error) {
	switch types.TariffMode(c.mode) {
	case types.TariffModeFixedWindow:
		start, err := types.ParseClockTime(c.windowStart)
		if err != nil {
			return nil, fmt.Errorf("invalid window-start: %w", err)
		}
		end, err := types.ParseClockTime(c.windowEnd)
		if err != nil {
			return nil, fmt.Errorf("invalid window-end: %w", err)
		}
		return types.FixedWindowTariff{Start: start, End: end, Rate: c.rate}, nil
	case types.TariffModeDynamicPrice:
		return types.DynamicPriceTariff{
			CheapPercentile:      c.cheapPercentile,
			ModeratePercentile:   c.moderatePercentile,
			CheapSOCThreshold:    c.cheapSOCThreshold,
			ModerateSOCThreshold: c.moderateSOCThreshold,
			MinCheapMedianGap:    c.minCheapMedianGap,
			Rate:                 c.rate,
		}, nil
	default:
		return nil, fmt.Errorf("unknown tariff-mode: %q", c.mode)
	}
}

// buildSettings assembles and validates the decision settings. months is
// the decoded seasonal-targets flag, empty means the default table.
func buildSettings(tc tariffConfig, months []types.MonthTargets, startW, stopW, fallbackKWh float64) (types.Settings, error) {
	t, err := tc.tariff()
	if err != nil {
		return types.Settings{}, err
	}
	table := types.DefaultSeasonalTargets
	if len(months) > 0 {
		table, err = types.SeasonalTargetsFromSlice(months)
		if err != nil {
			return types.Settings{}, fmt.Errorf("invalid seasonal-targets: %w", err)
		}
	}
	s := types.Settings{
		Tariff:              t,
		Targets:             table,
		StartThresholdWatts: startW,
		StopThresholdWatts:  stopW,
		FallbackCapacityKWh: fallbackKWh,
	}
	if err := s.Validate(); err != nil {
		return types.Settings{}, err
	}
	return s, nil
}
