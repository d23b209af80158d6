package types

import (
	"errors"
	"fmt"
	"time"
)

// MonthTargets are the SOC targets for one calendar month.
type MonthTargets struct {
	MorningPct float64 `json:"morning"`
	EveningPct float64 `json:"evening"`
}

// SeasonalTargets is indexed by month, 0 is January.
type SeasonalTargets [12]MonthTargets

// DefaultSeasonalTargets are tuned for a UK home with roughly 4kWp of solar.
var DefaultSeasonalTargets = SeasonalTargets{
	{MorningPct: 45, EveningPct: 60}, // Jan
	{MorningPct: 40, EveningPct: 55}, // Feb
	{MorningPct: 35, EveningPct: 50}, // Mar
	{MorningPct: 25, EveningPct: 40}, // Apr
	{MorningPct: 20, EveningPct: 30}, // May
	{MorningPct: 20, EveningPct: 25}, // Jun
	{MorningPct: 20, EveningPct: 25}, // Jul
	{MorningPct: 20, EveningPct: 30}, // Aug
	{MorningPct: 25, EveningPct: 40}, // Sep
	{MorningPct: 35, EveningPct: 50}, // Oct
	{MorningPct: 40, EveningPct: 55}, // Nov
	{MorningPct: 45, EveningPct: 60}, // Dec
}

// SeasonalTargetsFromSlice converts a decoded config list into a table. It
// requires exactly 12 entries so a short list isn't silently zero-filled.
func SeasonalTargetsFromSlice(months []MonthTargets) (SeasonalTargets, error) {
	var t SeasonalTargets
	if len(months) != len(t) {
		return t, fmt.Errorf("seasonal targets must have 12 entries, got %d", len(months))
	}
	copy(t[:], months)
	return t, t.Validate()
}

// Validate checks every target is a percentage.
func (t SeasonalTargets) Validate() error {
	for i, m := range t {
		month := time.Month(i + 1)
		if m.MorningPct < 0 || m.MorningPct > 100 {
			return fmt.Errorf("%s morning target out of range: %v", month, m.MorningPct)
		}
		if m.EveningPct < 0 || m.EveningPct > 100 {
			return fmt.Errorf("%s evening target out of range: %v", month, m.EveningPct)
		}
	}
	return nil
}

// Settings is the decision configuration. It is loaded once at startup and
// never re-read while running.
type Settings struct {
	Tariff  Tariff
	Targets SeasonalTargets

	// Consumption hysteresis. StartThresholdWatts blocks starting a session
	// and StopThresholdWatts ends one in progress.
	StartThresholdWatts float64
	StopThresholdWatts  float64

	// FallbackCapacityKWh is used when telemetry has no battery capacity.
	FallbackCapacityKWh float64
}

// Validate checks the settings are usable. It is called at startup so a bad
// configuration never reaches a cycle.
func (s Settings) Validate() error {
	if s.Tariff == nil {
		return errors.New("tariff is required")
	}
	if err := s.Tariff.Validate(); err != nil {
		return fmt.Errorf("invalid %s tariff: %w", s.Tariff.Mode(), err)
	}
	if err := s.Targets.Validate(); err != nil {
		return fmt.Errorf("invalid seasonal targets: %w", err)
	}
	if s.StartThresholdWatts < 0 || s.StopThresholdWatts < 0 {
		return errors.New("consumption thresholds cannot be negative")
	}
	if s.StartThresholdWatts > s.StopThresholdWatts {
		return fmt.Errorf("start threshold (%vW) must not exceed stop threshold (%vW)", s.StartThresholdWatts, s.StopThresholdWatts)
	}
	if s.FallbackCapacityKWh <= 0 {
		return fmt.Errorf("fallback capacity must be positive: %v", s.FallbackCapacityKWh)
	}
	return nil
}
