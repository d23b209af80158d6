package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Price is a single tariff slot. Prices are in pence per kWh including VAT.
type Price struct {
	ValidFrom   time.Time `json:"validFrom"`
	ValidTo     time.Time `json:"validTo"`
	IncVATPrice float64   `json:"incVatPrice"`
}

// Contains reports whether t falls in [ValidFrom, ValidTo).
func (p Price) Contains(t time.Time) bool {
	return !t.Before(p.ValidFrom) && t.Before(p.ValidTo)
}

// ClockTime is a time of day in minutes after midnight, always UTC.
type ClockTime int

const minutesPerDay = 24 * 60

// ParseClockTime parses an "HH:MM" string.
func ParseClockTime(s string) (ClockTime, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock time %q: expected HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in clock time %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 || len(m) != 2 {
		return 0, fmt.Errorf("invalid minute in clock time %q", s)
	}
	return ClockTime(hour*60 + minute), nil
}

// MustParseClockTime is ParseClockTime for constants and tests.
func MustParseClockTime(s string) ClockTime {
	c, err := ParseClockTime(s)
	if err != nil {
		panic(err)
	}
	return c
}

// ClockTimeOf returns the UTC time of day of t.
func ClockTimeOf(t time.Time) ClockTime {
	t = t.UTC()
	return ClockTime(t.Hour()*60 + t.Minute())
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// Valid reports whether c is within a day.
func (c ClockTime) Valid() bool {
	return c >= 0 && c < minutesPerDay
}

func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ClockTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseClockTime(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// TariffMode selects which cheap-rate policy is used.
type TariffMode string

const (
	TariffModeFixedWindow  TariffMode = "fixed_window"
	TariffModeDynamicPrice TariffMode = "dynamic_price"
)

// Tariff is either a FixedWindowTariff or a DynamicPriceTariff.
type Tariff interface {
	Mode() TariffMode
	// RatePence is the p/kWh used to cost a finished session.
	RatePence() float64
	Validate() error
}

// FixedWindowTariff is a cheap rate between Start and End each day (UTC).
// End is exclusive and the window crosses midnight when Start > End.
type FixedWindowTariff struct {
	Start ClockTime `json:"start"`
	End   ClockTime `json:"end"`
	Rate  float64   `json:"rate"`
}

func (FixedWindowTariff) Mode() TariffMode { return TariffModeFixedWindow }

func (t FixedWindowTariff) RatePence() float64 { return t.Rate }

func (t FixedWindowTariff) Validate() error {
	if !t.Start.Valid() || !t.End.Valid() {
		return fmt.Errorf("window bounds must be within a day: %d-%d", t.Start, t.End)
	}
	if t.Start == t.End {
		return fmt.Errorf("window start and end cannot both be %s", t.Start)
	}
	if t.Rate < 0 {
		return fmt.Errorf("tariff rate cannot be negative: %v", t.Rate)
	}
	return nil
}

// DynamicPriceTariff charges when the current half-hour slot is cheap relative
// to the surrounding price series and the battery is low enough.
type DynamicPriceTariff struct {
	CheapPercentile      float64 `json:"cheapPercentile"`
	ModeratePercentile   float64 `json:"moderatePercentile"`
	CheapSOCThreshold    float64 `json:"cheapSOCThreshold"`
	ModerateSOCThreshold float64 `json:"moderateSOCThreshold"`
	// MinCheapMedianGap is a fraction of the median, e.g. 0.1 requires the
	// cheap threshold to be more than 10% below the median.
	MinCheapMedianGap float64 `json:"minCheapMedianGap"`
	Rate              float64 `json:"rate"`
}

func (DynamicPriceTariff) Mode() TariffMode { return TariffModeDynamicPrice }

func (t DynamicPriceTariff) RatePence() float64 { return t.Rate }

func (t DynamicPriceTariff) Validate() error {
	if t.CheapPercentile < 0 || t.CheapPercentile >= 100 {
		return fmt.Errorf("cheap percentile must be in [0, 100): %v", t.CheapPercentile)
	}
	if t.ModeratePercentile < 0 || t.ModeratePercentile >= 100 {
		return fmt.Errorf("moderate percentile must be in [0, 100): %v", t.ModeratePercentile)
	}
	if t.CheapSOCThreshold < 0 || t.CheapSOCThreshold > 100 {
		return fmt.Errorf("cheap soc threshold must be in [0, 100]: %v", t.CheapSOCThreshold)
	}
	if t.ModerateSOCThreshold < 0 || t.ModerateSOCThreshold > 100 {
		return fmt.Errorf("moderate soc threshold must be in [0, 100]: %v", t.ModerateSOCThreshold)
	}
	if t.MinCheapMedianGap < 0 {
		return fmt.Errorf("min cheap median gap cannot be negative: %v", t.MinCheapMedianGap)
	}
	if t.Rate < 0 {
		return fmt.Errorf("tariff rate cannot be negative: %v", t.Rate)
	}
	return nil
}
