package types

import "time"

// Telemetry is the snapshot gathered at the start of each cycle. Every field
// is independently nullable; a nil field means the value could not be read.
type Telemetry struct {
	Timestamp                time.Time `json:"timestamp"`
	StateOfChargePct         *float64  `json:"stateOfChargePct,omitempty"`
	ConsumptionWatts         *float64  `json:"consumptionWatts,omitempty"`
	BatteryCapacityKWh       *float64  `json:"batteryCapacityKWh,omitempty"`
	ForecastedGenerationKWh  *float64  `json:"forecastedGenerationKWh,omitempty"`
	ObservedHardwareCharging *bool     `json:"observedHardwareCharging,omitempty"`
}

// ESSMockState is the state of the simulated battery used by the mock ESS.
type ESSMockState struct {
	Timestamp     time.Time `json:"timestamp"`
	SOCPct        float64   `json:"socPct"`
	ForceCharging bool      `json:"forceCharging"`
}
