package types

// ForecastSavings estimates how much grid charging the solar forecast avoided.
type ForecastSavings struct {
	SavedPct  float64 `json:"savedPct"`
	SavedKWh  float64 `json:"savedKWh"`
	SavedCost float64 `json:"savedCost"`
}

// StopReport is the energy and cost of a finished session. Each field is nil
// when it could not be measured, which is not the same as zero.
type StopReport struct {
	SOCIncreasePct *float64 `json:"socIncreasePct"`
	EnergyKWh      *float64 `json:"energyKWh"`
	EstimatedCost  *float64 `json:"estimatedCost"`
}
