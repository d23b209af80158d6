package types

import "time"

// StartNotice is sent once per charging session.
type StartNotice struct {
	Time             time.Time       `json:"time"`
	CurrentSOCPct    *float64        `json:"currentSOCPct"`
	ConsumptionWatts *float64        `json:"consumptionWatts"`
	ForecastData     ForecastData    `json:"forecastData"`
	Savings          ForecastSavings `json:"savings"`
	Rationale        string          `json:"rationale"`
}

// StopNotice is sent when a session ends.
type StopNotice struct {
	Time         time.Time    `json:"time"`
	SessionStart *time.Time   `json:"sessionStart"`
	Report       StopReport   `json:"report"`
	ForecastData ForecastData `json:"forecastData"`
	Rationale    string       `json:"rationale"`
}

// AnomalyKind classifies operator alerts.
type AnomalyKind string

const (
	AnomalyStuckCharging    AnomalyKind = "force_charge_safeguard"
	AnomalyCommandFailed    AnomalyKind = "command_failed"
	AnomalyMissingSOC       AnomalyKind = "missing_soc"
	AnomalyTelemetryFailed  AnomalyKind = "telemetry_failed"
	AnomalyPriceFetchFailed AnomalyKind = "price_fetch_failed"
	AnomalyPersistFailed    AnomalyKind = "persist_failed"
	AnomalyDecisionFailed   AnomalyKind = "decision_failed"
)

// Anomaly is an alert that needs operator attention. It is delivered on a
// separate channel from start and stop notices.
type Anomaly struct {
	Time    time.Time   `json:"time"`
	Kind    AnomalyKind `json:"kind"`
	Details string      `json:"details"`
}
