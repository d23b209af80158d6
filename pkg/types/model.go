package types

import "time"

// Ptr returns a pointer to v. Used for the nullable telemetry fields.
func Ptr[T any](v T) *T {
	return &v
}

// DecisionReason identifies which rule produced a Decision.
type DecisionReason string

const (
	DecisionReasonOutsideWindow             DecisionReason = "outside-window"
	DecisionReasonWindowEnding              DecisionReason = "window-ending"
	DecisionReasonTargetReached             DecisionReason = "target-reached"
	DecisionReasonConsumptionBlocksStart    DecisionReason = "consumption-blocks-start"
	DecisionReasonConsumptionBlocksContinue DecisionReason = "consumption-blocks-continue"
	DecisionReasonApproved                  DecisionReason = "approved"

	// dynamic price verdicts
	DecisionReasonCheapLowSOC              DecisionReason = "cheap+low-soc"
	DecisionReasonModerateVeryLowSOC       DecisionReason = "moderate+very-low-soc"
	DecisionReasonExpensiveOrSufficientSOC DecisionReason = "expensive-or-sufficient-soc"
	DecisionReasonNoCurrentPrice           DecisionReason = "no-current-price"
)

// ForecastData is the target computation behind a Decision. It is populated
// on every fixed window decision so notices and the status endpoint can show
// it even when the cycle did not charge.
type ForecastData struct {
	ForecastedGenerationKWh *float64 `json:"forecastedGenerationKWh"`
	AdjustedTargetSOCPct    float64  `json:"adjustedTargetSOCPct"`
	OriginalTargetSOCPct    float64  `json:"originalTargetSOCPct"`
	ForecastAdjustmentPct   float64  `json:"forecastAdjustmentPct"`
	MorningTargetPct        float64  `json:"morningTargetPct"`
	EveningTargetPct        float64  `json:"eveningTargetPct"`
	FinalTargetSOCPct       float64  `json:"finalTargetSOCPct"`
	AssumedCapacityKWh      float64  `json:"assumedCapacityKWh"`
}

// Decision is the output of a single decide call. It is never persisted
// on its own, only as part of an Action.
type Decision struct {
	ShouldCharge bool           `json:"shouldCharge"`
	Reason       DecisionReason `json:"reason"`
	Rationale    string         `json:"rationale"`
	ForecastData ForecastData   `json:"forecastData"`
}

// Command is what the session machine asked the hardware to do.
type Command string

const (
	CommandNoOp        Command = "noop"
	CommandStartCharge Command = "startCharge"
	CommandStopCharge  Command = "stopCharge"
)

// Action represents one completed (or failed) decision cycle.
type Action struct {
	ID          string        `json:"id"`
	Timestamp   time.Time     `json:"timestamp"`
	Telemetry   Telemetry     `json:"telemetry"`
	Decision    *Decision     `json:"decision,omitempty"`
	Command     Command       `json:"command"`
	ForceWindow bool          `json:"forceWindow,omitempty"`
	Session     SessionState  `json:"session"`
	Anomalies   []AnomalyKind `json:"anomalies,omitempty"`
	Failed      bool          `json:"failed,omitempty"`
	Error       string        `json:"error,omitempty"`
}
