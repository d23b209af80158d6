package session

import (
	"math"

	"github.com/raterudder/gridcharge/pkg/types"
)

// ComputeStopReport works out the SOC gained, energy delivered and cost of the
// session in state ending with tel. Anything that can't be measured is left
// nil rather than reported as zero.
func ComputeStopReport(state types.SessionState, tel types.Telemetry, ratePence float64) types.StopReport {
	var r types.StopReport
	if state.SessionStartSOCPct == nil || tel.StateOfChargePct == nil {
		return r
	}
	increase := *tel.StateOfChargePct - *state.SessionStartSOCPct
	r.SOCIncreasePct = &increase

	capacity := state.CachedBatteryCapacityKWh
	if capacity == nil || *capacity <= 0 {
		capacity = tel.BatteryCapacityKWh
	}
	if capacity == nil || *capacity <= 0 {
		return r
	}

	energy := increase / 100 * *capacity
	if math.IsNaN(energy) || math.IsInf(energy, 0) || energy <= 0 {
		return r
	}
	cost := energy * ratePence / 100
	r.EnergyKWh = &energy
	r.EstimatedCost = &cost
	return r
}
