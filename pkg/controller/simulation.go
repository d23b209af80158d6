package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raterudder/gridcharge/pkg/log"
	"github.com/raterudder/gridcharge/pkg/types"
)

// SimStep is one step of a simulated night.
type SimStep struct {
	TS           time.Time            `json:"ts"`
	SOCPct       float64              `json:"socPct"`
	ShouldCharge bool                 `json:"shouldCharge"`
	Reason       types.DecisionReason `json:"reason"`
}

// SimSummary describes the charge session a simulation predicts.
type SimSummary struct {
	ChargeStart   *time.Time `json:"chargeStart,omitempty"`
	ChargeEnd     *time.Time `json:"chargeEnd,omitempty"`
	StartSOCPct   float64    `json:"startSOCPct"`
	FinalSOCPct   float64    `json:"finalSOCPct"`
	EnergyKWh     float64    `json:"energyKWh"`
	EstimatedCost float64    `json:"estimatedCost"`
}

// Simulate rolls Decide forward from start to end in step increments. The
// battery gains chargeRateKW while charging and every other telemetry field is
// held at its current value. Consumption hysteresis therefore applies the same
// way on every step.
func (c *Controller) Simulate(
	ctx context.Context,
	tel types.Telemetry,
	start, end time.Time,
	step time.Duration,
	chargeRateKW float64,
	prices []types.Price,
) ([]SimStep, error) {
	if tel.StateOfChargePct == nil {
		return nil, ErrMissingStateOfCharge
	}
	if step <= 0 {
		return nil, fmt.Errorf("simulation step must be positive: %s", step)
	}

	soc := *tel.StateOfChargePct
	charging := tel.ObservedHardwareCharging != nil && *tel.ObservedHardwareCharging
	steps := make([]SimStep, 0, int(end.Sub(start)/step)+1)

	for ts := start; ts.Before(end); ts = ts.Add(step) {
		simTel := tel
		simTel.StateOfChargePct = types.Ptr(soc)

		d, err := c.Decide(ctx, Input{
			Telemetry:           simTel,
			Now:                 ts,
			IsCurrentlyCharging: charging,
			Prices:              prices,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to decide at %s: %w", ts, err)
		}
		steps = append(steps, SimStep{
			TS:           ts,
			SOCPct:       soc,
			ShouldCharge: d.ShouldCharge,
			Reason:       d.Reason,
		})

		charging = d.ShouldCharge
		if charging {
			capacity := d.ForecastData.AssumedCapacityKWh
			soc = min(100, soc+chargeRateKW*step.Hours()/capacity*100)
		}
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"simulation finished",
		slog.Int("steps", len(steps)),
		slog.Float64("finalSOC", soc),
	)
	return steps, nil
}

// Summarize reduces simulated steps into the predicted session. capacityKWh
// and ratePence convert the SOC gain into energy and cost.
func Summarize(steps []SimStep, step time.Duration, capacityKWh, ratePence, chargeRateKW float64) SimSummary {
	var s SimSummary
	if len(steps) == 0 {
		return s
	}
	s.StartSOCPct = steps[0].SOCPct
	s.FinalSOCPct = steps[len(steps)-1].SOCPct
	for _, st := range steps {
		if !st.ShouldCharge {
			continue
		}
		if s.ChargeStart == nil {
			ts := st.TS
			s.ChargeStart = &ts
		}
		end := st.TS.Add(step)
		s.ChargeEnd = &end
		s.FinalSOCPct = min(100, st.SOCPct+chargeRateKW*step.Hours()/capacityKWh*100)
	}
	if s.FinalSOCPct > s.StartSOCPct {
		s.EnergyKWh = (s.FinalSOCPct - s.StartSOCPct) / 100 * capacityKWh
		s.EstimatedCost = s.EnergyKWh * ratePence / 100
	}
	return s
}
