package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/raterudder/gridcharge/pkg/log"
	"github.com/raterudder/gridcharge/pkg/targets"
	"github.com/raterudder/gridcharge/pkg/tariff"
	"github.com/raterudder/gridcharge/pkg/types"
)

// ErrMissingStateOfCharge is returned when telemetry has no SOC. The cycle
// must be treated as failed rather than guessing.
var ErrMissingStateOfCharge = errors.New("telemetry is missing state of charge")

// WindowEndMarginMinutes is how close to the end of a fixed window we stop
// approving charging.
const WindowEndMarginMinutes = 10

// Input is everything Decide needs for one cycle.
type Input struct {
	Telemetry           types.Telemetry
	Now                 time.Time
	IsCurrentlyCharging bool
	ForceWindowOverride bool
	// Prices is only used in dynamic price mode.
	Prices []types.Price
}

type policy interface {
	decide(ctx context.Context, in Input, soc float64, fd types.ForecastData) types.Decision
}

// Controller handles the charge decision for each cycle.
type Controller struct {
	settings types.Settings
	table    *targets.Table
	policy   policy
}

// NewController validates the settings and picks the tariff policy once.
func NewController(settings types.Settings) (*Controller, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	table, err := targets.NewTable(settings.Targets)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		settings: settings,
		table:    table,
	}
	switch t := settings.Tariff.(type) {
	case types.FixedWindowTariff:
		c.policy = &fixedWindowPolicy{
			window:         t,
			startThreshold: settings.StartThresholdWatts,
			stopThreshold:  settings.StopThresholdWatts,
		}
	case types.DynamicPriceTariff:
		c.policy = &dynamicPricePolicy{cfg: t}
	default:
		return nil, fmt.Errorf("unsupported tariff: %T", settings.Tariff)
	}
	return c, nil
}

// Settings returns the settings the controller was built with.
func (c *Controller) Settings() types.Settings {
	return c.settings
}

// Decide determines whether the battery should be force charged this cycle.
func (c *Controller) Decide(ctx context.Context, in Input) (types.Decision, error) {
	if in.Telemetry.StateOfChargePct == nil {
		return types.Decision{}, ErrMissingStateOfCharge
	}
	soc := *in.Telemetry.StateOfChargePct

	log.Ctx(ctx).DebugContext(
		ctx,
		"controller decide started",
		slog.Float64("soc", soc),
		slog.Any("consumptionWatts", in.Telemetry.ConsumptionWatts),
		slog.Any("forecastKWh", in.Telemetry.ForecastedGenerationKWh),
		slog.Bool("isCharging", in.IsCurrentlyCharging),
		slog.Bool("forceWindow", in.ForceWindowOverride),
		slog.String("mode", string(c.settings.Tariff.Mode())),
	)

	fd := c.ForecastData(in.Now, in.Telemetry)
	d := c.policy.decide(ctx, in, soc, fd)
	d.ForecastData = fd

	log.Ctx(ctx).DebugContext(
		ctx,
		"controller decided",
		slog.Bool("shouldCharge", d.ShouldCharge),
		slog.String("reason", string(d.Reason)),
		slog.String("rationale", d.Rationale),
		slog.Float64("finalTarget", fd.FinalTargetSOCPct),
	)
	return d, nil
}

// ForecastData computes the seasonal and forecast adjusted targets for now.
func (c *Controller) ForecastData(now time.Time, tel types.Telemetry) types.ForecastData {
	mt := c.table.Lookup(now.Month())
	capacity := targets.AssumedCapacity(tel.BatteryCapacityKWh, c.settings.FallbackCapacityKWh)
	adj := targets.AdjustEveningTarget(mt.EveningPct, mt.MorningPct, tel.ForecastedGenerationKWh, capacity)
	return types.ForecastData{
		ForecastedGenerationKWh: tel.ForecastedGenerationKWh,
		AdjustedTargetSOCPct:    adj.AdjustedPct,
		OriginalTargetSOCPct:    mt.EveningPct,
		ForecastAdjustmentPct:   adj.AdjustmentPct,
		MorningTargetPct:        mt.MorningPct,
		EveningTargetPct:        mt.EveningPct,
		FinalTargetSOCPct:       max(mt.MorningPct, adj.AdjustedPct),
		AssumedCapacityKWh:      capacity,
	}
}

type fixedWindowPolicy struct {
	window         types.FixedWindowTariff
	startThreshold float64
	stopThreshold  float64
}

func (p *fixedWindowPolicy) decide(ctx context.Context, in Input, soc float64, fd types.ForecastData) types.Decision {
	now := in.Now.UTC()

	if !tariff.IsCheapRateNow(now, p.window, in.ForceWindowOverride, nil, soc) {
		return types.Decision{
			Reason: types.DecisionReasonOutsideWindow,
			Rationale: fmt.Sprintf(
				"outside window: %s UTC is not within %s-%s UTC",
				types.ClockTimeOf(now), p.window.Start, p.window.End,
			),
		}
	}

	if tariff.WindowEnding(now, p.window, WindowEndMarginMinutes) {
		return types.Decision{
			Reason: types.DecisionReasonWindowEnding,
			Rationale: fmt.Sprintf(
				"too close to window end: %d minutes until %s UTC is within the %d minute margin",
				tariff.MinutesUntilEnd(now, p.window), p.window.End, WindowEndMarginMinutes,
			),
		}
	}

	target := fd.FinalTargetSOCPct
	if soc >= target {
		return types.Decision{
			Reason: types.DecisionReasonTargetReached,
			Rationale: fmt.Sprintf(
				"SOC %s%% at/above target %s%% (morning %s%%, evening %s%% adjusted by %s%%)",
				num(soc), num(target), num(fd.MorningTargetPct), num(fd.EveningTargetPct), num(fd.ForecastAdjustmentPct),
			),
		}
	}

	consumption := "consumption unknown"
	if w := in.Telemetry.ConsumptionWatts; w != nil {
		if !in.IsCurrentlyCharging && *w > p.startThreshold {
			return types.Decision{
				Reason: types.DecisionReasonConsumptionBlocksStart,
				Rationale: fmt.Sprintf(
					"consumption too high to start: %sW exceeds start threshold %sW",
					num(*w), num(p.startThreshold),
				),
			}
		}
		if in.IsCurrentlyCharging && *w > p.stopThreshold {
			return types.Decision{
				Reason: types.DecisionReasonConsumptionBlocksContinue,
				Rationale: fmt.Sprintf(
					"consumption too high to continue: %sW exceeds stop threshold %sW",
					num(*w), num(p.stopThreshold),
				),
			}
		}
		consumption = "consumption " + num(*w) + "W"
	}

	rationale := fmt.Sprintf("approved: SOC %s%% below target %s%%, %s", num(soc), num(target), consumption)
	if in.ForceWindowOverride {
		rationale += ", window forced"
	}
	return types.Decision{
		ShouldCharge: true,
		Reason:       types.DecisionReasonApproved,
		Rationale:    rationale,
	}
}

type dynamicPricePolicy struct {
	cfg types.DynamicPriceTariff
}

func (p *dynamicPricePolicy) decide(ctx context.Context, in Input, soc float64, _ types.ForecastData) types.Decision {
	if in.ForceWindowOverride {
		log.Ctx(ctx).DebugContext(ctx, "force window override has no effect in dynamic price mode")
	}
	v := tariff.PriceIsCheap(in.Prices, in.Now, soc, p.cfg)
	return types.Decision{
		ShouldCharge: v.ShouldCharge,
		Reason:       v.Reason,
		Rationale:    v.Rationale,
	}
}

// num formats to at most one decimal place without trailing zeros.
func num(v float64) string {
	return strconv.FormatFloat(math.Round(v*10)/10, 'f', -1, 64)
}
