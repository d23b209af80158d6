package server

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/raterudder/gridcharge/pkg/controller"
	"github.com/raterudder/gridcharge/pkg/targets"
	"github.com/raterudder/gridcharge/pkg/tariff"
	"github.com/raterudder/gridcharge/pkg/types"
)

// reportHorizon is how far ahead WriteReport simulates.
const reportHorizon = 12 * time.Hour

// WriteReport reads live telemetry, decides what a cycle would do right now
// and writes a human readable summary to w. Nothing is commanded or stored.
func (s *Server) WriteReport(ctx context.Context, w io.Writer) error {
	now := s.now()
	settings := s.controller.Settings()

	tel, err := s.ess.GetTelemetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to get telemetry: %w", err)
	}

	var prices []types.Price
	if settings.Tariff.Mode() == types.TariffModeDynamicPrice {
		prices, err = s.prices.GetPrices(ctx, now.Add(-priceLookaround), now.Add(priceLookaround))
		if err != nil {
			return fmt.Errorf("failed to get prices: %w", err)
		}
	}

	charging := tel.ObservedHardwareCharging != nil && *tel.ObservedHardwareCharging
	d, err := s.controller.Decide(ctx, controller.Input{
		Telemetry:           tel,
		Now:                 now,
		IsCurrentlyCharging: charging,
		ForceWindowOverride: s.forceWindow,
		Prices:              prices,
	})
	if err != nil {
		return fmt.Errorf("failed to decide: %w", err)
	}
	fd := d.ForecastData

	var b strings.Builder
	fmt.Fprintf(&b, "Current status (%s)\n", now.UTC().Format(time.RFC1123))
	fmt.Fprintf(&b, "  SOC: %s\n", optional(tel.StateOfChargePct, "%.1f%%"))
	fmt.Fprintf(&b, "  Consumption: %s\n", optional(tel.ConsumptionWatts, "%.0fW"))
	fmt.Fprintf(&b, "  Force charging: %s\n", optionalBool(tel.ObservedHardwareCharging))

	switch t := settings.Tariff.(type) {
	case types.FixedWindowTariff:
		fmt.Fprintf(&b, "\nCheap rate window %s-%s UTC\n", t.Start, t.End)
		fmt.Fprintf(&b, "  Time now: %s UTC\n", types.ClockTimeOf(now))
		fmt.Fprintf(&b, "  In window: %t", tariff.InWindow(now, t))
		if s.forceWindow {
			b.WriteString(" (forced)")
		}
		b.WriteString("\n")
	case types.DynamicPriceTariff:
		fmt.Fprintf(&b, "\nDynamic prices: %d slots loaded\n", len(prices))
	}

	fmt.Fprintf(&b, "\nSolar forecast: %s\n", optional(tel.ForecastedGenerationKWh, "%.1f kWh"))
	fmt.Fprintf(&b, "  Original target: %.1f%%\n", fd.OriginalTargetSOCPct)
	fmt.Fprintf(&b, "  Adjusted target: %.1f%% (-%.1f%%)\n", fd.AdjustedTargetSOCPct, fd.ForecastAdjustmentPct)
	fmt.Fprintf(&b, "  Morning target: %.1f%%\n", fd.MorningTargetPct)
	fmt.Fprintf(&b, "  Final target: %.1f%%\n", fd.FinalTargetSOCPct)

	fmt.Fprintf(&b, "\nShould charge: %t\n", d.ShouldCharge)
	fmt.Fprintf(&b, "  BECAUSE %s\n", d.Rationale)

	if savings := targets.EstimateSavings(fd, settings.Tariff.RatePence()); savings.SavedPct > 0 {
		fmt.Fprintf(
			&b,
			"\nForecast savings: %.1f%% (%.2f kWh, £%.2f)\n",
			savings.SavedPct, savings.SavedKWh, savings.SavedCost,
		)
	}

	start := now.Truncate(forecastStep)
	steps, err := s.controller.Simulate(ctx, tel, start, start.Add(reportHorizon), forecastStep, s.simChargeKW, prices)
	if err != nil {
		return fmt.Errorf("failed to simulate: %w", err)
	}
	sum := controller.Summarize(steps, forecastStep, fd.AssumedCapacityKWh, settings.Tariff.RatePence(), s.simChargeKW)
	fmt.Fprintf(&b, "\nNext %s\n", reportHorizon)
	if sum.ChargeStart == nil {
		b.WriteString("  No charging expected\n")
	} else {
		fmt.Fprintf(&b, "  Charge %s-%s UTC\n", sum.ChargeStart.UTC().Format("15:04"), sum.ChargeEnd.UTC().Format("15:04"))
		fmt.Fprintf(&b, "  SOC %.1f%% -> %.1f%%\n", sum.StartSOCPct, sum.FinalSOCPct)
		fmt.Fprintf(&b, "  Energy %.2f kWh, about £%.2f\n", sum.EnergyKWh, sum.EstimatedCost)
	}

	_, err = io.WriteString(w, b.String())
	return err
}

func optional(v *float64, format string) string {
	if v == nil {
		return "unknown"
	}
	return fmt.Sprintf(format, *v)
}

func optionalBool(v *bool) string {
	if v == nil {
		return "unknown"
	}
	return fmt.Sprint(*v)
}
