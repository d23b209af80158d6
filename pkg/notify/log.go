package notify

import (
	"context"
	"log/slog"

	"github.com/raterudder/gridcharge/pkg/log"
	"github.com/raterudder/gridcharge/pkg/types"
)

// Log writes notices to the context logger.
type Log struct{}

func (Log) ChargingStarted(ctx context.Context, n types.StartNotice) error {
	m := StartMessage(n)
	log.Ctx(ctx).InfoContext(ctx, m.Subject,
		slog.Any("soc", n.CurrentSOCPct),
		slog.Float64("finalTarget", n.ForecastData.FinalTargetSOCPct),
		slog.Float64("savedKWh", n.Savings.SavedKWh),
	)
	return nil
}

func (Log) ChargingStopped(ctx context.Context, n types.StopNotice) error {
	m := StopMessage(n)
	log.Ctx(ctx).InfoContext(ctx, m.Subject,
		slog.Any("energyKWh", n.Report.EnergyKWh),
		slog.Any("socIncrease", n.Report.SOCIncreasePct),
		slog.Any("estimatedCost", n.Report.EstimatedCost),
	)
	return nil
}

func (Log) Anomaly(ctx context.Context, a types.Anomaly) error {
	log.Ctx(ctx).WarnContext(ctx, "GridCharge Alert - "+string(a.Kind),
		slog.String("kind", string(a.Kind)),
		slog.String("details", Redact(a.Details)),
	)
	return nil
}
