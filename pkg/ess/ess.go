// Package ess talks to the battery installation. Every provider reports
// telemetry and switches grid force charging on and off.
package ess

import (
	"context"
	"fmt"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/gridcharge/pkg/common"
	"github.com/raterudder/gridcharge/pkg/storage"
	"github.com/raterudder/gridcharge/pkg/targets"
	"github.com/raterudder/gridcharge/pkg/types"
)

// System is an energy storage system that can be force charged from the grid.
type System interface {
	// GetTelemetry returns the current readings. Fields the provider couldn't
	// read are nil.
	GetTelemetry(ctx context.Context) (types.Telemetry, error)

	// SetForceCharge turns grid force charging on or off.
	SetForceCharge(ctx context.Context, on bool) error
}

// Configured sets up the ESS provider based on flags. db is only used by the
// mock provider to keep its simulated battery across restarts.
func Configured(db storage.Database) System {
	provider := lflag.String("ess-provider", "script", "ESS provider to use (available: script, smacloud, modbus, mock)")
	multiplier := common.FloatFlag("forecast-multiplier-pct", 100, "Percentage applied to the forecasted solar generation")

	var p struct{ System }

	script := configuredScript()
	cloud := configuredSMACloud(script)
	mb := configuredModbus(script)

	lflag.Do(func() {
		var sys System
		switch *provider {
		case "script":
			if err := script.Validate(); err != nil {
				panic(fmt.Sprintf("script ess validation failed: %v", err))
			}
			sys = script
		case "smacloud":
			if err := cloud.Validate(); err != nil {
				panic(fmt.Sprintf("smacloud ess validation failed: %v", err))
			}
			sys = cloud
		case "modbus":
			if err := mb.Validate(); err != nil {
				panic(fmt.Sprintf("modbus ess validation failed: %v", err))
			}
			sys = mb
		case "mock":
			sys = NewMock(db)
		default:
			panic(fmt.Sprintf("unknown ess provider: %s", *provider))
		}
		if *multiplier < 0 {
			panic(fmt.Sprintf("forecast-multiplier-pct must not be negative: %v", *multiplier))
		}
		p.System = WithForecastMultiplier(sys, *multiplier)
	})

	return &p
}

type forecastMultiplier struct {
	System
	pct float64
}

// WithForecastMultiplier scales the forecasted generation reported by sys by
// pct percent. 100 returns sys unchanged.
func WithForecastMultiplier(sys System, pct float64) System {
	if pct == 100 {
		return sys
	}
	return &forecastMultiplier{System: sys, pct: pct}
}

func (f *forecastMultiplier) GetTelemetry(ctx context.Context) (types.Telemetry, error) {
	t, err := f.System.GetTelemetry(ctx)
	if err != nil {
		return t, err
	}
	t.ForecastedGenerationKWh = targets.ApplyForecastMultiplier(t.ForecastedGenerationKWh, f.pct)
	return t, nil
}

// mergeTelemetry fills the nil fields of t from extra.
func mergeTelemetry(t, extra types.Telemetry) types.Telemetry {
	if t.StateOfChargePct == nil {
		t.StateOfChargePct = extra.StateOfChargePct
	}
	if t.ConsumptionWatts == nil {
		t.ConsumptionWatts = extra.ConsumptionWatts
	}
	if t.BatteryCapacityKWh == nil {
		t.BatteryCapacityKWh = extra.BatteryCapacityKWh
	}
	if t.ForecastedGenerationKWh == nil {
		t.ForecastedGenerationKWh = extra.ForecastedGenerationKWh
	}
	if t.ObservedHardwareCharging == nil {
		t.ObservedHardwareCharging = extra.ObservedHardwareCharging
	}
	return t
}
