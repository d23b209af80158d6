package ess

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/raterudder/gridcharge/pkg/storage"
	"github.com/raterudder/gridcharge/pkg/types"
)

const (
	mockCapacityKWh    = 10.0
	mockMaxChargeKW    = 5.0
	mockMaxDischargeKW = 5.0
	mockReserveSOC     = 10.0
	mockDaylightHours  = 13.0
)

// Mock is a simulated battery with a predictable house load and solar curve.
// Its state lives in storage so it survives restarts, which makes it useful
// for running the whole loop without hardware.
type Mock struct {
	mu  sync.Mutex
	db  storage.Database
	now func() time.Time
}

// NewMock returns a Mock keeping its state in db.
func NewMock(db storage.Database) *Mock {
	return &Mock{
		db:  db,
		now: time.Now,
	}
}

// mockSolarPeakKW is the midday solar output for the month, highest in
// June/July.
func mockSolarPeakKW(month time.Month) float64 {
	return 1 + 2*(1-math.Abs(float64(month)-6.5)/5.5)
}

// mockForecastKWh is the total generation of a full day under the curve used
// by advanceState.
func mockForecastKWh(month time.Month) float64 {
	return mockSolarPeakKW(month) * mockDaylightHours * 2 / math.Pi
}

// advanceState steps the simulation forward to now in at most 5 minute steps
// and returns the grid import in kW during the last step.
func advanceState(state *types.ESSMockState, now time.Time) (gridKW float64) {
	if state.Timestamp.IsZero() || state.Timestamp.After(now) {
		state.Timestamp = now
		if state.SOCPct == 0 {
			state.SOCPct = 50
		}
	}

	stepStart := state.Timestamp
	for stepStart.Before(now) {
		stepEnd := stepStart.Add(5 * time.Minute)
		if stepEnd.After(now) {
			stepEnd = now
		}
		durationHours := stepEnd.Sub(stepStart).Hours()
		if durationHours <= 0 {
			break
		}

		stepMid := stepStart.Add(stepEnd.Sub(stepStart) / 2).UTC()
		hour := float64(stepMid.Hour()) + float64(stepMid.Minute())/60.0

		// house load 1.5 - 2.5 kW on a sine wave that peaks every 2 hours
		homeKW := 1.5 + 0.5*math.Sin(hour*math.Pi)

		// solar bell curve between 06:00 and 19:00
		solarKW := 0.0
		if hour >= 6 && hour <= 6+mockDaylightHours {
			solarKW = mockSolarPeakKW(stepMid.Month()) * math.Sin((hour-6)/mockDaylightHours*math.Pi)
		}

		spaceKWh := (100.0 - state.SOCPct) / 100.0 * mockCapacityKWh
		usableKWh := math.Max(state.SOCPct-mockReserveSOC, 0) / 100.0 * mockCapacityKWh

		// positive charges the battery
		batteryKW := 0.0
		net := solarKW - homeKW
		switch {
		case state.ForceCharging:
			batteryKW = math.Min(mockMaxChargeKW, spaceKWh/durationHours)
		case net > 0:
			batteryKW = math.Min(math.Min(net, mockMaxChargeKW), spaceKWh/durationHours)
		default:
			batteryKW = -math.Min(math.Min(-net, mockMaxDischargeKW), usableKWh/durationHours)
		}

		gridKW = homeKW + batteryKW - solarKW
		state.SOCPct += batteryKW * durationHours / mockCapacityKWh * 100.0
		state.SOCPct = math.Max(0, math.Min(100, state.SOCPct))

		stepStart = stepEnd
	}
	state.Timestamp = now
	return gridKW
}

// GetTelemetry advances the simulation to now and reports it. The
// consumption is the grid draw, which includes any force charging.
func (m *Mock) GetTelemetry(ctx context.Context) (types.Telemetry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.db.GetESSMockState(ctx)
	if err != nil {
		return types.Telemetry{}, err
	}
	now := m.now()
	gridKW := advanceState(&state, now)
	if err := m.db.UpdateESSMockState(ctx, state); err != nil {
		return types.Telemetry{}, err
	}

	return types.Telemetry{
		Timestamp:                now,
		StateOfChargePct:         types.Ptr(math.Round(state.SOCPct*10) / 10),
		ConsumptionWatts:         types.Ptr(math.Round(math.Max(gridKW, 0) * 1000)),
		BatteryCapacityKWh:       types.Ptr(mockCapacityKWh),
		ForecastedGenerationKWh:  types.Ptr(math.Round(mockForecastKWh(now.Month())*10) / 10),
		ObservedHardwareCharging: types.Ptr(state.ForceCharging),
	}, nil
}

// SetForceCharge advances the simulation with the old mode then switches.
func (m *Mock) SetForceCharge(ctx context.Context, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.db.GetESSMockState(ctx)
	if err != nil {
		return err
	}
	advanceState(&state, m.now())
	state.ForceCharging = on
	return m.db.UpdateESSMockState(ctx, state)
}
