package ess

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/gridcharge/pkg/storage"
	"github.com/raterudder/gridcharge/pkg/types"
)

func TestMockFailsWithStorage(t *testing.T) {
	db := new(mockStorage)
	db.On("GetESSMockState", mock.Anything).Return(types.ESSMockState{}, errors.New("unavailable"))
	defer db.AssertExpectations(t)

	_, err := NewMock(db).GetTelemetry(context.Background())
	assert.Error(t, err)
	assert.Error(t, NewMock(db).SetForceCharge(context.Background(), true))
}

func newMockDB(t *testing.T) *storage.FileProvider {
	return storage.NewFileProvider(filepath.Join(t.TempDir(), "state.json"))
}

func TestMockESS(t *testing.T) {
	ctx := context.Background()

	t.Run("ForceChargingFillsBattery", func(t *testing.T) {
		db := newMockDB(t)
		now := time.Date(2025, 1, 15, 1, 0, 0, 0, time.UTC)
		m := NewMock(db)
		m.now = func() time.Time { return now }

		tel, err := m.GetTelemetry(ctx)
		require.NoError(t, err)
		assert.Equal(t, 50.0, *tel.StateOfChargePct)
		assert.False(t, *tel.ObservedHardwareCharging)
		assert.Equal(t, mockCapacityKWh, *tel.BatteryCapacityKWh)

		require.NoError(t, m.SetForceCharge(ctx, true))
		state, err := db.GetESSMockState(ctx)
		require.NoError(t, err)
		assert.True(t, state.ForceCharging)

		// 5 kW for 30 minutes into 10 kWh is 25%
		now = now.Add(30 * time.Minute)
		tel, err = m.GetTelemetry(ctx)
		require.NoError(t, err)
		assert.InDelta(t, 75.0, *tel.StateOfChargePct, 0.1)
		assert.True(t, *tel.ObservedHardwareCharging)
		// grid draw covers the house and the charge
		assert.Greater(t, *tel.ConsumptionWatts, 5000.0)

		// capped at full
		now = now.Add(2 * time.Hour)
		tel, err = m.GetTelemetry(ctx)
		require.NoError(t, err)
		assert.Equal(t, 100.0, *tel.StateOfChargePct)
	})

	t.Run("NightDischarge", func(t *testing.T) {
		db := newMockDB(t)
		now := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
		m := NewMock(db)
		m.now = func() time.Time { return now }

		_, err := m.GetTelemetry(ctx)
		require.NoError(t, err)
		now = now.Add(time.Hour)
		tel, err := m.GetTelemetry(ctx)
		require.NoError(t, err)
		assert.Less(t, *tel.StateOfChargePct, 50.0)
		assert.Equal(t, 0.0, *tel.ConsumptionWatts)
	})

	t.Run("ForecastFollowsSeason", func(t *testing.T) {
		assert.Greater(t, mockForecastKWh(time.June), mockForecastKWh(time.December))
		assert.InDelta(t, mockSolarPeakKW(time.January)*13*2/math.Pi, mockForecastKWh(time.January), 1e-9)
	})
}
