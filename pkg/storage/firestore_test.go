package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/gridcharge/pkg/types"
)

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random database for isolation
	randDB := fmt.Sprintf("test-db-%d", time.Now().UnixNano())
	f := &FirestoreProvider{
		projectID:    "test-project-id",
		database:     randDB,
		installation: "test-install",
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
		assert.Error(t, (&FirestoreProvider{}).Validate())
	})

	t.Run("SessionState", func(t *testing.T) {
		s, version, err := f.GetSessionState(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, version)
		assert.Equal(t, types.SessionState{}, s)

		start := time.Now().Truncate(time.Second).UTC()
		want := types.SessionState{
			IsCharging:               true,
			SessionStartTime:         &start,
			SessionStartSOCPct:       types.Ptr(20.0),
			CachedBatteryCapacityKWh: types.Ptr(31.2),
			StartNotificationSent:    true,
		}
		require.NoError(t, f.SetSessionState(ctx, want, types.CurrentSessionStateVersion))

		got, version, err := f.GetSessionState(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.CurrentSessionStateVersion, version)
		assert.True(t, got.IsCharging)
		assert.True(t, got.SessionStartTime.Equal(start))
		assert.Equal(t, 20.0, *got.SessionStartSOCPct)
		assert.Equal(t, 31.2, *got.CachedBatteryCapacityKWh)
	})

	t.Run("Actions", func(t *testing.T) {
		now := time.Now().Truncate(time.Second).UTC()
		a1 := types.Action{ID: "a1", Timestamp: now, Command: types.CommandStartCharge}
		a2 := types.Action{ID: "a2", Timestamp: now.Add(-2 * time.Hour), Command: types.CommandNoOp}
		a3 := types.Action{ID: "a3", Timestamp: now.Add(10 * time.Second), Command: types.CommandStopCharge}
		require.NoError(t, f.InsertAction(ctx, a1))
		require.NoError(t, f.InsertAction(ctx, a2))
		require.NoError(t, f.InsertAction(ctx, a3))

		actions, err := f.GetActionHistory(ctx, now.Add(-1*time.Minute), now.Add(1*time.Minute))
		require.NoError(t, err)
		require.Len(t, actions, 2)
		assert.Equal(t, "a1", actions[0].ID)
		assert.Equal(t, "a3", actions[1].ID)

		latest, err := f.GetLatestAction(ctx)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "a3", latest.ID)
	})

	t.Run("Prices", func(t *testing.T) {
		now := time.Now().Truncate(30 * time.Minute).UTC()
		p1 := types.Price{ValidFrom: now, ValidTo: now.Add(30 * time.Minute), IncVATPrice: 10}
		p2 := types.Price{ValidFrom: now.Add(30 * time.Minute), ValidTo: now.Add(time.Hour), IncVATPrice: 12}
		require.NoError(t, f.UpsertPrices(ctx, []types.Price{p1, p2}))

		p2.IncVATPrice = 99
		require.NoError(t, f.UpsertPrices(ctx, []types.Price{p2}))

		prices, err := f.GetPriceHistory(ctx, now, now.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, prices, 2)
		assert.Equal(t, 10.0, prices[0].IncVATPrice)
		assert.Equal(t, 99.0, prices[1].IncVATPrice)
	})

	t.Run("ESSMockState", func(t *testing.T) {
		s, err := f.GetESSMockState(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.ESSMockState{}, s)

		want := types.ESSMockState{Timestamp: time.Now().Truncate(time.Second).UTC(), SOCPct: 42, ForceCharging: true}
		require.NoError(t, f.UpdateESSMockState(ctx, want))
		got, err := f.GetESSMockState(ctx)
		require.NoError(t, err)
		assert.True(t, want.Timestamp.Equal(got.Timestamp))
		assert.Equal(t, want.SOCPct, got.SOCPct)
		assert.True(t, got.ForceCharging)
	})
}
