package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/gridcharge/pkg/storage/storagemock"
	"github.com/raterudder/gridcharge/pkg/types"
)

func TestHandler(t *testing.T) {
	ts := newTestServer(t, fixedSettings(t), nil)
	handler := ts.setupHandler()

	t.Run("Healthz", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", w.Body.String())
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
		assert.Contains(t, w.Header().Get("Server"), "gridcharge/")
	})

	t.Run("Metrics", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "gridcharge_cycle_duration_seconds")
	})

	t.Run("StatusBeforeFirstCycle", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/status", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp statusResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &struct {
			*statusResponse
			Tariff json.RawMessage `json:"tariff"`
		}{statusResponse: &resp}))
		assert.Equal(t, types.TariffModeFixedWindow, resp.TariffMode)
		assert.Nil(t, resp.LastAction)
		assert.Nil(t, resp.Forecast)
	})

	t.Run("ForecastWithoutTelemetry", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/forecast", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("Update", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("POST", "/api/update", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var action types.Action
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &action))
		assert.Equal(t, types.CommandStartCharge, action.Command)

		// limited to one per minute
		w = httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("POST", "/api/update", nil))
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, []bool{true}, ts.ess.commands)

		w = httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/update", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("StatusAfterCycle", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/status", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Session    types.SessionState  `json:"session"`
			LastAction *types.Action       `json:"lastAction"`
			Forecast   *types.ForecastData `json:"forecast"`
			Because    string              `json:"because"`
			Tariff     struct {
				Start string `json:"start"`
				End   string `json:"end"`
			} `json:"tariff"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Session.IsCharging)
		require.NotNil(t, resp.LastAction)
		require.NotNil(t, resp.Forecast)
		assert.Equal(t, 60.0, resp.Forecast.FinalTargetSOCPct)
		assert.Contains(t, resp.Because, "approved")
		assert.Equal(t, "00:30", resp.Tariff.Start)
		assert.Equal(t, "05:30", resp.Tariff.End)
	})

	t.Run("Forecast", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/forecast?hours=6", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp forecastResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp.Steps, 72)
		require.NotNil(t, resp.Summary.ChargeStart)
		assert.True(t, resp.Summary.ChargeStart.Equal(testNow))
		assert.InDelta(t, 60, resp.Summary.FinalSOCPct, 5)

		w = httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/forecast?hours=100", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestUpdateFailure(t *testing.T) {
	ts := newTestServer(t, fixedSettings(t), nil)
	ts.ess.telErr = errors.New("portal down")

	w := httptest.NewRecorder()
	ts.setupHandler().ServeHTTP(w, httptest.NewRequest("POST", "/api/update", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var action types.Action
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &action))
	assert.True(t, action.Failed)
	assert.Contains(t, action.Error, "portal down")
}

func TestRunOnce(t *testing.T) {
	ts := newTestServer(t, fixedSettings(t), nil)
	ts.once = true

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ts.Run(ctx))

	assert.Equal(t, []bool{true}, ts.ess.commands)
	actions, err := ts.db.GetActionHistory(ctx, testNow.Add(-time.Minute), testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}

func TestRunUntilCanceled(t *testing.T) {
	ts := newTestServer(t, fixedSettings(t), nil)
	ts.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.Run(ctx) }()

	require.Eventually(t, func() bool {
		ts.stateMu.RLock()
		defer ts.stateMu.RUnlock()
		return ts.lastAction != nil && ts.lastAction.Command == types.CommandNoOp
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLoadState(t *testing.T) {
	ctx := context.Background()

	t.Run("MigratesLegacy", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		legacy := types.SessionState{SessionStartSOCPct: types.Ptr(20.0), StartNotificationSent: true}
		db.On("GetSessionState", mock.Anything).Return(legacy, 0, nil)
		db.On("SetSessionState", mock.Anything, types.SessionState{}, types.CurrentSessionStateVersion).Return(nil).Once()
		db.On("GetLatestAction", mock.Anything).Return(nil, nil)

		ts := newTestServer(t, fixedSettings(t), db)
		require.NoError(t, ts.loadState(ctx))
		assert.Equal(t, types.SessionState{}, ts.currentState())
		db.AssertExpectations(t)
	})

	t.Run("Current", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		start := testNow.Add(-time.Hour)
		state := types.SessionState{IsCharging: true, SessionStartTime: &start, SessionStartSOCPct: types.Ptr(30.0)}
		last := &types.Action{ID: "abc", Telemetry: types.Telemetry{StateOfChargePct: types.Ptr(35.0)}}
		db.On("GetSessionState", mock.Anything).Return(state, types.CurrentSessionStateVersion, nil)
		db.On("GetLatestAction", mock.Anything).Return(last, nil)

		ts := newTestServer(t, fixedSettings(t), db)
		require.NoError(t, ts.loadState(ctx))
		assert.Equal(t, state, ts.currentState())
		assert.Equal(t, "abc", ts.lastAction.ID)
		db.AssertExpectations(t)
		db.AssertNotCalled(t, "SetSessionState", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("ReadError", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetSessionState", mock.Anything).Return(types.SessionState{}, 0, errors.New("corrupt"))

		ts := newTestServer(t, fixedSettings(t), db)
		assert.Error(t, ts.loadState(ctx))
	})
}
