package ess

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSMA struct {
	authState    string
	tokens       int
	unauthorized int
	requests     map[string]int
}

func (f *fakeSMA) handler(t *testing.T) http.Handler {
	f.requests = map[string]int{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "id", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))
		f.tokens++
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("POST /oauth2/v2/bc-authorize", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "owner@example.com", body["loginHint"])
		_ = json.NewEncoder(w).Encode(map[string]string{"state": f.authState})
	})
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			f.requests[r.URL.Path]++
			if f.unauthorized > 0 {
				f.unauthorized--
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			next(w, r)
		}
	}
	mux.HandleFunc("GET /v1/plants", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"plants":[{"plantId":"p1","name":"Home"}]}`))
	}))
	mux.HandleFunc("GET /v1/plants/p1/devices", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"devices":[{"deviceId":"d0","type":"Solar Inverter"},{"deviceId":"d1","type":"Battery Inverter"}]}`))
	}))
	mux.HandleFunc("GET /v1/devices/d1/measurements/sets/EnergyAndPowerBattery/Recent", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"set":[{"time":"2025-01-15T01:00:00","batteryStateOfCharge":63}]}`))
	}))
	return mux
}

func newTestSMACloud(t *testing.T, f *fakeSMA, script *Script) *SMACloud {
	ts := httptest.NewServer(f.handler(t))
	t.Cleanup(ts.Close)
	s := newSMACloud(script)
	s.client = ts.Client()
	s.tokenURL = ts.URL + "/oauth2/token"
	s.bcAuthorizeURL = ts.URL + "/oauth2/v2/bc-authorize"
	s.baseURL = ts.URL
	s.clientID = "id"
	s.clientSecret = "secret"
	s.ownerEmail = "owner@example.com"
	return s
}

func TestSMACloud(t *testing.T) {
	ctx := context.Background()

	t.Run("Telemetry", func(t *testing.T) {
		f := &fakeSMA{authState: "Accepted"}
		s := newTestSMACloud(t, f, nil)

		tel, err := s.GetTelemetry(ctx)
		require.NoError(t, err)
		require.NotNil(t, tel.StateOfChargePct)
		assert.Equal(t, 63.0, *tel.StateOfChargePct)
		assert.Nil(t, tel.ConsumptionWatts)
		assert.Equal(t, "d1", s.deviceID)

		// token and device are cached
		_, err = s.GetTelemetry(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, f.tokens)
		assert.Equal(t, 1, f.requests["/v1/plants"])
	})

	t.Run("MergesScriptTelemetry", func(t *testing.T) {
		script, _ := fakeScript(`{"stateOfCharge":10,"consumption":900,"forecastedGeneration":4.5}`, nil)
		s := newTestSMACloud(t, &fakeSMA{authState: "Accepted"}, script)

		tel, err := s.GetTelemetry(ctx)
		require.NoError(t, err)
		assert.Equal(t, 63.0, *tel.StateOfChargePct)
		assert.Equal(t, 900.0, *tel.ConsumptionWatts)
		assert.Equal(t, 4.5, *tel.ForecastedGenerationKWh)
	})

	t.Run("Pending", func(t *testing.T) {
		s := newTestSMACloud(t, &fakeSMA{authState: "Pending"}, nil)
		_, err := s.GetTelemetry(ctx)
		assert.ErrorIs(t, err, ErrAuthorizationPending)
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		f := &fakeSMA{authState: "Accepted", unauthorized: 1}
		s := newTestSMACloud(t, f, nil)
		tel, err := s.GetTelemetry(ctx)
		require.NoError(t, err)
		assert.Equal(t, 63.0, *tel.StateOfChargePct)
		assert.Equal(t, 2, f.tokens)
	})

	t.Run("ForceChargeUsesScript", func(t *testing.T) {
		script, calls := fakeScript("", nil)
		s := newTestSMACloud(t, &fakeSMA{authState: "Accepted"}, script)
		require.NoError(t, s.SetForceCharge(ctx, true))
		assert.Equal(t, []string{"force-charge", "FORCE_CHARGE=on"}, *calls)
	})

	t.Run("Validate", func(t *testing.T) {
		s := newSMACloud(NewScript("", "charge", time.Minute))
		assert.Error(t, s.Validate())
		s.clientID, s.clientSecret = "id", "secret"
		assert.Error(t, s.Validate())
		s.ownerEmail = "owner@example.com"
		assert.NoError(t, s.Validate())
		s.script = NewScript("", "", time.Minute)
		assert.Error(t, s.Validate())
	})
}
