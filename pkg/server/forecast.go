package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/raterudder/gridcharge/pkg/controller"
	"github.com/raterudder/gridcharge/pkg/log"
	"github.com/raterudder/gridcharge/pkg/types"
)

const (
	forecastStep       = 5 * time.Minute
	forecastMaxHorizon = 48 * time.Hour
)

type forecastResponse struct {
	Telemetry types.Telemetry       `json:"telemetry"`
	Steps     []controller.SimStep  `json:"steps"`
	Summary   controller.SimSummary `json:"summary"`
}

// handleForecast simulates the coming hours from the last cycle's readings.
// It never reads from or commands the hardware.
func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	horizon := 12 * time.Hour
	if h := r.URL.Query().Get("hours"); h != "" {
		n, err := strconv.Atoi(h)
		if err != nil || n <= 0 || time.Duration(n)*time.Hour > forecastMaxHorizon {
			writeJSONError(w, "hours must be between 1 and 48", http.StatusBadRequest)
			return
		}
		horizon = time.Duration(n) * time.Hour
	}

	s.stateMu.RLock()
	last := s.lastAction
	s.stateMu.RUnlock()
	if last == nil || last.Telemetry.StateOfChargePct == nil {
		writeJSONError(w, "no telemetry yet", http.StatusServiceUnavailable)
		return
	}

	now := s.now()
	var prices []types.Price
	if s.controller.Settings().Tariff.Mode() == types.TariffModeDynamicPrice {
		var err error
		prices, err = s.storage.GetPriceHistory(ctx, now.Add(-priceLookaround), now.Add(horizon))
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get prices", slog.Any("error", err))
			writeJSONError(w, "failed to get prices", http.StatusInternalServerError)
			return
		}
	}

	start := now.Truncate(forecastStep)
	steps, err := s.controller.Simulate(ctx, last.Telemetry, start, start.Add(horizon), forecastStep, s.simChargeKW, prices)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to simulate", slog.Any("error", err))
		writeJSONError(w, "failed to simulate", http.StatusInternalServerError)
		return
	}

	settings := s.controller.Settings()
	fd := s.controller.ForecastData(now, last.Telemetry)
	writeJSON(w, forecastResponse{
		Telemetry: last.Telemetry,
		Steps:     steps,
		Summary:   controller.Summarize(steps, forecastStep, fd.AssumedCapacityKWh, settings.Tariff.RatePence(), s.simChargeKW),
	})
}
