package server

import (
	"net/http"
	"time"

	"github.com/raterudder/gridcharge/pkg/common"
	"github.com/raterudder/gridcharge/pkg/targets"
	"github.com/raterudder/gridcharge/pkg/types"
)

type statusResponse struct {
	Version     string                 `json:"version"`
	Now         time.Time              `json:"now"`
	TariffMode  types.TariffMode       `json:"tariffMode"`
	Tariff      types.Tariff           `json:"tariff"`
	ForceWindow bool                   `json:"forceWindow"`
	Session     types.SessionState     `json:"session"`
	LastAction  *types.Action          `json:"lastAction,omitempty"`
	Forecast    *types.ForecastData    `json:"forecast,omitempty"`
	Savings     *types.ForecastSavings `json:"savings,omitempty"`
	Because     string                 `json:"because,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.stateMu.RLock()
	resp := statusResponse{
		Version:     common.Version(),
		Now:         s.now(),
		ForceWindow: s.forceWindow,
		Session:     s.state,
		LastAction:  s.lastAction,
	}
	s.stateMu.RUnlock()

	settings := s.controller.Settings()
	resp.TariffMode = settings.Tariff.Mode()
	resp.Tariff = settings.Tariff

	// targets are recomputed for now from the last readings so they follow
	// the month even between cycles
	if resp.LastAction != nil {
		fd := s.controller.ForecastData(resp.Now, resp.LastAction.Telemetry)
		savings := targets.EstimateSavings(fd, settings.Tariff.RatePence())
		resp.Forecast = &fd
		resp.Savings = &savings
		if resp.LastAction.Decision != nil {
			resp.Because = resp.LastAction.Decision.Rationale
		}
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, resp)
}
