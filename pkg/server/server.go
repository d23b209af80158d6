// Package server runs the charging cycle on a fixed interval and serves the
// status API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/raterudder/gridcharge/pkg/common"
	"github.com/raterudder/gridcharge/pkg/controller"
	"github.com/raterudder/gridcharge/pkg/ess"
	"github.com/raterudder/gridcharge/pkg/log"
	"github.com/raterudder/gridcharge/pkg/metrics"
	"github.com/raterudder/gridcharge/pkg/notify"
	"github.com/raterudder/gridcharge/pkg/session"
	"github.com/raterudder/gridcharge/pkg/storage"
	"github.com/raterudder/gridcharge/pkg/types"
	"github.com/raterudder/gridcharge/pkg/utility"
)

// Refresher keeps the instance lock from going stale.
type Refresher interface {
	Refresh() error
}

// Server owns the session state and runs one decision cycle at a time,
// either from the ticker or from POST /api/update.
type Server struct {
	ess        ess.System
	prices     utility.Provider
	storage    storage.Database
	notifier   notify.Notifier
	controller *controller.Controller
	machine    *session.Machine
	registry   *prometheus.Registry
	metrics    *metrics.Cycle
	lock       Refresher

	interval      time.Duration
	once          bool
	forceWindow   bool
	simChargeKW   float64
	listenAddr    string
	httpServer    *http.Server
	updateLimiter *rate.Limiter
	now           func() time.Time

	// cycleMu serializes cycles
	cycleMu sync.Mutex

	stateMu    sync.RWMutex
	state      types.SessionState
	lastAction *types.Action
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(sys ess.System, prices utility.Provider, db storage.Database, n notify.Notifier) *Server {
	srv := &Server{
		ess:      sys,
		prices:   prices,
		storage:  db,
		notifier: n,
		now:      time.Now,
	}

	var tc tariffConfig
	mode := lflag.String("tariff-mode", string(types.TariffModeFixedWindow), "Tariff mode (available: fixed_window, dynamic_price)")
	windowStart := lflag.String("window-start", "00:30", "Start of the cheap rate window, HH:MM in UTC")
	windowEnd := lflag.String("window-end", "05:30", "End of the cheap rate window (exclusive), HH:MM in UTC")
	tariffRate := common.FloatFlag("tariff-rate", 8.5, "Cheap rate in pence per kWh, used to cost charging sessions")
	cheapPercentile := common.FloatFlag("cheap-percentile", 25, "Price percentile at or below which a slot is cheap")
	moderatePercentile := common.FloatFlag("moderate-percentile", 25, "Price percentile at or below which a slot is moderate")
	cheapSOC := common.FloatFlag("cheap-soc-threshold", 60, "Charge in cheap slots when SOC is at or below this")
	moderateSOC := common.FloatFlag("moderate-soc-threshold", 30, "Charge in moderate slots when SOC is at or below this")
	minGap := common.FloatFlag("min-cheap-median-gap", 0.1, "Fraction of the median the cheap threshold must be below it")

	var months []types.MonthTargets
	lflag.JSON(&months, "seasonal-targets", months, "JSON array of 12 {\"morning\":N,\"evening\":N} targets starting with January, empty uses the built in table")
	fallbackCapacity := common.FloatFlag("fallback-capacity-kwh", 31.2, "Battery capacity to assume when telemetry has none")
	startThreshold := common.FloatFlag("start-threshold-watts", 3000, "Don't start charging while consumption is above this")
	stopThreshold := common.FloatFlag("stop-threshold-watts", 6000, "Stop charging when consumption goes above this")

	interval := lflag.Duration("cycle-interval", 5*time.Minute, "Time between decision cycles")
	once := lflag.Bool("once", false, "Run a single cycle and exit")
	forceWindow := lflag.Bool("force-window", false, "Act as if the cheap rate window is open")
	listenAddr := lflag.String("http-listen", "", "HTTP server listen address, empty disables the API")
	updateInterval := lflag.Duration("update-min-interval", 30*time.Second, "Minimum time between manual POST /api/update cycles")
	simChargeKW := common.FloatFlag("sim-charge-kw", 5, "Charge rate assumed by the forecast simulation")

	lflag.Do(func() {
		tc = tariffConfig{
			mode:                 *mode,
			windowStart:          *windowStart,
			windowEnd:            *windowEnd,
			rate:                 *tariffRate,
			cheapPercentile:      *cheapPercentile,
			moderatePercentile:   *moderatePercentile,
			cheapSOCThreshold:    *cheapSOC,
			moderateSOCThreshold: *moderateSOC,
			minCheapMedianGap:    *minGap,
		}
		settings, err := buildSettings(tc, months, *startThreshold, *stopThreshold, *fallbackCapacity)
		if err != nil {
			panic(fmt.Sprintf("invalid configuration: %v", err))
		}
		if *interval <= 0 {
			panic(fmt.Sprintf("cycle-interval must be positive: %s", *interval))
		}
		if *simChargeKW <= 0 {
			panic(fmt.Sprintf("sim-charge-kw must be positive: %v", *simChargeKW))
		}
		srv.init(settings)
		srv.interval = *interval
		srv.once = *once
		srv.forceWindow = *forceWindow
		srv.listenAddr = *listenAddr
		srv.simChargeKW = *simChargeKW
		srv.updateLimiter = rate.NewLimiter(rate.Every(*updateInterval), 1)
	})

	return srv
}

// init wires the controller, session machine and metrics for settings.
func (s *Server) init(settings types.Settings) {
	c, err := controller.NewController(settings)
	if err != nil {
		panic(fmt.Sprintf("failed to create controller: %v", err))
	}
	s.controller = c
	s.machine = session.NewMachine(s.ess, s.storage, s.notifier, settings.Tariff.RatePence())
	s.registry = metrics.NewRegistry()
	s.metrics = metrics.NewCycle(s.registry)
}

// SetLock makes every cycle refresh l.
func (s *Server) SetLock(l Refresher) {
	s.lock = l
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/update", s.handleUpdate)
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/forecast", s.handleForecast)
	apiMux.HandleFunc("GET /api/history/prices", s.handleHistoryPrices)
	apiMux.HandleFunc("GET /api/history/actions", s.handleHistoryActions)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiMux)
	mux.Handle("GET /metrics", metrics.Handler(s.registry))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run loads the session state and runs cycles until ctx is canceled. With
// --once it returns after the first cycle.
func (s *Server) Run(ctx context.Context) error {
	if err := s.loadState(ctx); err != nil {
		return err
	}

	var errChan chan error
	if s.listenAddr != "" {
		s.httpServer = &http.Server{
			Addr:         s.listenAddr,
			Handler:      s.setupHandler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  15 * time.Second,
		}
		errChan = make(chan error, 1)
		go func() {
			defer close(errChan)
			log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
		defer s.shutdownHTTP(ctx)
	}

	if _, err := s.runCycle(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "cycle failed", slog.Any("error", err))
		if s.once {
			return err
		}
	}
	if s.once {
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "shutting down")
			return nil
		case err, ok := <-errChan:
			if ok && err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			errChan = nil
		case <-ticker.C:
			if _, err := s.runCycle(ctx); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "cycle failed", slog.Any("error", err))
			}
		}
	}
}

func (s *Server) shutdownHTTP(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "server shutdown failed", slog.Any("error", err))
	}
}

// loadState reads the persisted session, migrating it when it was written
// by an older version.
func (s *Server) loadState(ctx context.Context) error {
	state, version, err := s.storage.GetSessionState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load session state: %w", err)
	}
	migrated, changed, err := types.MigrateSessionState(state, version)
	if err != nil {
		return fmt.Errorf("failed to migrate session state: %w", err)
	}
	if changed || version < types.CurrentSessionStateVersion {
		log.Ctx(ctx).InfoContext(ctx, "migrated session state", slog.Int("from", version), slog.Int("to", types.CurrentSessionStateVersion))
		if err := s.storage.SetSessionState(ctx, migrated, types.CurrentSessionStateVersion); err != nil {
			return fmt.Errorf("failed to save migrated session state: %w", err)
		}
	}
	if err := migrated.Validate(); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "loaded session state is inconsistent", slog.Any("error", err))
	}

	s.stateMu.Lock()
	s.state = migrated
	s.stateMu.Unlock()

	latest, err := s.storage.GetLatestAction(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load latest action", slog.Any("error", err))
	} else if latest != nil {
		s.stateMu.Lock()
		s.lastAction = latest
		s.stateMu.Unlock()
	}

	log.Ctx(ctx).InfoContext(ctx, "loaded session state",
		slog.Bool("charging", migrated.IsCharging),
		slog.Any("startTime", migrated.SessionStartTime),
	)
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	name := "gridcharge/" + common.Version()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", name)
		next.ServeHTTP(w, r)
	})
}
