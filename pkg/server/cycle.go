package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/raterudder/gridcharge/pkg/controller"
	"github.com/raterudder/gridcharge/pkg/log"
	"github.com/raterudder/gridcharge/pkg/session"
	"github.com/raterudder/gridcharge/pkg/types"
)

// priceLookaround is how far either side of now prices are fetched for the
// dynamic tariff.
const priceLookaround = 24 * time.Hour

func (s *Server) currentState() types.SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// runCycle gathers telemetry, decides, applies the decision and records the
// outcome as an Action. Only one cycle runs at a time.
func (s *Server) runCycle(ctx context.Context) (types.Action, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	started := time.Now()
	now := s.now()
	action := types.Action{
		ID:          uuid.NewString(),
		Timestamp:   now,
		Command:     types.CommandNoOp,
		ForceWindow: s.forceWindow,
	}
	ctx = log.WithAttrs(ctx, slog.String("cycleID", action.ID))
	state := s.currentState()

	err := s.cycle(ctx, now, &state, &action)
	action.Session = state
	if err != nil {
		action.Failed = true
		action.Error = err.Error()
	}

	if ierr := s.storage.InsertAction(ctx, action); ierr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to insert action", slog.Any("error", ierr))
	}
	s.stateMu.Lock()
	s.state = state
	s.lastAction = &action
	s.stateMu.Unlock()

	s.metrics.ObserveCycle(started, state, err != nil)
	if s.lock != nil {
		if lerr := s.lock.Refresh(); lerr != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to refresh lock", slog.Any("error", lerr))
		}
	}

	attrs := []any{
		slog.String("command", string(action.Command)),
		slog.Bool("charging", state.IsCharging),
		slog.Duration("took", time.Since(started)),
	}
	if action.Decision != nil {
		attrs = append(attrs,
			slog.Bool("shouldCharge", action.Decision.ShouldCharge),
			slog.String("rationale", action.Decision.Rationale),
		)
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	log.Ctx(ctx).InfoContext(ctx, "cycle complete", attrs...)
	return action, err
}

// cycle does the work of runCycle. state and action are updated in place so
// a failure part way through is still recorded.
func (s *Server) cycle(ctx context.Context, now time.Time, state *types.SessionState, action *types.Action) error {
	tel, err := s.ess.GetTelemetry(ctx)
	if err != nil {
		err = fmt.Errorf("failed to get telemetry: %w", err)
		s.raise(ctx, action, types.Anomaly{Time: now, Kind: types.AnomalyTelemetryFailed, Details: err.Error()})
		return err
	}
	if tel.Timestamp.IsZero() {
		tel.Timestamp = now
	}
	action.Telemetry = tel
	s.metrics.ObserveTelemetry(tel)

	var prices []types.Price
	if s.controller.Settings().Tariff.Mode() == types.TariffModeDynamicPrice {
		prices, err = s.prices.GetPrices(ctx, now.Add(-priceLookaround), now.Add(priceLookaround))
		if err != nil {
			err = fmt.Errorf("failed to get prices: %w", err)
			s.raise(ctx, action, types.Anomaly{Time: now, Kind: types.AnomalyPriceFetchFailed, Details: err.Error()})
			return err
		}
		if uerr := s.storage.UpsertPrices(ctx, prices); uerr != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to store prices", slog.Any("error", uerr))
		}
	}

	charging := state.IsCharging
	if tel.ObservedHardwareCharging != nil {
		charging = *tel.ObservedHardwareCharging
	}
	d, err := s.controller.Decide(ctx, controller.Input{
		Telemetry:           tel,
		Now:                 now,
		IsCurrentlyCharging: charging,
		ForceWindowOverride: s.forceWindow,
		Prices:              prices,
	})
	if err != nil {
		s.raise(ctx, action, types.Anomaly{Time: now, Kind: decideFailureKind(err), Details: err.Error()})
		return fmt.Errorf("failed to decide: %w", err)
	}
	action.Decision = &d
	s.metrics.ObserveDecision(d)

	newState, res, err := s.machine.Apply(ctx, *state, session.Input{
		Decision:         d,
		Telemetry:        tel,
		HardwareCharging: tel.ObservedHardwareCharging,
		Now:              now,
	})
	*state = newState
	action.Command = res.Command

	var cmdErr error
	if errors.Is(err, session.ErrCommandFailed) {
		cmdErr = err
	}
	s.metrics.ObserveCommand(res.Command, cmdErr)

	for _, a := range res.Anomalies {
		s.raise(ctx, action, a)
	}
	if err != nil {
		kind := types.AnomalyCommandFailed
		if errors.Is(err, session.ErrPersistFailed) {
			kind = types.AnomalyPersistFailed
		}
		s.raise(ctx, action, types.Anomaly{
			Time:    now,
			Kind:    kind,
			Details: fmt.Sprintf("%s\n\nDecision: %s", err, d.Rationale),
		})
		return err
	}
	return nil
}

// raise sends an anomaly to the alert channel and records it on the action.
func (s *Server) raise(ctx context.Context, action *types.Action, a types.Anomaly) {
	action.Anomalies = append(action.Anomalies, a.Kind)
	s.metrics.ObserveAnomaly(a.Kind)
	if err := s.notifier.Anomaly(ctx, a); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to send anomaly", slog.String("kind", string(a.Kind)), slog.Any("error", err))
	}
}

func decideFailureKind(err error) types.AnomalyKind {
	if errors.Is(err, controller.ErrMissingStateOfCharge) {
		return types.AnomalyMissingSOC
	}
	return types.AnomalyDecisionFailed
}
