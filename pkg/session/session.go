// Package session tracks force-charge sessions across cycles and restarts.
// A session starts with a successful start command and ends with a
// successful stop command; nothing changes if a command fails.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raterudder/gridcharge/pkg/log"
	"github.com/raterudder/gridcharge/pkg/targets"
	"github.com/raterudder/gridcharge/pkg/types"
)

var (
	// ErrCommandFailed wraps a failed start or stop command. The returned
	// state is the input state when this is returned.
	ErrCommandFailed = errors.New("charge command failed")
	// ErrPersistFailed wraps a store failure after a successful command. The
	// returned state reflects the command and should still be kept.
	ErrPersistFailed = errors.New("failed to persist session state")

	errNoStartSOC = errors.New("cannot start a session without state of charge")
)

// Commander issues force-charge commands to the hardware.
type Commander interface {
	SetForceCharge(ctx context.Context, on bool) error
}

// Store persists the session state.
type Store interface {
	SetSessionState(ctx context.Context, state types.SessionState, version int) error
}

// Notifier receives start and stop notices.
type Notifier interface {
	ChargingStarted(ctx context.Context, notice types.StartNotice) error
	ChargingStopped(ctx context.Context, notice types.StopNotice) error
}

// Input is one cycle's worth of input to Apply.
type Input struct {
	Decision  types.Decision
	Telemetry types.Telemetry
	// HardwareCharging is the observed force-charge state, nil if unknown.
	HardwareCharging *bool
	Now              time.Time
}

// Result describes what Apply did.
type Result struct {
	Command     types.Command
	StartNotice *types.StartNotice
	StopNotice  *types.StopNotice
	// Anomalies need an operator alert. Apply does not send them.
	Anomalies []types.Anomaly
}

// Machine applies decisions to the session state.
type Machine struct {
	commander Commander
	store     Store
	notifier  Notifier
	ratePence float64
}

// NewMachine returns a Machine. ratePence is used to cost finished sessions.
func NewMachine(c Commander, s Store, n Notifier, ratePence float64) *Machine {
	return &Machine{
		commander: c,
		store:     s,
		notifier:  n,
		ratePence: ratePence,
	}
}

// Apply moves the session toward in.Decision and returns the new state. The
// observed hardware state, when known, overrides the persisted IsCharging.
func (m *Machine) Apply(ctx context.Context, state types.SessionState, in Input) (types.SessionState, Result, error) {
	effective := state.IsCharging
	if in.HardwareCharging != nil {
		effective = *in.HardwareCharging
	}
	res := Result{Command: types.CommandNoOp}

	if state.StopRequestedAt != nil && in.HardwareCharging != nil && *in.HardwareCharging && !in.Decision.ShouldCharge {
		res.Anomalies = append(res.Anomalies, types.Anomaly{
			Time: in.Now,
			Kind: types.AnomalyStuckCharging,
			Details: fmt.Sprintf(
				"stop was requested at %s (%s ago) but the hardware still reports force charging; issuing stop again",
				state.StopRequestedAt.UTC().Format(time.RFC3339), in.Now.Sub(*state.StopRequestedAt).Round(time.Second),
			),
		})
		log.Ctx(ctx).WarnContext(ctx, "hardware still force charging after stop", slog.Time("stopRequestedAt", *state.StopRequestedAt))
	}

	switch {
	case in.Decision.ShouldCharge && !effective:
		return m.start(ctx, state, in, res)
	case !in.Decision.ShouldCharge && effective:
		return m.stop(ctx, state, in, res)
	case in.Decision.ShouldCharge:
		return m.continueSession(ctx, state, in, res)
	default:
		return m.idle(ctx, state, in, res)
	}
}

func (m *Machine) start(ctx context.Context, state types.SessionState, in Input, res Result) (types.SessionState, Result, error) {
	if in.Telemetry.StateOfChargePct == nil {
		return state, res, errNoStartSOC
	}
	if err := m.commander.SetForceCharge(ctx, true); err != nil {
		res.Command = types.CommandStartCharge
		return state, res, fmt.Errorf("%w: start: %w", ErrCommandFailed, err)
	}
	res.Command = types.CommandStartCharge

	next := beginSession(state, in)
	log.Ctx(ctx).InfoContext(
		ctx,
		"charging session started",
		slog.Float64("startSOC", *next.SessionStartSOCPct),
		slog.String("rationale", in.Decision.Rationale),
	)
	if err := m.persist(ctx, next); err != nil {
		return next, res, err
	}
	return m.notifyStart(ctx, next, in, res)
}

// continueSession handles the hardware already charging when we want it to.
// If there's no session on record (a crash after the start command, or a
// restart with a lost state file) one is opened now.
func (m *Machine) continueSession(ctx context.Context, state types.SessionState, in Input, res Result) (types.SessionState, Result, error) {
	next := state
	changed := false
	if !next.IsCharging {
		if in.Telemetry.StateOfChargePct == nil {
			return state, res, errNoStartSOC
		}
		next = beginSession(next, in)
		changed = true
		log.Ctx(ctx).InfoContext(ctx, "adopting charging session already running on hardware", slog.Float64("startSOC", *next.SessionStartSOCPct))
	}
	if next.StopRequestedAt != nil {
		next.StopRequestedAt = nil
		changed = true
	}
	if changed {
		if err := m.persist(ctx, next); err != nil {
			return next, res, err
		}
	}
	return m.notifyStart(ctx, next, in, res)
}

func (m *Machine) stop(ctx context.Context, state types.SessionState, in Input, res Result) (types.SessionState, Result, error) {
	if err := m.commander.SetForceCharge(ctx, false); err != nil {
		res.Command = types.CommandStopCharge
		return state, res, fmt.Errorf("%w: stop: %w", ErrCommandFailed, err)
	}
	res.Command = types.CommandStopCharge

	report := ComputeStopReport(state, in.Telemetry, m.ratePence)
	now := in.Now
	next := types.SessionState{
		CachedBatteryCapacityKWh: state.CachedBatteryCapacityKWh,
		StopRequestedAt:          &now,
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"charging session stopped",
		slog.Any("socIncrease", report.SOCIncreasePct),
		slog.Any("energyKWh", report.EnergyKWh),
		slog.Any("estimatedCost", report.EstimatedCost),
		slog.String("rationale", in.Decision.Rationale),
	)
	// the hardware has stopped whether or not the save works, and nothing
	// later would report this session, so the notice goes out either way
	persistErr := m.persist(ctx, next)

	// a repeated stop for hardware that ignored the last one was already
	// reported and is covered by the anomaly instead
	if state.StopRequestedAt != nil {
		return next, res, persistErr
	}
	notice := types.StopNotice{
		Time:         in.Now,
		SessionStart: state.SessionStartTime,
		Report:       report,
		ForecastData: in.Decision.ForecastData,
		Rationale:    in.Decision.Rationale,
	}
	if err := m.notifier.ChargingStopped(ctx, notice); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to send stop notice", slog.Any("error", err))
	}
	res.StopNotice = &notice
	return next, res, persistErr
}

// idle handles not charging when we don't want to. It reconciles the record
// with the hardware and picks up a changed battery capacity.
func (m *Machine) idle(ctx context.Context, state types.SessionState, in Input, res Result) (types.SessionState, Result, error) {
	next := state
	changed := false
	if !next.IsCharging {
		changed = refreshCapacity(ctx, &next, in.Telemetry)
	}
	if in.HardwareCharging != nil && !*in.HardwareCharging {
		if next.IsCharging {
			log.Ctx(ctx).WarnContext(ctx, "hardware stopped charging without a stop command, closing session")
			next.IsCharging = false
			next.SessionStartTime = nil
			next.SessionStartSOCPct = nil
			next.StartNotificationSent = false
			changed = true
		}
		if next.StopRequestedAt != nil {
			next.StopRequestedAt = nil
			changed = true
		}
	}
	if !changed {
		return state, res, nil
	}
	if err := m.persist(ctx, next); err != nil {
		return next, res, err
	}
	return next, res, nil
}

func (m *Machine) notifyStart(ctx context.Context, next types.SessionState, in Input, res Result) (types.SessionState, Result, error) {
	if next.StartNotificationSent {
		return next, res, nil
	}
	notice := types.StartNotice{
		Time:             in.Now,
		CurrentSOCPct:    in.Telemetry.StateOfChargePct,
		ConsumptionWatts: in.Telemetry.ConsumptionWatts,
		ForecastData:     in.Decision.ForecastData,
		Savings:          targets.EstimateSavings(in.Decision.ForecastData, m.ratePence),
		Rationale:        in.Decision.Rationale,
	}
	// delivery is the notifier's concern, the notice counts as sent
	if err := m.notifier.ChargingStarted(ctx, notice); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to send start notice", slog.Any("error", err))
	}
	res.StartNotice = &notice
	next.StartNotificationSent = true
	if err := m.persist(ctx, next); err != nil {
		return next, res, err
	}
	return next, res, nil
}

func (m *Machine) persist(ctx context.Context, s types.SessionState) error {
	if err := m.store.SetSessionState(ctx, s, types.CurrentSessionStateVersion); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	return nil
}

// beginSession opens a session at in.Now. It expects a SOC in telemetry.
func beginSession(state types.SessionState, in Input) types.SessionState {
	now := in.Now
	next := state
	next.IsCharging = true
	next.SessionStartTime = &now
	next.SessionStartSOCPct = types.Ptr(*in.Telemetry.StateOfChargePct)
	next.StartNotificationSent = false
	next.StopRequestedAt = nil
	if next.CachedBatteryCapacityKWh == nil {
		if c := in.Telemetry.BatteryCapacityKWh; c != nil && *c > 0 {
			next.CachedBatteryCapacityKWh = types.Ptr(*c)
		}
	}
	return next
}

// refreshCapacity caches the telemetry capacity when it's positive and
// differs from the cached one, e.g. after a battery pack is added.
func refreshCapacity(ctx context.Context, state *types.SessionState, tel types.Telemetry) bool {
	c := tel.BatteryCapacityKWh
	if c == nil || *c <= 0 {
		return false
	}
	if old := state.CachedBatteryCapacityKWh; old != nil && *old == *c {
		return false
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"battery capacity changed",
		slog.Any("cachedKWh", state.CachedBatteryCapacityKWh),
		slog.Float64("telemetryKWh", *c),
	)
	state.CachedBatteryCapacityKWh = types.Ptr(*c)
	return true
}
