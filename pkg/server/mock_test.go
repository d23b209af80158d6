package server

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/raterudder/gridcharge/pkg/log"
	"github.com/raterudder/gridcharge/pkg/storage"
	"github.com/raterudder/gridcharge/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

// testNow is inside the default 00:30-05:30 window in January.
var testNow = time.Date(2025, 1, 15, 1, 0, 0, 0, time.UTC)

// fakeESS reports tel and, when follow is set, reflects force charge
// commands in ObservedHardwareCharging.
type fakeESS struct {
	mu       sync.Mutex
	tel      types.Telemetry
	telErr   error
	setErr   error
	follow   bool
	commands []bool
}

func (f *fakeESS) GetTelemetry(ctx context.Context) (types.Telemetry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tel, f.telErr
}

func (f *fakeESS) SetForceCharge(ctx context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, on)
	if f.setErr != nil {
		return f.setErr
	}
	if f.follow {
		f.tel.ObservedHardwareCharging = types.Ptr(on)
	}
	return nil
}

func (f *fakeESS) setSOC(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tel.StateOfChargePct = types.Ptr(v)
}

type fakePrices struct {
	prices []types.Price
	err    error
	calls  int
}

func (f *fakePrices) GetPrices(ctx context.Context, start, end time.Time) ([]types.Price, error) {
	f.calls++
	return f.prices, f.err
}

type recordingNotifier struct {
	mu        sync.Mutex
	starts    []types.StartNotice
	stops     []types.StopNotice
	anomalies []types.Anomaly
}

func (r *recordingNotifier) ChargingStarted(ctx context.Context, n types.StartNotice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, n)
	return nil
}

func (r *recordingNotifier) ChargingStopped(ctx context.Context, n types.StopNotice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = append(r.stops, n)
	return nil
}

func (r *recordingNotifier) Anomaly(ctx context.Context, a types.Anomaly) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anomalies = append(r.anomalies, a)
	return nil
}

func (r *recordingNotifier) kinds() []types.AnomalyKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.AnomalyKind
	for _, a := range r.anomalies {
		out = append(out, a.Kind)
	}
	return out
}

func fixedSettings(t *testing.T) types.Settings {
	t.Helper()
	s, err := buildSettings(tariffConfig{
		mode:        "fixed_window",
		windowStart: "00:30",
		windowEnd:   "05:30",
		rate:        8.5,
	}, nil, 3000, 6000, 31.2)
	require.NoError(t, err)
	return s
}

func dynamicSettings(t *testing.T) types.Settings {
	t.Helper()
	s, err := buildSettings(tariffConfig{
		mode:                 "dynamic_price",
		rate:                 8.5,
		cheapPercentile:      25,
		moderatePercentile:   25,
		cheapSOCThreshold:    60,
		moderateSOCThreshold: 30,
		minCheapMedianGap:    0.1,
	}, nil, 3000, 6000, 31.2)
	require.NoError(t, err)
	return s
}

type testServer struct {
	*Server
	ess      *fakeESS
	prices   *fakePrices
	notifier *recordingNotifier
	db       storage.Database
}

// newTestServer builds a server around fakes. db defaults to a file store in
// a temp dir.
func newTestServer(t *testing.T, settings types.Settings, db storage.Database) *testServer {
	t.Helper()
	if db == nil {
		db = storage.NewFileProvider(filepath.Join(t.TempDir(), "charging-state.json"))
	}
	ts := &testServer{
		ess: &fakeESS{
			follow: true,
			tel: types.Telemetry{
				StateOfChargePct:         types.Ptr(20.0),
				BatteryCapacityKWh:       types.Ptr(31.2),
				ObservedHardwareCharging: types.Ptr(false),
			},
		},
		prices:   &fakePrices{},
		notifier: &recordingNotifier{},
		db:       db,
	}
	ts.Server = &Server{
		ess:           ts.ess,
		prices:        ts.prices,
		storage:       db,
		notifier:      ts.notifier,
		interval:      time.Minute,
		simChargeKW:   5,
		updateLimiter: rate.NewLimiter(rate.Every(time.Minute), 1),
		now:           func() time.Time { return testNow },
	}
	ts.Server.init(settings)
	return ts
}
