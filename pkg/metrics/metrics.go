// Package metrics exposes cycle metrics for Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raterudder/gridcharge/pkg/types"
)

const namespace = "gridcharge"

// NewRegistry returns a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Cycle holds the per-cycle metrics.
type Cycle struct {
	Decisions     *prometheus.CounterVec // labels: should_charge, reason
	Commands      *prometheus.CounterVec // labels: command, result=ok|error
	Anomalies     *prometheus.CounterVec // labels: kind
	Failures      prometheus.Counter
	SOC           prometheus.Gauge
	TargetSOC     prometheus.Gauge
	Consumption   prometheus.Gauge
	Charging      prometheus.Gauge
	CycleDuration prometheus.Histogram
	LastCycle     prometheus.Gauge
}

// NewCycle registers and returns the cycle metrics.
func NewCycle(reg prometheus.Registerer) *Cycle {
	m := &Cycle{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Charge decisions by outcome and rule.",
		}, []string{"should_charge", "reason"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Force charge commands sent to the battery.",
		}, []string{"command", "result"}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Operator alerts raised.",
		}, []string{"kind"}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_failures_total",
			Help:      "Cycles that ended with an error.",
		}),
		SOC: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state_of_charge_percent",
			Help:      "Last reported battery state of charge.",
		}),
		TargetSOC: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_state_of_charge_percent",
			Help:      "Final target state of charge of the last decision.",
		}),
		Consumption: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumption_watts",
			Help:      "Last reported household consumption.",
		}),
		Charging: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "charging",
			Help:      "1 while a charging session is active.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time taken by a decision cycle.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		LastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time the last cycle finished.",
		}),
	}
	reg.MustRegister(m.Decisions, m.Commands, m.Anomalies, m.Failures, m.SOC, m.TargetSOC,
		m.Consumption, m.Charging, m.CycleDuration, m.LastCycle)
	return m
}

// ObserveTelemetry records the readings that were available.
func (m *Cycle) ObserveTelemetry(t types.Telemetry) {
	if t.StateOfChargePct != nil {
		m.SOC.Set(*t.StateOfChargePct)
	}
	if t.ConsumptionWatts != nil {
		m.Consumption.Set(*t.ConsumptionWatts)
	}
}

// ObserveDecision counts a decision.
func (m *Cycle) ObserveDecision(d types.Decision) {
	m.Decisions.WithLabelValues(strconv.FormatBool(d.ShouldCharge), string(d.Reason)).Inc()
	m.TargetSOC.Set(d.ForecastData.FinalTargetSOCPct)
}

// ObserveCommand counts a command that was sent. NoOp isn't counted.
func (m *Cycle) ObserveCommand(c types.Command, err error) {
	if c == types.CommandNoOp || c == "" {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Commands.WithLabelValues(string(c), result).Inc()
}

// ObserveAnomaly counts an alert.
func (m *Cycle) ObserveAnomaly(k types.AnomalyKind) {
	m.Anomalies.WithLabelValues(string(k)).Inc()
}

// ObserveCycle records the end of a cycle.
func (m *Cycle) ObserveCycle(start time.Time, state types.SessionState, failed bool) {
	end := time.Now()
	m.CycleDuration.Observe(end.Sub(start).Seconds())
	m.LastCycle.Set(float64(end.Unix()))
	if state.IsCharging {
		m.Charging.Set(1)
	} else {
		m.Charging.Set(0)
	}
	if failed {
		m.Failures.Inc()
	}
}
